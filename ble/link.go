package ble

import (
	"errors"
	"fmt"

	"friendrec/log"
)

var ErrScanNotAllowed = errors.New("scan only allowed while idle or disconnected")

const unknownDeviceLabel = "Unknown Device"

// State is the link lifecycle: idle → scanning → connecting → connected, with
// any state dropping to disconnected.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	return [...]string{"idle", "scanning", "connecting", "connected", "disconnected"}[s]
}

// Channel names a bound characteristic.
type Channel string

const (
	ChannelTelemetry Channel = "telemetry"
	ChannelAudio     Channel = "audio"
)

// Binding maps logical channels to characteristics of the connected peer.
type Binding map[Channel]Characteristic

// Observer receives the user-visible consequences of link events.
type Observer interface {
	ScanChanged(scanning bool)
	LinkChanged(state State, label string)
	BatteryChanged(percent int)
}

type Config struct {
	TargetName  string
	AudioUUID   string
	BatteryUUID string
}

func DefaultConfig() Config {
	return Config{
		TargetName:  DefaultTargetName,
		AudioUUID:   AudioCharacteristicUUID,
		BatteryUUID: BatteryLevelUUID,
	}
}

// Link is not safe for concurrent use; StartScan, Stop and Handle must all be
// called from the same goroutine.
type Link struct {
	radio Radio
	obs   Observer
	cfg   Config

	audioUUID   string
	batteryUUID string

	state   State
	pending *Peer // peer being connected to
	device  *DeviceHandle
	binding Binding
}

func NewLink(radio Radio, obs Observer, cfg Config) (*Link, error) {
	if cfg.TargetName == "" {
		cfg.TargetName = DefaultTargetName
	}
	if cfg.AudioUUID == "" {
		cfg.AudioUUID = AudioCharacteristicUUID
	}
	if cfg.BatteryUUID == "" {
		cfg.BatteryUUID = BatteryLevelUUID
	}
	audioUUID, err := NormalizeUUID(cfg.AudioUUID)
	if err != nil {
		return nil, fmt.Errorf("audio characteristic: %w", err)
	}
	batteryUUID, err := NormalizeUUID(cfg.BatteryUUID)
	if err != nil {
		return nil, fmt.Errorf("battery characteristic: %w", err)
	}
	return &Link{
		radio:       radio,
		obs:         obs,
		cfg:         cfg,
		audioUUID:   audioUUID,
		batteryUUID: batteryUUID,
		binding:     Binding{},
	}, nil
}

func (l *Link) State() State { return l.state }

func (l *Link) TargetName() string { return l.cfg.TargetName }

// Device returns the connected peer, if any.
func (l *Link) Device() (DeviceHandle, bool) {
	if l.device == nil {
		return DeviceHandle{}, false
	}
	return *l.device, true
}

// Binding returns a copy of the current channel bindings.
func (l *Link) Binding() Binding {
	b := make(Binding, len(l.binding))
	for k, v := range l.binding {
		b[k] = v
	}
	return b
}

func (l *Link) StartScan() error {
	if l.state != StateIdle && l.state != StateDisconnected {
		return ErrScanNotAllowed
	}
	if err := l.radio.StartScan(); err != nil {
		log.Warnf("ble scan start failed: %v", err)
		return fmt.Errorf("starting scan: %w", err)
	}
	l.state = StateScanning
	log.LinkState(l.state.String(), "")
	l.obs.ScanChanged(true)
	return nil
}

// Stop ends a scan or drops the current connection.
func (l *Link) Stop() {
	switch l.state {
	case StateScanning:
		if err := l.radio.StopScan(); err != nil {
			log.Warnf("ble stop scan: %v", err)
		}
		l.obs.ScanChanged(false)
	case StateConnecting, StateConnected:
		if l.device != nil {
			if err := l.radio.Disconnect(*l.device); err != nil {
				log.Warnf("ble disconnect: %v", err)
			}
		}
	default:
		return
	}
	l.release()
}

func (l *Link) release() {
	l.pending = nil
	l.device = nil
	l.binding = Binding{}
	l.state = StateDisconnected
	log.LinkState(l.state.String(), "")
	l.obs.LinkChanged(StateDisconnected, "")
}

func (l *Link) Handle(ev Event) {
	switch ev.Kind {
	case RadioStateChanged:
		l.onRadioState(ev.RadioState)
	case PeerDiscovered:
		l.onDiscovered(ev.Peer)
	case Connected:
		l.onConnected(ev.Device)
	case ConnectFailed:
		l.onConnectFailed(ev)
	case Disconnected:
		l.onDisconnected(ev)
	case ServicesDiscovered:
		l.onServices(ev.Services)
	case CharacteristicsDiscovered:
		l.onCharacteristics(ev.Characteristics)
	case ValueUpdated:
		l.onValue(ev.Characteristic, ev.Value)
	case OperationFailed:
		l.onOperationFailed(ev)
	}
}

// Radio power and permission changes are only logged; the link state moves on
// connect/disconnect events alone.
func (l *Link) onRadioState(s RadioState) {
	switch s {
	case RadioPoweredOn:
		log.Info("ble radio powered on")
	case RadioUnknown:
		log.Info("ble radio state unknown")
	default:
		log.Warn("ble radio " + s.String())
	}
}

func (l *Link) onDiscovered(p Peer) {
	if l.state != StateScanning {
		return
	}
	if p.Name != l.cfg.TargetName {
		return
	}

	log.Infof("ble found %q at %s (rssi %d)", p.Name, p.Address, p.RSSI)
	if err := l.radio.StopScan(); err != nil {
		log.Warnf("ble stop scan: %v", err)
	}
	l.obs.ScanChanged(false)

	l.state = StateConnecting
	log.LinkState(l.state.String(), p.Name)
	l.obs.LinkChanged(StateConnecting, "")
	l.pending = &p
	if err := l.radio.Connect(p); err != nil {
		log.Warnf("ble connect request failed: %v", err)
		l.release()
	}
}

func (l *Link) onConnected(d DeviceHandle) {
	if l.state == StateConnected && l.device != nil && l.device.Peer.Address == d.Peer.Address {
		return
	}
	if l.state != StateConnecting || (l.pending != nil && l.pending.Address != d.Peer.Address) {
		// Connection completed after Stop, or for an abandoned attempt; release it.
		log.Warnf("ble unexpected connection to %s in state %s", d.Peer.Address, l.state)
		if err := l.radio.Disconnect(d); err != nil {
			log.Warnf("ble disconnect: %v", err)
		}
		return
	}

	l.pending = nil
	l.device = &d
	l.binding = Binding{}
	l.state = StateConnected
	label := d.Peer.Name
	if label == "" {
		label = unknownDeviceLabel
	}
	log.LinkState(l.state.String(), label)
	l.obs.LinkChanged(StateConnected, label)

	if err := l.radio.DiscoverServices(d); err != nil {
		log.Warnf("ble discover services: %v", err)
	}
}

func (l *Link) onConnectFailed(ev Event) {
	log.Warnf("ble connect to %s failed: %v", ev.Peer.Address, ev.Err)
	if l.state == StateConnecting && l.owns(ev.Peer.Address) {
		l.release()
	}
}

func (l *Link) onDisconnected(ev Event) {
	if !l.owns(ev.Device.Peer.Address) {
		log.Infof("ble ignoring disconnect of %s in state %s", ev.Device.Peer.Address, l.state)
		return
	}
	if ev.Err != nil {
		log.Warnf("ble link lost: %v", ev.Err)
	}
	l.release()
}

// owns reports whether addr is the connected peer or the one being connected to.
func (l *Link) owns(addr string) bool {
	switch {
	case l.device != nil:
		return l.device.Peer.Address == addr
	case l.state == StateConnecting && l.pending != nil:
		return l.pending.Address == addr
	}
	return false
}

func (l *Link) onServices(services []Service) {
	if l.state != StateConnected {
		return
	}
	for _, s := range services {
		if err := l.radio.DiscoverCharacteristics(*l.device, s); err != nil {
			log.Warnf("ble discover characteristics of %s: %v", s.UUID, err)
		}
	}
}

func (l *Link) onCharacteristics(chars []Characteristic) {
	if l.state != StateConnected {
		return
	}
	for _, c := range chars {
		id, err := NormalizeUUID(c.UUID)
		if err != nil {
			log.Warnf("ble characteristic: %v", err)
			continue
		}
		switch id {
		case l.audioUUID:
			l.binding[ChannelAudio] = c
			log.Info("ble bound audio characteristic")
		case l.batteryUUID:
			l.binding[ChannelTelemetry] = c
			log.Info("ble bound battery characteristic")
			if err := l.radio.ReadValue(c); err != nil {
				log.Warnf("ble battery read: %v", err)
			}
			if err := l.radio.EnableNotifications(c); err != nil {
				log.Warnf("ble battery notify: %v", err)
			}
		default:
			log.Debug("ble ignoring characteristic " + id)
		}
	}
}

func (l *Link) onValue(c Characteristic, value []byte) {
	if l.state != StateConnected {
		return
	}
	tel, ok := l.binding[ChannelTelemetry]
	if !ok || !SameUUID(c.UUID, tel.UUID) {
		return
	}
	if len(value) == 0 {
		return
	}
	percent := int(value[0])
	log.Battery(percent)
	l.obs.BatteryChanged(percent)
}

func (l *Link) onOperationFailed(ev Event) {
	log.Warnf("ble %s failed: %v", ev.Op, ev.Err)
	if ev.Op == OpScan && l.state == StateScanning {
		// The scan is over; fall back so the next StartScan can retry.
		l.obs.ScanChanged(false)
		l.state = StateDisconnected
		log.LinkState(l.state.String(), "")
	}
}
