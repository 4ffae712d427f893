package ble

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnknownPeer = errors.New("unknown peer")

type SimCharacteristic struct {
	UUID  string
	Value []byte
}

type SimService struct {
	UUID            string
	Characteristics []SimCharacteristic
}

// SimPeripheral is an advertising device served by the Simulator.
type SimPeripheral struct {
	Name     string
	Address  string
	Services []SimService
}

// FriendPeripheral is a recorder exposing the audio and battery services.
func FriendPeripheral(battery byte) SimPeripheral {
	return SimPeripheral{
		Name:    DefaultTargetName,
		Address: "F0:1E:4D:00:00:01",
		Services: []SimService{
			{
				UUID:            "19B10000-E8F2-537E-4F6C-D104768A1214",
				Characteristics: []SimCharacteristic{{UUID: AudioCharacteristicUUID}},
			},
			{
				UUID:            "180F",
				Characteristics: []SimCharacteristic{{UUID: BatteryLevelUUID, Value: []byte{battery}}},
			},
		},
	}
}

// Simulator is an in-process Radio. Events are delivered in request order on
// a single dispatcher goroutine, like a host Bluetooth stack's callback queue.
type Simulator struct {
	hmu     sync.Mutex
	handler func(Event)

	mu        sync.Mutex
	peers     []SimPeripheral
	scanning  bool
	connected *SimPeripheral
	notifying map[string]bool
	calls     []string

	queue chan Event
	done  chan struct{}
	once  sync.Once
}

func NewSimulator(peers ...SimPeripheral) *Simulator {
	s := &Simulator{
		peers:     peers,
		notifying: make(map[string]bool),
		queue:     make(chan Event, 1024),
		done:      make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func (s *Simulator) dispatch() {
	for {
		select {
		case ev := <-s.queue:
			s.hmu.Lock()
			h := s.handler
			s.hmu.Unlock()
			if h != nil {
				h(ev)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Simulator) enqueue(ev Event) {
	select {
	case s.queue <- ev:
	case <-s.done:
	}
}

func (s *Simulator) record(call string) {
	s.calls = append(s.calls, call)
}

// Calls lists the requests received so far, oldest first.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) SetEventHandler(h func(Event)) {
	s.hmu.Lock()
	s.handler = h
	s.hmu.Unlock()
}

// SetRadioState reports an adapter power/permission change.
func (s *Simulator) SetRadioState(state RadioState) {
	s.enqueue(Event{Kind: RadioStateChanged, RadioState: state})
}

func (s *Simulator) StartScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("StartScan")
	if s.scanning {
		return ErrAlreadyScanning
	}
	s.scanning = true
	for _, p := range s.peers {
		s.enqueue(Event{Kind: PeerDiscovered, Peer: Peer{Address: p.Address, Name: p.Name, RSSI: -50}})
	}
	return nil
}

func (s *Simulator) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("StopScan")
	s.scanning = false
	return nil
}

func (s *Simulator) find(addr string) *SimPeripheral {
	for i := range s.peers {
		if s.peers[i].Address == addr {
			return &s.peers[i]
		}
	}
	return nil
}

func (s *Simulator) Connect(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Connect " + p.Name)
	peer := s.find(p.Address)
	if peer == nil {
		s.enqueue(Event{Kind: ConnectFailed, Peer: p, Op: OpConnect, Err: fmt.Errorf("%w: %s", ErrUnknownPeer, p.Address)})
		return nil
	}
	s.connected = peer
	s.notifying = make(map[string]bool)
	s.enqueue(Event{Kind: Connected, Device: DeviceHandle{Peer: p, Ref: p.Address}})
	return nil
}

func (s *Simulator) DiscoverServices(d DeviceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DiscoverServices")
	if s.connected == nil {
		return errors.New("not connected")
	}
	var services []Service
	for i, svc := range s.connected.Services {
		services = append(services, Service{UUID: svc.UUID, Ref: i})
	}
	s.enqueue(Event{Kind: ServicesDiscovered, Device: d, Services: services})
	return nil
}

func (s *Simulator) DiscoverCharacteristics(d DeviceHandle, svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DiscoverCharacteristics " + svc.UUID)
	if s.connected == nil {
		return errors.New("not connected")
	}
	idx, ok := svc.Ref.(int)
	if !ok || idx < 0 || idx >= len(s.connected.Services) {
		return fmt.Errorf("unknown service %s", svc.UUID)
	}
	var chars []Characteristic
	for _, c := range s.connected.Services[idx].Characteristics {
		chars = append(chars, Characteristic{UUID: c.UUID, Service: svc.UUID})
	}
	s.enqueue(Event{Kind: CharacteristicsDiscovered, Device: d, Service: svc, Characteristics: chars})
	return nil
}

func (s *Simulator) lookup(uuid string) *SimCharacteristic {
	if s.connected == nil {
		return nil
	}
	for i := range s.connected.Services {
		for j := range s.connected.Services[i].Characteristics {
			c := &s.connected.Services[i].Characteristics[j]
			if SameUUID(c.UUID, uuid) {
				return c
			}
		}
	}
	return nil
}

func (s *Simulator) ReadValue(c Characteristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Read " + c.UUID)
	sc := s.lookup(c.UUID)
	if sc == nil {
		return fmt.Errorf("unknown characteristic %s", c.UUID)
	}
	s.enqueue(Event{Kind: ValueUpdated, Characteristic: c, Value: append([]byte(nil), sc.Value...)})
	return nil
}

func (s *Simulator) EnableNotifications(c Characteristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Notify " + c.UUID)
	if s.lookup(c.UUID) == nil {
		return fmt.Errorf("unknown characteristic %s", c.UUID)
	}
	s.notifying[strings.ToLower(c.UUID)] = true
	return nil
}

// SetValue changes a characteristic on the connected peer and notifies if
// notifications are enabled for it.
func (s *Simulator) SetValue(uuid string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.lookup(uuid)
	if sc == nil {
		return
	}
	sc.Value = append([]byte(nil), value...)
	for key := range s.notifying {
		if SameUUID(key, uuid) {
			s.enqueue(Event{Kind: ValueUpdated, Characteristic: Characteristic{UUID: sc.UUID}, Value: append([]byte(nil), value...)})
			return
		}
	}
}

func (s *Simulator) Disconnect(d DeviceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Disconnect " + d.Peer.Name)
	if s.connected == nil {
		return nil
	}
	s.connected = nil
	s.enqueue(Event{Kind: Disconnected, Device: d})
	return nil
}

// DropLink simulates the peer going out of range.
func (s *Simulator) DropLink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == nil {
		return
	}
	p := s.connected
	s.connected = nil
	s.enqueue(Event{
		Kind:   Disconnected,
		Device: DeviceHandle{Peer: Peer{Address: p.Address, Name: p.Name}, Ref: p.Address},
		Err:    errors.New("link supervision timeout"),
	})
}

func (s *Simulator) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
