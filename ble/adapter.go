package ble

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

var ErrAlreadyScanning = errors.New("scan already running")

const maxReadSize = 512

// AdapterRadio drives a host Bluetooth adapter. The library's calls block, so
// each request runs on its own goroutine and reports back through the handler.
type AdapterRadio struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	handler  func(Event)
	scan     scanGate
}

// scanGate tracks the adapter scan this radio started. The library's Scan call
// only returns after the next advertisement following StopScan, so a stop
// releases the gate at once and a stale scan goroutine is recognised by its
// generation.
type scanGate struct {
	mu     sync.Mutex
	gen    uint64
	active bool
}

func (g *scanGate) begin() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return 0, false
	}
	g.gen++
	g.active = true
	return g.gen, true
}

// stop reports whether a scan was running.
func (g *scanGate) stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.active
	g.active = false
	return was
}

func (g *scanGate) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && g.gen == gen
}

// end marks scan gen as finished and reports whether it was still current.
func (g *scanGate) end(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.gen != gen {
		return false
	}
	g.active = false
	return true
}

func NewAdapterRadio(adapter *bluetooth.Adapter) *AdapterRadio {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &AdapterRadio{adapter: adapter}
}

func (r *AdapterRadio) SetEventHandler(h func(Event)) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *AdapterRadio) emit(ev Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Enable powers up the adapter and installs the disconnect hook.
func (r *AdapterRadio) Enable() error {
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		r.emit(Event{
			Kind:   Disconnected,
			Device: DeviceHandle{Peer: Peer{Address: addr}, Ref: device},
		})
	})
	if err := r.adapter.Enable(); err != nil {
		r.emit(Event{Kind: RadioStateChanged, RadioState: RadioUnsupported})
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	r.emit(Event{Kind: RadioStateChanged, RadioState: RadioPoweredOn})
	return nil
}

func (r *AdapterRadio) StartScan() error {
	gen, ok := r.scan.begin()
	if !ok {
		return ErrAlreadyScanning
	}
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !r.scan.current(gen) {
				return
			}
			r.emit(Event{
				Kind: PeerDiscovered,
				Peer: Peer{
					Address: res.Address.String(),
					Name:    res.LocalName(),
					RSSI:    int(res.RSSI),
					Ref:     res.Address,
				},
			})
		})
		if r.scan.end(gen) && err != nil {
			r.emit(Event{Kind: OperationFailed, Op: OpScan, Err: err})
		}
	}()
	return nil
}

func (r *AdapterRadio) StopScan() error {
	if !r.scan.stop() {
		return nil
	}
	return r.adapter.StopScan()
}

func (r *AdapterRadio) Connect(p Peer) error {
	addr, ok := p.Ref.(bluetooth.Address)
	if !ok {
		return fmt.Errorf("peer %s: no adapter address", p.Address)
	}
	go func() {
		dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			r.emit(Event{Kind: ConnectFailed, Peer: p, Op: OpConnect, Err: err})
			return
		}
		r.emit(Event{Kind: Connected, Device: DeviceHandle{Peer: p, Ref: dev}})
	}()
	return nil
}

func device(d DeviceHandle) (bluetooth.Device, error) {
	dev, ok := d.Ref.(bluetooth.Device)
	if !ok {
		return bluetooth.Device{}, fmt.Errorf("device %s: not an adapter device", d.Peer.Address)
	}
	return dev, nil
}

func (r *AdapterRadio) DiscoverServices(d DeviceHandle) error {
	dev, err := device(d)
	if err != nil {
		return err
	}
	go func() {
		svcs, err := dev.DiscoverServices(nil)
		if err != nil {
			r.emit(Event{Kind: OperationFailed, Op: OpDiscoverServices, Err: err})
			return
		}
		services := make([]Service, 0, len(svcs))
		for _, s := range svcs {
			services = append(services, Service{UUID: s.UUID().String(), Ref: s})
		}
		r.emit(Event{Kind: ServicesDiscovered, Device: d, Services: services})
	}()
	return nil
}

func (r *AdapterRadio) DiscoverCharacteristics(d DeviceHandle, s Service) error {
	svc, ok := s.Ref.(bluetooth.DeviceService)
	if !ok {
		return fmt.Errorf("service %s: not an adapter service", s.UUID)
	}
	go func() {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			r.emit(Event{Kind: OperationFailed, Op: OpDiscoverCharacteristics, Err: err})
			return
		}
		out := make([]Characteristic, 0, len(chars))
		for _, c := range chars {
			out = append(out, Characteristic{UUID: c.UUID().String(), Service: s.UUID, Ref: c})
		}
		r.emit(Event{Kind: CharacteristicsDiscovered, Device: d, Service: s, Characteristics: out})
	}()
	return nil
}

func characteristic(c Characteristic) (bluetooth.DeviceCharacteristic, error) {
	ch, ok := c.Ref.(bluetooth.DeviceCharacteristic)
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s: not an adapter characteristic", c.UUID)
	}
	return ch, nil
}

func (r *AdapterRadio) ReadValue(c Characteristic) error {
	ch, err := characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxReadSize)
		n, err := ch.Read(buf)
		if err != nil {
			r.emit(Event{Kind: OperationFailed, Op: OpRead, Characteristic: c, Err: err})
			return
		}
		r.emit(Event{Kind: ValueUpdated, Characteristic: c, Value: buf[:n]})
	}()
	return nil
}

func (r *AdapterRadio) EnableNotifications(c Characteristic) error {
	ch, err := characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		err := ch.EnableNotifications(func(buf []byte) {
			// the library reuses buf between notifications
			value := make([]byte, len(buf))
			copy(value, buf)
			r.emit(Event{Kind: ValueUpdated, Characteristic: c, Value: value})
		})
		if err != nil {
			r.emit(Event{Kind: OperationFailed, Op: OpNotify, Characteristic: c, Err: err})
		}
	}()
	return nil
}

func (r *AdapterRadio) Disconnect(d DeviceHandle) error {
	dev, err := device(d)
	if err != nil {
		return err
	}
	return dev.Disconnect()
}

func (r *AdapterRadio) Close() error {
	return r.StopScan()
}
