package ble

import "fmt"

// RadioState mirrors the host adapter's power/permission state.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
	RadioResetting
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered_on"
	case RadioPoweredOff:
		return "powered_off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	case RadioResetting:
		return "resetting"
	}
	return "unknown"
}

// Peer is an advertising device seen during a scan.
type Peer struct {
	Address string
	Name    string
	RSSI    int
	Ref     any // backend-private
}

// DeviceHandle refers to a connected peer.
type DeviceHandle struct {
	Peer Peer
	Ref  any
}

type Service struct {
	UUID string
	Ref  any
}

type Characteristic struct {
	UUID    string
	Service string
	Ref     any
}

// Op names a radio request, used in OperationFailed events and logs.
type Op string

const (
	OpScan                    Op = "scan"
	OpConnect                 Op = "connect"
	OpDiscoverServices        Op = "discover_services"
	OpDiscoverCharacteristics Op = "discover_characteristics"
	OpRead                    Op = "read"
	OpNotify                  Op = "notify"
	OpDisconnect              Op = "disconnect"
)

type EventKind int

const (
	RadioStateChanged EventKind = iota
	PeerDiscovered
	Connected
	ConnectFailed
	Disconnected
	ServicesDiscovered
	CharacteristicsDiscovered
	ValueUpdated
	OperationFailed
)

func (k EventKind) String() string {
	return [...]string{
		"radio_state", "peer_discovered", "connected", "connect_failed",
		"disconnected", "services_discovered", "characteristics_discovered",
		"value_updated", "operation_failed",
	}[k]
}

// Event is a completion or notification delivered by a Radio.
type Event struct {
	Kind            EventKind
	RadioState      RadioState
	Peer            Peer
	Device          DeviceHandle
	Services        []Service
	Service         Service
	Characteristics []Characteristic
	Characteristic  Characteristic
	Value           []byte
	Op              Op
	Err             error
}

func (e Event) String() string {
	switch e.Kind {
	case RadioStateChanged:
		return fmt.Sprintf("%s(%s)", e.Kind, e.RadioState)
	case PeerDiscovered:
		return fmt.Sprintf("%s(%q %s)", e.Kind, e.Peer.Name, e.Peer.Address)
	case OperationFailed, ConnectFailed:
		return fmt.Sprintf("%s(%s: %v)", e.Kind, e.Op, e.Err)
	}
	return e.Kind.String()
}

// Radio is a BLE central. Requests return as soon as they are issued; their
// results arrive as Events on the handler.
type Radio interface {
	SetEventHandler(h func(Event))
	StartScan() error
	StopScan() error
	Connect(p Peer) error
	DiscoverServices(d DeviceHandle) error
	DiscoverCharacteristics(d DeviceHandle, s Service) error
	ReadValue(c Characteristic) error
	EnableNotifications(c Characteristic) error
	Disconnect(d DeviceHandle) error
	Close() error
}
