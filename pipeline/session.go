package pipeline

import "fmt"

type ScanState int

const (
	ScanIdle ScanState = iota
	ScanScanning
)

func (s ScanState) String() string {
	if s == ScanScanning {
		return "scanning"
	}
	return "idle"
}

type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	}
	return "disconnected"
}

type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingActive
)

func (s RecordingState) String() string {
	if s == RecordingActive {
		return "recording"
	}
	return "idle"
}

// Session is the user-visible state of the pipeline. Values handed out by the
// controller are snapshots.
type Session struct {
	Scan           ScanState
	Link           LinkState
	Recording      RecordingState
	DeviceLabel    string
	BatteryPercent int
	LastJobID      string
	Uploading      bool
	Message        string
}

func (s Session) String() string {
	return fmt.Sprintf("scan=%s link=%s recording=%s device=%q battery=%d job=%q uploading=%t message=%q",
		s.Scan, s.Link, s.Recording, s.DeviceLabel, s.BatteryPercent, s.LastJobID, s.Uploading, s.Message)
}
