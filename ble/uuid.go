package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// AudioCharacteristicUUID carries the recorder's audio/data stream.
	AudioCharacteristicUUID = "19B10001-E8F2-537E-4F6C-D104768A1214"
	// BatteryLevelUUID is the standard Battery Level characteristic.
	BatteryLevelUUID = "2A19"

	DefaultTargetName = "Friend"

	baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"
)

// NormalizeUUID returns the lowercase 128-bit form of a UUID. 16- and 32-bit
// short forms are expanded against the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// SameUUID compares two UUIDs in any accepted form.
func SameUUID(a, b string) bool {
	na, err := NormalizeUUID(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeUUID(b)
	if err != nil {
		return false
	}
	return na == nb
}
