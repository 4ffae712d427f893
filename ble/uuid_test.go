package ble

import "testing"

func TestNormalizeUUID(t *testing.T) {
	for _, tt := range []struct{ in, want string }{
		{"2A19", "00002a19-0000-1000-8000-00805f9b34fb"},
		{"2a19", "00002a19-0000-1000-8000-00805f9b34fb"},
		{"00002A19", "00002a19-0000-1000-8000-00805f9b34fb"},
		{"00002a19-0000-1000-8000-00805f9b34fb", "00002a19-0000-1000-8000-00805f9b34fb"},
		{AudioCharacteristicUUID, "19b10001-e8f2-537e-4f6c-d104768a1214"},
		{" 19b10001-e8f2-537e-4f6c-d104768a1214 ", "19b10001-e8f2-537e-4f6c-d104768a1214"},
	} {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeUUID(tt.in)
			if err != nil {
				t.Fatalf("NormalizeUUID(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeUUIDInvalid(t *testing.T) {
	for _, in := range []string{"", "zz", "2A1", "not-a-uuid"} {
		if _, err := NormalizeUUID(in); err == nil {
			t.Errorf("NormalizeUUID(%q): expected error", in)
		}
	}
}

func TestSameUUID(t *testing.T) {
	if !SameUUID("2A19", "00002A19-0000-1000-8000-00805F9B34FB") {
		t.Error("short and long battery UUID should match")
	}
	if SameUUID("2A19", AudioCharacteristicUUID) {
		t.Error("battery and audio UUIDs should differ")
	}
	if SameUUID("bogus", "bogus") {
		t.Error("invalid UUIDs never match")
	}
}
