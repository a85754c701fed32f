package transport

import "testing"

func TestParseSLCANLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantOK  bool
		wantID  uint32
		wantLen int
	}{
		{
			name:    "standard 8-byte frame",
			line:    "t7E880102030405060708",
			wantOK:  true,
			wantID:  0x7E8,
			wantLen: 8,
		},
		{
			name:   "too short",
			line:   "t7E8",
			wantOK: false,
		},
		{
			name:   "wrong prefix",
			line:   "x7E881020304050607",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, ok := parseSLCANLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if frame.ID != tt.wantID {
				t.Errorf("ID = 0x%03X, want 0x%03X", frame.ID, tt.wantID)
			}
		})
	}
}

func TestSlcanSpeedCommand(t *testing.T) {
	tests := []struct {
		rate int
		want string
	}{
		{1000000, "S8"},
		{500000, "S6"},
		{250000, "S5"},
		{125000, "S4"},
		{100000, "S3"},
	}
	for _, tt := range tests {
		if got := slcanSpeedCommand(tt.rate); got != tt.want {
			t.Errorf("slcanSpeedCommand(%d) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}
