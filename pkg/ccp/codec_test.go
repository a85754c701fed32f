package ccp

import "testing"

func TestBuildConnect(t *testing.T) {
	cro := buildConnect(0, 0x0037)
	payload := cro.Encode()
	want := [8]byte{0x01, 0x00, 0x37, 0x00, 0, 0, 0, 0}
	if payload != want {
		t.Errorf("Encode() = % X, want % X", payload, want)
	}
}

func TestDecodeCRM(t *testing.T) {
	tests := []struct {
		name    string
		payload [8]byte
		want    CRM
		wantErr bool
	}{
		{
			name:    "connect acknowledge",
			payload: [8]byte{0xFF, 0x00, 0x00, 0, 0, 0, 0, 0},
			want:    CRM{CrcErr: 0x00, CTR: 0x00},
		},
		{
			name:    "upload 4 bytes",
			payload: [8]byte{0xFF, 0x00, 0x05, 0xAA, 0xBB, 0xCC, 0xDD, 0x00},
			want:    CRM{CrcErr: 0x00, CTR: 0x05, Data: [5]byte{0xAA, 0xBB, 0xCC, 0xDD, 0x00}},
		},
		{
			name:    "not a CRM",
			payload: [8]byte{0x01, 0x00, 0, 0, 0, 0, 0, 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCRM(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCRM() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("DecodeCRM() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		payload [8]byte
		want    FrameKind
	}{
		{name: "crm", payload: [8]byte{0xFF}, want: FrameCRM},
		{name: "event", payload: [8]byte{0xFE}, want: FrameEvent},
		{name: "daq", payload: [8]byte{0x03}, want: FrameDAQ},
		{name: "daq zero", payload: [8]byte{0x00}, want: FrameDAQ},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.payload); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUploadEncodeRoundTrip(t *testing.T) {
	cro, err := buildUpload(7, 4)
	if err != nil {
		t.Fatalf("buildUpload: %v", err)
	}
	payload := cro.Encode()
	want := [8]byte{0x04, 0x07, 0x04, 0, 0, 0, 0, 0}
	if payload != want {
		t.Errorf("Encode() = % X, want % X", payload, want)
	}

	if _, err := buildUpload(0, 6); err == nil {
		t.Errorf("expected error for size > 5")
	}
}

func TestSetMTAByteOrder(t *testing.T) {
	cro := buildSetMTA(1, 0, 0, 0x4000AA56, BigEndian)
	payload := cro.Encode()
	want := [8]byte{0x02, 0x01, 0x00, 0x00, 0x40, 0x00, 0xAA, 0x56}
	if payload != want {
		t.Errorf("big-endian Encode() = % X, want % X", payload, want)
	}

	cro = buildSetMTA(1, 0, 0, 0x4000AA56, LittleEndian)
	payload = cro.Encode()
	want = [8]byte{0x02, 0x01, 0x00, 0x00, 0x56, 0xAA, 0x00, 0x40}
	if payload != want {
		t.Errorf("little-endian Encode() = % X, want % X", payload, want)
	}
}

func TestDecodeEvent(t *testing.T) {
	payload := [8]byte{0xFE, 0x01, 2, 3, 4, 5, 6, 7}
	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventCode != 0x01 {
		t.Errorf("EventCode = 0x%02X, want 0x01", ev.EventCode)
	}
	want := [6]byte{2, 3, 4, 5, 6, 7}
	if ev.Data != want {
		t.Errorf("Data = %v, want %v", ev.Data, want)
	}
}

func TestDecodeDAQ(t *testing.T) {
	payload := [8]byte{0xF1, 0x01, 0x2C, 0x00, 0x0A, 0, 0, 0}
	f := DecodeDAQ(payload)
	if f.ODTNumber != 0xF1 {
		t.Errorf("ODTNumber = 0x%02X, want 0xF1", f.ODTNumber)
	}
	want := [7]byte{0x01, 0x2C, 0x00, 0x0A, 0, 0, 0}
	if f.Data != want {
		t.Errorf("Data = %v, want %v", f.Data, want)
	}
}
