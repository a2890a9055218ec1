package crc16

import "testing"

func TestCrc16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: nil, want: 0x0000},
		{name: "check string", data: []byte("123456789"), want: 0x31C3},
		{name: "single byte", data: []byte{0x01}, want: 0x1021},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Crc16(tt.data); got != tt.want {
				t.Errorf("Crc16(%x) = %#04x, want %#04x", tt.data, got, tt.want)
			}
		})
	}
}

func TestTableMatchesDavisTable(t *testing.T) {
	// spot checks against the published XMODEM table
	want := map[int]uint16{1: 0x1021, 2: 0x2042, 16: 0x1231, 255: 0x1ef0}
	for i, v := range want {
		if table[i] != v {
			t.Errorf("table[%d] = %#04x, want %#04x", i, table[i], v)
		}
	}
}

func TestValid(t *testing.T) {
	payload := []byte("LOOP packet body")
	crc := Crc16(payload)
	framed := append(append([]byte{}, payload...), byte(crc>>8), byte(crc))

	if !Valid(framed) {
		t.Fatal("expected framed payload to validate")
	}

	framed[3] ^= 0x10
	if Valid(framed) {
		t.Error("expected corrupted payload to fail validation")
	}

	if Valid([]byte{0x00}) {
		t.Error("a single byte can never carry a CRC")
	}
}
