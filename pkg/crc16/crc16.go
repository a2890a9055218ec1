// Package crc16 implements the CRC-CCITT (XMODEM) checksum used by Davis consoles.
package crc16

const poly = 0x1021

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Crc16 returns the XMODEM CRC of data, starting from zero
func Crc16(data []byte) uint16 {
	return Update(0, data)
}

// Update continues a running CRC with more data
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ table[byte(crc>>8)^b]
	}
	return crc
}

// Valid reports whether data carries a trailing big-endian CRC that checks out.
// Running the CRC over the payload plus its checksum yields zero.
func Valid(data []byte) bool {
	return len(data) >= 2 && Crc16(data) == 0
}
