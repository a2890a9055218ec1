package wmii

import (
	"encoding/binary"
	"fmt"

	"github.com/chrissnell/wmii/pkg/crc16"
)

// LoopPacket holds the raw, uncalibrated values of a LOOP response.
//
// Layout of the 17 bytes following the 0x01 header (little-endian):
//
//	0  inTemp      int16  °F x10
//	2  outTemp     int16  °F x10
//	4  windSpeed   uint8  counts
//	5  windDir     uint16 degrees
//	7  barometer   uint16 inHg x1000
//	9  inHumidity  uint8  %
//	10 outHumidity uint8  %
//	11 rainTotal   uint16 clicks
//	13 unused      uint16
//	15 crc         uint16 big-endian CRC16-XMODEM
type LoopPacket struct {
	InTemp      int16
	OutTemp     int16
	WindSpeed   uint8
	WindDir     uint16
	Barometer   uint16
	InHumidity  uint8
	OutHumidity uint8
	RainTotal   uint16
	Unused      uint16
}

// DecodeLoop unpacks and validates a LOOP body (the 17 bytes after the header)
func DecodeLoop(body []byte) (LoopPacket, error) {
	if len(body) != LoopBodySize {
		return LoopPacket{}, fmt.Errorf("%w: len %d", ErrShortPacket, len(body))
	}

	if !crc16.Valid(body) {
		return LoopPacket{}, fmt.Errorf("%w: %#04x", ErrCRC, crc16.Crc16(body))
	}

	return LoopPacket{
		InTemp:      int16(binary.LittleEndian.Uint16(body[0:2])),
		OutTemp:     int16(binary.LittleEndian.Uint16(body[2:4])),
		WindSpeed:   body[4],
		WindDir:     binary.LittleEndian.Uint16(body[5:7]),
		Barometer:   binary.LittleEndian.Uint16(body[7:9]),
		InHumidity:  body[9],
		OutHumidity: body[10],
		RainTotal:   binary.LittleEndian.Uint16(body[11:13]),
		Unused:      binary.LittleEndian.Uint16(body[13:15]),
	}, nil
}

// MarshalBinary encodes the packet as a LOOP body with its CRC appended
func (p LoopPacket) MarshalBinary() ([]byte, error) {
	b := make([]byte, LoopBodySize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.InTemp))
	binary.LittleEndian.PutUint16(b[2:4], uint16(p.OutTemp))
	b[4] = p.WindSpeed
	binary.LittleEndian.PutUint16(b[5:7], p.WindDir)
	binary.LittleEndian.PutUint16(b[7:9], p.Barometer)
	b[9] = p.InHumidity
	b[10] = p.OutHumidity
	binary.LittleEndian.PutUint16(b[11:13], p.RainTotal)
	binary.LittleEndian.PutUint16(b[13:15], p.Unused)

	crc := crc16.Crc16(b[:15])
	binary.BigEndian.PutUint16(b[15:17], crc)
	return b, nil
}

// Frame returns the full LOOP response as the console sends it after the ACK
func (p LoopPacket) Frame() []byte {
	body, _ := p.MarshalBinary()
	return append([]byte{LoopHeader}, body...)
}
