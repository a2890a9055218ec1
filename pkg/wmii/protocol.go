// Package wmii implements the serial protocol spoken by Davis Weather Monitor II,
// Wizard III and Perception II consoles.
//
// The console understands a handful of ASCII commands terminated by a carriage
// return. LOOP returns a fixed 18-byte frame of current conditions; WRD and WWR
// read and write the console's nibble-addressed memory banks, which hold the
// clock and the calibration words.
package wmii

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ACK is sent by the console after every command it accepts
	ACK byte = 0x06
	// NAK is sent when the console could not parse a command
	NAK byte = 0x21
	// CR terminates every command
	CR byte = 0x0d

	// LoopHeader is the first byte of a LOOP response after the ACK
	LoopHeader byte = 0x01
	// LoopBodySize is the number of bytes following the header, CRC included
	LoopBodySize = 17

	// DefaultBaud is the only rate the WM-II serial interface supports
	DefaultBaud = 2400
)

var (
	ErrNoAck           = errors.New("console did not acknowledge")
	ErrBadHeader       = errors.New("invalid LOOP header")
	ErrShortPacket     = errors.New("invalid length of LOOP response")
	ErrCRC             = errors.New("CRC checksum error")
	ErrBadBank         = errors.New("memory bank must be 0 or 1")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrIncompleteInput = errors.New("incomplete command")
)

// Address identifies a region of console memory. Nibbles is the length of
// the region in 4-bit units.
type Address struct {
	Bank    uint8
	Addr    uint8
	Nibbles uint8
}

// Size returns the number of bytes the console sends for a read of a
func (a Address) Size() int {
	return (int(a.Nibbles) + 1) / 2
}

func (a Address) String() string {
	return fmt.Sprintf("bank%d:%#02x/%d", a.Bank, a.Addr, a.Nibbles)
}

// Console memory map
var (
	ClockAddress = Address{Bank: 1, Addr: 0xBE, Nibbles: 6}
	DateAddress  = Address{Bank: 1, Addr: 0xC8, Nibbles: 3}

	InTempCalAddress      = Address{Bank: 1, Addr: 0x52, Nibbles: 4}
	OutTempCalAddress     = Address{Bank: 1, Addr: 0x78, Nibbles: 4}
	RainCalAddress        = Address{Bank: 1, Addr: 0xD6, Nibbles: 4}
	OutHumidityCalAddress = Address{Bank: 1, Addr: 0xDA, Nibbles: 4}
	BarometerCalAddress   = Address{Bank: 1, Addr: 0x2C, Nibbles: 4}
)

// CommandKind enumerates the commands the console understands
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdLoop
	CmdReadWRD
	CmdWriteWRD
	CmdStart
	CmdWake
)

func (k CommandKind) String() string {
	switch k {
	case CmdLoop:
		return "LOOP"
	case CmdReadWRD:
		return "WRD"
	case CmdWriteWRD:
		return "WWR"
	case CmdStart:
		return "START"
	case CmdWake:
		return "WAKE"
	default:
		return "UNKNOWN"
	}
}

// Command is a decoded console command
type Command struct {
	Kind    CommandKind
	Count   int
	Address Address
	Data    []byte
}

// EncodeLoop builds a LOOP request for count packets. The console expects the
// two's complement of the count, so a single packet is requested with 0xFFFF.
func EncodeLoop(count int) []byte {
	b := []byte("LOOP")
	b = binary.LittleEndian.AppendUint16(b, uint16(-count))
	return append(b, CR)
}

// EncodeStart builds the START command, which resumes console logging
func EncodeStart() []byte {
	return append([]byte("START"), CR)
}

// EncodeReadWRD builds a WRD memory read for the region a
func EncodeReadWRD(a Address) ([]byte, error) {
	var bankval uint8
	switch a.Bank {
	case 0:
		bankval = 2
	case 1:
		bankval = 4
	default:
		return nil, ErrBadBank
	}
	return []byte{'W', 'R', 'D', a.Nibbles<<4 | bankval, a.Addr, CR}, nil
}

// EncodeWriteWRD builds a WWR memory write of data into the region a
func EncodeWriteWRD(a Address, data []byte) ([]byte, error) {
	var bankval uint8
	switch a.Bank {
	case 0:
		bankval = 1
	case 1:
		bankval = 3
	default:
		return nil, ErrBadBank
	}
	if len(data) != a.Size() {
		return nil, fmt.Errorf("write to %v needs %d bytes, got %d", a, a.Size(), len(data))
	}
	b := []byte{'W', 'W', 'R', a.Nibbles<<4 | bankval, a.Addr}
	b = append(b, data...)
	return append(b, CR), nil
}

// ParseCommand decodes the first command in buf and reports how many bytes
// it consumed. ErrIncompleteInput means more bytes are needed; any other
// error means buf does not start with a known command and the caller should
// skip a byte and try again.
func ParseCommand(buf []byte) (Command, int, error) {
	if len(buf) == 0 {
		return Command{}, 0, ErrIncompleteInput
	}

	if buf[0] == '\n' || buf[0] == CR {
		return Command{Kind: CmdWake}, 1, nil
	}

	switch {
	case hasPrefix(buf, "LOOP"):
		if len(buf) < 7 {
			return Command{}, 0, ErrIncompleteInput
		}
		if buf[6] != CR {
			return Command{}, 0, ErrUnknownCommand
		}
		count := int(uint16(-int32(binary.LittleEndian.Uint16(buf[4:6]))))
		return Command{Kind: CmdLoop, Count: count}, 7, nil

	case hasPrefix(buf, "START"):
		if len(buf) < 6 {
			return Command{}, 0, ErrIncompleteInput
		}
		if buf[5] != CR {
			return Command{}, 0, ErrUnknownCommand
		}
		return Command{Kind: CmdStart}, 6, nil

	case hasPrefix(buf, "WRD"):
		if len(buf) < 6 {
			return Command{}, 0, ErrIncompleteInput
		}
		if buf[5] != CR {
			return Command{}, 0, ErrUnknownCommand
		}
		var bank uint8
		switch buf[3] & 0x0f {
		case 2:
			bank = 0
		case 4:
			bank = 1
		default:
			return Command{}, 0, ErrBadBank
		}
		a := Address{Bank: bank, Addr: buf[4], Nibbles: buf[3] >> 4}
		return Command{Kind: CmdReadWRD, Address: a}, 6, nil

	case hasPrefix(buf, "WWR"):
		if len(buf) < 5 {
			return Command{}, 0, ErrIncompleteInput
		}
		var bank uint8
		switch buf[3] & 0x0f {
		case 1:
			bank = 0
		case 3:
			bank = 1
		default:
			return Command{}, 0, ErrBadBank
		}
		a := Address{Bank: bank, Addr: buf[4], Nibbles: buf[3] >> 4}
		end := 5 + a.Size()
		if len(buf) < end+1 {
			return Command{}, 0, ErrIncompleteInput
		}
		if buf[end] != CR {
			return Command{}, 0, ErrUnknownCommand
		}
		data := append([]byte(nil), buf[5:end]...)
		return Command{Kind: CmdWriteWRD, Address: a, Data: data}, end + 1, nil
	}

	// A partial keyword at the end of the buffer may still complete
	for _, kw := range []string{"LOOP", "START", "WRD", "WWR"} {
		if len(buf) < len(kw) && hasPrefix([]byte(kw), string(buf)) {
			return Command{}, 0, ErrIncompleteInput
		}
	}

	return Command{}, 0, ErrUnknownCommand
}

func hasPrefix(b []byte, prefix string) bool {
	return bytes.HasPrefix(b, []byte(prefix))
}

// ToBCD encodes n as packed BCD. Values outside 0-99 encode as 0.
func ToBCD(n int) byte {
	if n < 0 || n > 99 {
		return 0
	}
	return byte(n/10)<<4 | byte(n%10)
}

// FromBCD decodes a packed BCD byte
func FromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}

// DecodeClock decodes the 3-byte BCD clock region
func DecodeClock(b []byte) (hour, min, sec int, err error) {
	if len(b) < 3 {
		return 0, 0, 0, fmt.Errorf("clock region needs 3 bytes, got %d", len(b))
	}
	return FromBCD(b[0]), FromBCD(b[1]), FromBCD(b[2]), nil
}

// EncodeClock encodes a time of day for the clock region
func EncodeClock(hour, min, sec int) []byte {
	return []byte{ToBCD(hour), ToBCD(min), ToBCD(sec)}
}

// DecodeDate decodes the date region: a BCD day followed by a binary month
// in the low nibble of the second byte
func DecodeDate(b []byte) (day, month int, err error) {
	if len(b) < 2 {
		return 0, 0, fmt.Errorf("date region needs 2 bytes, got %d", len(b))
	}
	return FromBCD(b[0]), int(b[1] & 0x0f), nil
}

// EncodeDate encodes a day and month for the date region
func EncodeDate(day, month int) []byte {
	return []byte{ToBCD(day), byte(month) & 0x0f}
}

// DecodeWord decodes a signed little-endian calibration word
func DecodeWord(b []byte) (int16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("word needs 2 bytes, got %d", len(b))
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

// EncodeWord encodes a signed calibration word
func EncodeWord(n int16) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(n))
}
