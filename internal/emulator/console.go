// Package emulator simulates a Davis Weather Monitor II console. It speaks the
// same serial protocol as the hardware so the driver can be exercised without
// a station attached.
package emulator

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/pkg/wmii"
)

// FlakyHardwareConfig holds configuration for simulating a misbehaving console
type FlakyHardwareConfig struct {
	Enabled        bool    // Enable flaky hardware simulation
	NoResponseRate float64 // Probability of ignoring a command (0.0-1.0)
	BadCRCRate     float64 // Probability of corrupting a LOOP frame's CRC (0.0-1.0)
	TruncateRate   float64 // Probability of sending a truncated LOOP frame (0.0-1.0)
	BadHeaderRate  float64 // Probability of sending a wrong LOOP header byte (0.0-1.0)
}

// Console is the shared state of an emulated console: its memory banks,
// its clock and the weather it reports.
type Console struct {
	mu          sync.Mutex
	banks       [2][256]uint8 // one nibble per cell
	clockOffset time.Duration
	weather     *Weather
	flaky       FlakyHardwareConfig
	rng         *rand.Rand
	now         func() time.Time

	queued    []wmii.LoopPacket
	loopCount int
}

// NewConsole creates a console loaded with factory calibration
func NewConsole(weather *Weather, flaky FlakyHardwareConfig) *Console {
	if weather == nil {
		weather = NewWeather(time.Now().UnixNano())
	}
	c := &Console{
		weather: weather,
		flaky:   flaky,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	c.SetCalibration(wmii.DefaultCalibration())
	return c
}

// SetCalibration stores calibration words in console memory
func (c *Console) SetCalibration(cal wmii.Calibration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeMemory(wmii.InTempCalAddress, wmii.EncodeWord(cal.InTemp))
	c.writeMemory(wmii.OutTempCalAddress, wmii.EncodeWord(cal.OutTemp))
	c.writeMemory(wmii.RainCalAddress, wmii.EncodeWord(cal.Rain))
	c.writeMemory(wmii.OutHumidityCalAddress, wmii.EncodeWord(cal.OutHumidity))
	c.writeMemory(wmii.BarometerCalAddress, wmii.EncodeWord(cal.Barometer))
}

// Calibration returns the calibration words held in console memory
func (c *Console) Calibration() wmii.Calibration {
	c.mu.Lock()
	defer c.mu.Unlock()
	word := func(a wmii.Address) int16 {
		w, _ := wmii.DecodeWord(c.readMemory(a))
		return w
	}
	return wmii.Calibration{
		InTemp:      word(wmii.InTempCalAddress),
		OutTemp:     word(wmii.OutTempCalAddress),
		Rain:        word(wmii.RainCalAddress),
		OutHumidity: word(wmii.OutHumidityCalAddress),
		Barometer:   word(wmii.BarometerCalAddress),
		Wind:        1600,
	}
}

// Time returns the console's notion of the current time
func (c *Console) Time() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.clockOffset)
}

// Queue schedules raw packets to be sent, in order, before generated weather
func (c *Console) Queue(packets ...wmii.LoopPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, packets...)
}

// LoopCount returns the number of LOOP frames sent so far
func (c *Console) LoopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopCount
}

// Handle executes a single command and returns the bytes the console would send
func (c *Console) Handle(cmd wmii.Command) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chance(c.flaky.NoResponseRate) {
		log.Debugf("emulator: ignoring %v command", cmd.Kind)
		return nil
	}

	switch cmd.Kind {
	case wmii.CmdWake:
		return []byte("\n\r")

	case wmii.CmdStart:
		return []byte{wmii.ACK}

	case wmii.CmdLoop:
		out := []byte{wmii.ACK}
		count := cmd.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			out = append(out, c.loopFrame()...)
			c.loopCount++
		}
		return out

	case wmii.CmdReadWRD:
		c.syncClockToMemory()
		return append([]byte{wmii.ACK}, c.readMemory(cmd.Address)...)

	case wmii.CmdWriteWRD:
		c.syncClockToMemory()
		c.writeMemory(cmd.Address, cmd.Data)
		if cmd.Address.Bank == wmii.ClockAddress.Bank &&
			(cmd.Address.Addr == wmii.ClockAddress.Addr || cmd.Address.Addr == wmii.DateAddress.Addr) {
			c.syncMemoryToClock()
		}
		return []byte{wmii.ACK}
	}

	return []byte{wmii.NAK}
}

func (c *Console) loopFrame() []byte {
	var frame []byte
	if len(c.queued) > 0 {
		frame = c.queued[0].Frame()
		c.queued = c.queued[1:]
	} else {
		frame = c.weather.Next(c.now()).Frame()
	}

	switch {
	case c.chance(c.flaky.BadHeaderRate):
		frame[0] = 0x02
	case c.chance(c.flaky.BadCRCRate):
		frame[len(frame)-1] ^= 0xFF
	case c.chance(c.flaky.TruncateRate):
		frame = frame[:1+c.rng.Intn(wmii.LoopBodySize)]
	}
	return frame
}

func (c *Console) chance(p float64) bool {
	return c.flaky.Enabled && p > 0 && c.rng.Float64() < p
}

// readMemory packs nibbles starting at a into bytes, low nibble first
func (c *Console) readMemory(a wmii.Address) []byte {
	bank := &c.banks[a.Bank&1]
	out := make([]byte, a.Size())
	for i := 0; i < int(a.Nibbles); i++ {
		n := bank[uint8(int(a.Addr)+i)]
		if i%2 == 0 {
			out[i/2] |= n
		} else {
			out[i/2] |= n << 4
		}
	}
	return out
}

func (c *Console) writeMemory(a wmii.Address, data []byte) {
	bank := &c.banks[a.Bank&1]
	for i := 0; i < int(a.Nibbles) && i/2 < len(data); i++ {
		b := data[i/2]
		if i%2 == 0 {
			bank[uint8(int(a.Addr)+i)] = b & 0x0f
		} else {
			bank[uint8(int(a.Addr)+i)] = b >> 4
		}
	}
}

func (c *Console) syncClockToMemory() {
	t := c.now().Add(c.clockOffset)
	c.writeMemory(wmii.ClockAddress, wmii.EncodeClock(t.Hour(), t.Minute(), t.Second()))
	c.writeMemory(wmii.DateAddress, wmii.EncodeDate(t.Day(), int(t.Month())))
}

func (c *Console) syncMemoryToClock() {
	now := c.now()
	hour, minute, sec, _ := wmii.DecodeClock(c.readMemory(wmii.ClockAddress))
	day, month, _ := wmii.DecodeDate(c.readMemory(wmii.DateAddress))
	if month < 1 || month > 12 || day < 1 {
		return
	}
	set := time.Date(now.Year(), time.Month(month), day, hour, minute, sec, 0, now.Location())
	c.clockOffset = set.Sub(now)
}

// Session tracks the partial input of a single connection
type Session struct {
	console *Console
	buf     []byte
}

// NewSession starts a new connection-scoped command parser
func (c *Console) NewSession() *Session {
	return &Session{console: c}
}

// Feed consumes input bytes and returns the console's replies to every
// complete command found so far
func (s *Session) Feed(in []byte) []byte {
	s.buf = append(s.buf, in...)

	var out []byte
	for len(s.buf) > 0 {
		cmd, n, err := wmii.ParseCommand(s.buf)
		if errors.Is(err, wmii.ErrIncompleteInput) {
			break
		}
		if err != nil {
			log.Debugf("emulator: discarding byte %#02x: %v", s.buf[0], err)
			if errors.Is(err, wmii.ErrBadBank) {
				out = append(out, wmii.NAK)
			}
			s.buf = s.buf[1:]
			continue
		}
		s.buf = s.buf[n:]
		out = append(out, s.console.Handle(cmd)...)
	}
	return out
}

// Weather generates plausible raw LOOP values with daily and seasonal cycles
type Weather struct {
	mu           sync.Mutex
	rng          *rand.Rand
	basePressure float64
	rainClicks   uint16
}

// NewWeather creates a weather generator from a seed
func NewWeather(seed int64) *Weather {
	return &Weather{
		rng:          rand.New(rand.NewSource(seed)),
		basePressure: 30.0,
	}
}

// Next produces the raw packet for time t. Rain accumulates in whole clicks.
func (w *Weather) Next(t time.Time) wmii.LoopPacket {
	w.mu.Lock()
	defer w.mu.Unlock()

	hourOfDay := float64(t.Hour()) + float64(t.Minute())/60.0
	dayOfYear := float64(t.YearDay())

	seasonalTemp := 20.0 * math.Sin(2*math.Pi*(dayOfYear-80)/365.0)
	dailyTemp := 15.0 * math.Sin(2*math.Pi*(hourOfDay-6)/24.0)
	outTemp := 55.0 + seasonalTemp + dailyTemp + (w.rng.Float64()-0.5)*2.0

	humidity := math.Max(10, math.Min(95, 60+(55-outTemp)*0.8+(w.rng.Float64()-0.5)*6))

	w.basePressure += (w.rng.Float64() - 0.5) * 0.01
	w.basePressure = math.Max(28.5, math.Min(31.5, w.basePressure))

	windSpeed := 3.0 + w.rng.Float64()*12.0
	windDir := uint16(w.rng.Float64() * 360)

	// roughly one click every ten polls while it is "raining"
	if humidity > 80 && w.rng.Float64() < 0.1 {
		w.rainClicks++
	}

	return wmii.LoopPacket{
		InTemp:      int16(math.Round((68 + (w.rng.Float64()-0.5)*2) * 10)),
		OutTemp:     int16(math.Round(outTemp * 10)),
		WindSpeed:   uint8(windSpeed),
		WindDir:     windDir,
		Barometer:   uint16(math.Round(w.basePressure * 1000)),
		InHumidity:  uint8(40 + w.rng.Intn(5)),
		OutHumidity: uint8(humidity),
		RainTotal:   w.rainClicks,
	}
}
