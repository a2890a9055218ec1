package wmii

// Calibration holds the console's calibration words. Temperature, humidity
// and barometer values are offsets added to the raw reading; Rain is the
// number of clicks per inch and Wind the anemometer count per 1600 mph-units.
type Calibration struct {
	InTemp      int16 `json:"inTemp" msgpack:"inTemp"`
	OutTemp     int16 `json:"outTemp" msgpack:"outTemp"`
	Rain        int16 `json:"rain" msgpack:"rain"`
	InHumidity  int16 `json:"inHumidity" msgpack:"inHumidity"`
	OutHumidity int16 `json:"outHumidity" msgpack:"outHumidity"`
	Barometer   int16 `json:"barometer" msgpack:"barometer"`
	Wind        int16 `json:"wind" msgpack:"wind"`
}

const (
	defaultRainCal = 100
	defaultWindCal = 1600
)

// DefaultCalibration returns the values a factory-fresh console reports
func DefaultCalibration() Calibration {
	return Calibration{Rain: defaultRainCal, Wind: defaultWindCal}
}

// Normalize replaces divisors that would make the conversion meaningless
func (c Calibration) Normalize() Calibration {
	if c.Rain <= 0 {
		c.Rain = defaultRainCal
	}
	if c.Wind <= 0 {
		c.Wind = defaultWindCal
	}
	return c
}

// Observation is a LOOP packet converted to US customary units
type Observation struct {
	InTemp      float64 // °F
	OutTemp     float64 // °F
	WindSpeed   float64 // mph
	WindDir     float64 // compass degrees
	Barometer   float64 // inHg
	InHumidity  float64 // %
	OutHumidity float64 // %
	RainTotal   float64 // inches since the counter was last cleared
}

// Apply converts a raw packet using the calibration
func (c Calibration) Apply(p LoopPacket) Observation {
	c = c.Normalize()
	return Observation{
		WindSpeed:   float64(p.WindSpeed) * defaultWindCal / float64(c.Wind),
		WindDir:     float64(p.WindDir),
		OutTemp:     float64(int32(p.OutTemp)+int32(c.OutTemp)) / 10,
		InTemp:      float64(int32(p.InTemp)+int32(c.InTemp)) / 10,
		RainTotal:   float64(p.RainTotal) / float64(c.Rain),
		Barometer:   float64(int32(p.Barometer)+int32(c.Barometer)) / 1000,
		InHumidity:  float64(int32(p.InHumidity) + int32(c.InHumidity)),
		OutHumidity: float64(int32(p.OutHumidity) + int32(c.OutHumidity)),
	}
}
