package types

import (
	"reflect"
	"time"
)

// Reading is one loop packet as handed to the host: the console's values
// converted to US customary units plus the values derived from them.
type Reading struct {
	Timestamp       time.Time `json:"dateTime" msgpack:"dateTime"`
	StationName     string    `json:"stationName" msgpack:"stationName"`
	StationType     string    `json:"stationType" msgpack:"stationType"`
	UsUnits         int       `json:"usUnits" msgpack:"usUnits"`
	Barometer       float32   `json:"barometer" msgpack:"barometer"`
	InTemp          float32   `json:"inTemp" msgpack:"inTemp"`
	InHumidity      float32   `json:"inHumidity" msgpack:"inHumidity"`
	OutTemp         float32   `json:"outTemp" msgpack:"outTemp"`
	OutHumidity     float32   `json:"outHumidity" msgpack:"outHumidity"`
	WindSpeed       float32   `json:"windSpeed" msgpack:"windSpeed"`
	WindSpeed10     float32   `json:"windSpeed10" msgpack:"windSpeed10"`
	WindDir         float32   `json:"windDir" msgpack:"windDir"`
	WindDir10       float32   `json:"windDir10" msgpack:"windDir10"`
	WindChill       float32   `json:"windchill" msgpack:"windchill"`
	HeatIndex       float32   `json:"heatindex" msgpack:"heatindex"`
	DewPoint        float32   `json:"dewpoint" msgpack:"dewpoint"`
	RainTotal       float32   `json:"rainTotal" msgpack:"rainTotal"`
	RainIncremental float32   `json:"rain" msgpack:"rain"`
	RainClicks      uint16    `json:"rainClicks" msgpack:"rainClicks"`
}

// US is the weewx unit system identifier for US customary units
const US = 1

// ToMap converts a Reading object into a map of its numeric observations,
// keyed by field name
func (r *Reading) ToMap() map[string]interface{} {
	m := make(map[string]interface{})

	v := reflect.ValueOf(*r)

	for i := 0; i < v.NumField(); i++ {
		switch v.Field(i).Kind() {
		case reflect.Float32:
			m[v.Type().Field(i).Name] = v.Field(i).Float()
		case reflect.Uint16:
			m[v.Type().Field(i).Name] = v.Field(i).Uint()
		}
	}

	return m
}
