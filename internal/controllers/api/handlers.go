package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chrissnell/wmii/internal/weatherstations"
	station "github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/wmii"
)

// console calls can take several seconds (calibration reads pause between words)
const consoleTimeout = 30 * time.Second

var (
	errUnknownStation = errors.New("unknown station")
	errNoStation      = errors.New("more than one station is running; name one with ?station=")
	errNoPacket       = errors.New("no loop packet received yet")
)

// StationStatus describes one running console
type StationStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Connected bool   `json:"connected"`
	HasPacket bool   `json:"hasPacket"`
}

// TimeRequest is the body of PUT /time. A zero time sets the host's time.
type TimeRequest struct {
	Time time.Time `json:"time"`
}

// TimeResponse carries the console clock
type TimeResponse struct {
	Station string    `json:"station"`
	Time    time.Time `json:"time"`
}

// CalibrationResponse carries the console's calibration words
type CalibrationResponse struct {
	Station     string           `json:"station"`
	Calibration wmii.Calibration `json:"calibration"`
}

// stationFor resolves the station named by the request, or the only running
// station when none is named
func (c *Controller) stationFor(r *http.Request) (weatherstations.Console, error) {
	name := r.URL.Query().Get("station")
	if name == "" {
		names := c.deps.Stations.StationNames()
		if len(names) != 1 {
			return nil, errNoStation
		}
		name = names[0]
	}

	s := c.deps.Stations.GetStation(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", errUnknownStation, name)
	}
	return s, nil
}

// consoleContext bounds a console exchange by the request and consoleTimeout
func consoleContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), consoleTimeout)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownStation), errors.Is(err, errNoPacket):
		return http.StatusNotFound
	case errors.Is(err, errNoStation), errors.Is(err, station.ErrInvalidCalibration):
		return http.StatusBadRequest
	case errors.Is(err, station.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, station.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger.Warnf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	c.formatter.WriteError(w, r, status, err)
}

// GetStations reports every running console
func (c *Controller) GetStations(w http.ResponseWriter, r *http.Request) {
	statuses := []StationStatus{}
	for _, name := range c.deps.Stations.StationNames() {
		s := c.deps.Stations.GetStation(name)
		if s == nil {
			continue
		}
		_, hasPacket := c.deps.Latest.Get(name)
		statuses = append(statuses, StationStatus{
			Name:      name,
			Model:     s.HardwareName(),
			Connected: s.Connected(),
			HasPacket: hasPacket,
		})
	}
	c.formatter.WriteResponse(w, r, http.StatusOK, statuses)
}

// GetLatestPacket returns the newest loop packet of a station
func (c *Controller) GetLatestPacket(w http.ResponseWriter, r *http.Request) {
	s, err := c.stationFor(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	reading, ok := c.deps.Latest.Get(s.StationName())
	if !ok {
		c.writeError(w, r, errNoPacket)
		return
	}
	c.formatter.WriteResponse(w, r, http.StatusOK, reading)
}

// GetTime reads the console clock
func (c *Controller) GetTime(w http.ResponseWriter, r *http.Request) {
	s, err := c.stationFor(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	ctx, cancel := consoleContext(r)
	defer cancel()

	t, err := s.GetTime(ctx)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.formatter.WriteResponse(w, r, http.StatusOK, TimeResponse{Station: s.StationName(), Time: t})
}

// SetTime sets the console clock to the requested time, or to the host's
// time when the body is empty
func (c *Controller) SetTime(w http.ResponseWriter, r *http.Request) {
	s, err := c.stationFor(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	var req TimeRequest
	if err := c.formatter.DecodeRequest(r, &req); err != nil && !errors.Is(err, io.EOF) {
		c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	ctx, cancel := consoleContext(r)
	defer cancel()

	if err := s.SetTime(ctx, req.Time); err != nil {
		c.writeError(w, r, err)
		return
	}
	c.logger.Infof("set console clock of [%s] to %v", s.StationName(), req.Time)
	c.formatter.WriteResponse(w, r, http.StatusOK, TimeResponse{Station: s.StationName(), Time: req.Time.Truncate(time.Second)})
}

// GetCalibration reads the calibration words from the console
func (c *Controller) GetCalibration(w http.ResponseWriter, r *http.Request) {
	s, err := c.stationFor(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	ctx, cancel := consoleContext(r)
	defer cancel()

	cal, err := s.GetCalibration(ctx)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.formatter.WriteResponse(w, r, http.StatusOK, CalibrationResponse{Station: s.StationName(), Calibration: cal})
}

// SetCalibration writes the calibration words to the console
func (c *Controller) SetCalibration(w http.ResponseWriter, r *http.Request) {
	s, err := c.stationFor(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	cal := wmii.DefaultCalibration()
	if err := c.formatter.DecodeRequest(r, &cal); err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	ctx, cancel := consoleContext(r)
	defer cancel()

	stored, err := s.SetCalibration(ctx, cal)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.logger.Infof("wrote calibration %+v to [%s]", stored, s.StationName())
	c.formatter.WriteResponse(w, r, http.StatusOK, CalibrationResponse{Station: s.StationName(), Calibration: stored})
}

// ReloadConfig starts and stops consoles to match the configuration
func (c *Controller) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if c.deps.Reloader == nil {
		c.formatter.WriteError(w, r, http.StatusNotImplemented, errors.New("configuration reload is not available"))
		return
	}
	if err := c.deps.Reloader.ReloadConfiguration(r.Context()); err != nil {
		c.formatter.WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	c.formatter.WriteResponse(w, r, http.StatusOK, map[string]string{"status": "reloaded"})
}
