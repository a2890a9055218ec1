// Package responseformat writes API responses as JSON or MessagePack.
package responseformat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/x-msgpack"
)

// Formatter handles encoding and writing responses in JSON or MessagePack format
type Formatter struct{}

// NewFormatter creates a new response formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// ErrorResponse is the body sent with every error status
type ErrorResponse struct {
	Error string `json:"error"`
}

// WantsMsgPack reports whether the client asked for MessagePack, either with
// format=msgpack or through the Accept header. JSON is the default.
func WantsMsgPack(req *http.Request) bool {
	if req.URL.Query().Get("format") == "msgpack" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), ContentTypeMsgPack)
}

// WriteResponse writes data with the given status in the format the client asked for
func (f *Formatter) WriteResponse(w http.ResponseWriter, req *http.Request, status int, data any) error {
	if WantsMsgPack(req) {
		w.Header().Set("Content-Type", ContentTypeMsgPack)
		w.WriteHeader(status)
		encoder := msgpack.NewEncoder(w)
		encoder.SetCustomStructTag("json") // Use json tags for MessagePack
		return encoder.Encode(data)
	}

	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse carrying err's message
func (f *Formatter) WriteError(w http.ResponseWriter, req *http.Request, status int, err error) error {
	return f.WriteResponse(w, req, status, ErrorResponse{Error: err.Error()})
}

// DecodeRequest reads a JSON or MessagePack request body into v, following
// the request's Content-Type
func (f *Formatter) DecodeRequest(req *http.Request, v any) error {
	if strings.HasPrefix(req.Header.Get("Content-Type"), ContentTypeMsgPack) {
		decoder := msgpack.NewDecoder(req.Body)
		decoder.SetCustomStructTag("json")
		return decoder.Decode(v)
	}
	return json.NewDecoder(req.Body).Decode(v)
}
