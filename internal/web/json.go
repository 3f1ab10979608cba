package web

import (
	"encoding/json"
	"net/http"

	"github.com/sweeney/lightsync/internal/engine"
)

// Device is one channel as returned by the device API.
type Device struct {
	Channel     int    `json:"channel"`
	Name        string `json:"name"`
	OutputState bool   `json:"outputState"`
}

// StateRequest is the body of PUT /api/devices/{channel}/state.
type StateRequest struct {
	State *bool `json:"state"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func deviceOf(st engine.Status) Device {
	return Device{Channel: st.Index, Name: st.Name, OutputState: st.State.On()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// writeText writes a plain-text body for the query-string endpoints.
func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(body))
}
