package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/logic"
)

var errBadRequest = errors.New("bad request")

// handleToggle inverts one channel.
//
// POST /toggle?channel=N
// Response: 200 text, 404 "Device not found", 400 "Bad Request"
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	index, err := parseChannel(r.URL.Query().Get("channel"))
	if err != nil {
		s.recorder.IncCommandRejected("http", "bad_request")
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}

	ev, err := s.engine.Toggle(index, logic.SourceHTTP)
	if code, ok := s.commandFailed(index, err); ok {
		writeText(w, code, textForStatus(code))
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("The device channel: %d has changed its state to: %s", ev.Channel, ev.State))
}

// handleSetDevice sets an explicit state.
//
// POST /api/device/toggle?channel=N&state=true|false
// Response: 200 text, 404 "Device not found", 400 "Bad Request"
func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := parseChannel(q.Get("channel"))
	if err != nil {
		s.recorder.IncCommandRejected("http", "bad_request")
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}
	on, err := parseBool(q.Get("state"))
	if err != nil {
		s.recorder.IncCommandRejected("http", "bad_request")
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}

	ev, err := s.engine.SetState(index, on, logic.SourceHTTP)
	if code, ok := s.commandFailed(index, err); ok {
		writeText(w, code, textForStatus(code))
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("%s on channel: %d has changed state to: %s", ev.Name, ev.Channel, ev.State))
}

// handleListDevices returns every channel.
//
// GET /api/devices
// Response: [{"channel":N,"name":"...","outputState":bool}, ...]
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	devices := make([]Device, 0, len(snap))
	for _, st := range snap {
		devices = append(devices, deviceOf(st))
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns one channel.
//
// GET /api/devices/{channel}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	index, err := parseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	for _, st := range s.engine.Snapshot() {
		if st.Index == index {
			writeJSON(w, http.StatusOK, deviceOf(st))
			return
		}
	}
	writeError(w, http.StatusNotFound, "device not found")
}

// handlePutDeviceState sets an explicit state from a JSON body.
//
// PUT /api/devices/{channel}/state
// Body: {"state": true}
// Response: the device after the change
func (s *Server) handlePutDeviceState(w http.ResponseWriter, r *http.Request) {
	index, err := parseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		s.recorder.IncCommandRejected("http", "bad_request")
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}

	var req StateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == nil {
		s.recorder.IncCommandRejected("http", "bad_request")
		writeError(w, http.StatusBadRequest, `body must be {"state": true|false}`)
		return
	}

	ev, err := s.engine.SetState(index, *req.State, logic.SourceHTTP)
	if code, ok := s.commandFailed(index, err); ok {
		writeError(w, code, strings.ToLower(textForStatus(code)))
		return
	}
	writeJSON(w, http.StatusOK, Device{Channel: ev.Channel, Name: ev.Name, OutputState: ev.State.On()})
}

// commandFailed maps an engine error to a response code. A delivery failure
// to some sink does not fail the request: the state change was committed.
func (s *Server) commandFailed(index int, err error) (int, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, channel.ErrUnknownChannel):
		s.recorder.IncCommandRejected("http", "unknown_channel")
		return http.StatusNotFound, true
	case errors.Is(err, engine.ErrSinkUnreachable):
		s.logger.Warn("state change committed with delivery errors", "channel", index, "error", err)
		return 0, false
	default:
		s.recorder.IncCommandRejected("http", "output_write")
		s.logger.Error("state change failed", "channel", index, "error", err)
		return http.StatusInternalServerError, true
	}
}

func textForStatus(code int) string {
	if code == http.StatusNotFound {
		return "Device not found"
	}
	return http.StatusText(code)
}

func parseChannel(v string) (int, error) {
	if v == "" {
		return 0, errBadRequest
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errBadRequest
	}
	return n, nil
}

// parseBool accepts only "true" or "false", in any case.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, errBadRequest
}
