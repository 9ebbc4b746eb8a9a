package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/internal/power"
)

const (
	textEnabled  = "Channel enabled"
	textDisabled = "Channel disabled"
	maxBodySize  = 4 << 10
)

func (self *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/status", self.handleStatus)
	mux.HandleFunc("/channels", self.handleChannels)
	mux.HandleFunc("/enable", self.protect(self.handleEnable))
	mux.HandleFunc("/disable", self.protect(self.handleDisable))
	if self.metrics != nil {
		mux.Handle(self.metricsPath, self.metrics)
	}
}

func (self *Server) protect(h http.HandlerFunc) http.HandlerFunc {
	if self.auth == nil {
		return h
	}
	return self.auth.RequireAuth(h)
}

type statusChannel struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

type statusResponse struct {
	Timestamp string                   `json:"timestamp"`
	Channels  map[string]statusChannel `json:"channels"`
}

type enableRequest struct {
	Channel *int     `json:"channel"`
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
}

type disableRequest struct {
	Channel *int `json:"channel"`
}

// GET /status
func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snap, err := self.ctl.Snapshot(r.Context())
	if err != nil {
		self.writeError(w, r, err)
		return
	}
	resp := statusResponse{
		Timestamp: snap.Time.Format(time.RFC3339Nano),
		Channels:  make(map[string]statusChannel, len(snap.Channels)),
	}
	for id, s := range snap.Channels {
		resp.Channels[strconv.Itoa(id)] = statusChannel{Voltage: s.Voltage, Current: s.Current, Power: s.Power}
	}
	writeJSON(w, resp)
}

// GET /channels, cached state without instrument I/O
func (self *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, self.ctl.Channels())
}

// POST /enable {"channel":1,"voltage":5.0,"current":1.0}
func (self *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req enableRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		self.writeError(w, r, err)
		return
	}
	if req.Channel == nil || req.Voltage == nil || req.Current == nil {
		self.writeError(w, r, errors.NotValidf("enable request requires channel, voltage, current"))
		return
	}
	if err := self.ctl.SetChannel(r.Context(), *req.Channel, *req.Voltage, *req.Current); err != nil {
		self.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, textEnabled)
}

// POST /disable {"channel":1}
func (self *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req disableRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		self.writeError(w, r, err)
		return
	}
	if req.Channel == nil {
		self.writeError(w, r, errors.NotValidf("disable request requires channel"))
		return
	}
	if err := self.ctl.DisableChannel(r.Context(), *req.Channel); err != nil {
		self.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, textDisabled)
}

func (self *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := power.ErrorKind(err)
	if kind == power.KindValidation {
		self.Log.Debugf("api %s %s kind=%s err=%v", r.Method, r.URL.Path, kind, err)
		writeText(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}
	self.Log.Errorf("api %s %s kind=%s err=%s", r.Method, r.URL.Path, kind, errors.ErrorStack(err))
	writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewNotValid(err, "request json")
	}
	if dec.More() {
		return errors.NotValidf("request json trailing data")
	}
	return nil
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeText(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}
