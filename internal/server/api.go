package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shaunagostinho/obd-dash/internal/activity"
	"github.com/shaunagostinho/obd-dash/internal/devices"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// connectRequest selects a bonded device by address, port or name.
type connectRequest struct {
	Address string `json:"address"`
	Port    string `json:"port"`
	Name    string `json:"name"`
}

type readRequest struct {
	ID  int64 `json:"id"`
	All bool  `json:"all"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	devs, err := s.session.ListBondedDevices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if devs == nil {
		devs = []obd.Device{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if req.Address == "" && req.Port == "" && req.Name == "" {
		http.Error(w, "address, port or name required", 400)
		return
	}
	devs, err := s.session.ListBondedDevices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	dev, ok := devices.Find(devs, req.Address, req.Port, req.Name)
	if !ok {
		http.Error(w, "device not found", 404)
		return
	}
	s.log.Info("connect requested", "device", dev.Label())
	s.session.Connect(dev)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "connecting", "device": dev})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.session.Disconnect()
	writeOK(w)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	rd := s.session.Reading()
	writeJSON(w, http.StatusOK, Frame{
		State:   ptrTo(s.session.State()),
		Reading: &rd,
		Odo:     s.odo.Snapshot(),
		Stamp:   time.Now().UnixMilli(),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		http.Error(w, "activity log disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := activity.Filter{
			Device:     q.Get("device"),
			Category:   q.Get("category"),
			Search:     q.Get("q"),
			UnreadOnly: q.Get("unread") == "true" || q.Get("unread") == "1",
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "bad limit", 400)
				return
			}
			f.Limit = n
		}
		entries, err := s.activity.Query(r.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if entries == nil {
			entries = []activity.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodDelete:
		if err := s.activity.DeleteAll(r.Context()); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleActivityRead(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		http.Error(w, "activity log disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var err error
	switch {
	case req.All:
		err = s.activity.MarkAllRead(r.Context())
	case req.ID > 0:
		err = s.activity.MarkRead(r.Context(), req.ID)
	default:
		http.Error(w, "id or all required", 400)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeOK(w)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", "err", err)
		}
		// Broadcast updated display config
		display := s.cfg.DisplaySnapshot()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.odo.ResetTrip()
	writeOK(w)
}

func ptrTo[T any](v T) *T { return &v }
