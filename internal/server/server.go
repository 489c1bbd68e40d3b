package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obd-dash/internal/activity"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Session is the part of the OBD session the dashboard drives.
type Session interface {
	State() obd.ConnectionState
	Reading() obd.Reading
	ObserveConnectionState(ctx context.Context) <-chan obd.ConnectionState
	ObserveReading(ctx context.Context) <-chan obd.Reading
	ListBondedDevices(ctx context.Context) ([]obd.Device, error)
	Connect(dev obd.Device)
	Disconnect()
}

// ActivityStore is the history surface exposed over the API.
type ActivityStore interface {
	Query(ctx context.Context, f activity.Filter) ([]activity.Entry, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
	DeleteAll(ctx context.Context) error
}

// Server mirrors the OBD session to WebSocket clients and serves the API.
type Server struct {
	cfg      *Config
	session  Session
	activity ActivityStore
	webFS    fs.FS
	log      *slog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	odo *Odometer
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State   *obd.ConnectionState `json:"state,omitempty"`
	Reading *obd.Reading         `json:"reading,omitempty"`
	Config  *DisplayConfig       `json:"config,omitempty"`
	Odo     *OdoData             `json:"odo,omitempty"`
	Stamp   int64                `json:"stamp"` // Unix ms
}

// New creates a new Server. store may be nil, in which case the activity
// endpoints answer 503.
func New(cfg *Config, session Session, store ActivityStore, webFS fs.FS, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	odoPath := filepath.Join(filepath.Dir(cfg.path), "odometer.dat")
	if cfg.path == "" {
		odoPath = "/etc/obd-dash/odometer.dat"
	}

	s := &Server{
		cfg:      cfg,
		session:  session,
		activity: store,
		webFS:    webFS,
		log:      log.With("component", "server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		odo: NewOdometer(odoPath, log),
	}
	s.odo.Load()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Session API
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/state", s.handleState)

	// Activity API
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/api/activity/read", s.handleActivityRead)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Odometer API
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)

	return mux
}

// Run starts the HTTP server and the session mirror loop.
func (s *Server) Run(ctx context.Context) error {
	go s.mirrorLoop(ctx)

	// Persist odometer every 30 seconds
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.odo.Save()
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.odo.Save()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", "addr", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", "clients", n)

	// Send initial config, state and last reading
	display := s.cfg.DisplaySnapshot()
	st := s.session.State()
	first := Frame{
		State:  &st,
		Config: &display,
		Odo:    s.odo.Snapshot(),
		Stamp:  time.Now().UnixMilli(),
	}
	if rd := s.session.Reading(); !rd.Empty() {
		first.Reading = &rd
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("ws client disconnected", "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// mirrorLoop forwards session state changes and readings to clients and
// feeds the odometer from vehicle speed.
func (s *Server) mirrorLoop(ctx context.Context) {
	states := s.session.ObserveConnectionState(ctx)
	readings := s.session.ObserveReading(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.broadcast(Frame{State: &st, Stamp: time.Now().UnixMilli()})
		case rd, ok := <-readings:
			if !ok {
				return
			}
			if rd.Empty() {
				continue
			}
			if rd.SpeedKmh != nil {
				s.odo.Update(float64(*rd.SpeedKmh), rd.At)
			}
			s.broadcast(Frame{Reading: &rd, Odo: s.odo.Snapshot(), Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
