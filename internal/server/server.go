package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tallycam/internal/config"
	"tallycam/internal/session"
	"tallycam/internal/types"
)

//go:embed web/*
var webFS embed.FS

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	codecJSON = "json"
	codecCBOR = "cbor"
)

// RootStatus is what GET / answers, for load balancers and humans alike.
var RootStatus = map[string]string{"status": "tallycam backend is running"}

type client struct {
	id      string
	codec   string
	writeMu sync.Mutex
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*client
	mu       sync.Mutex
	cfg      config.AppConfig
	sessions *session.Manager
	statusFn func() map[string]any
	logger   *zap.SugaredLogger
}

// New wires the HTTP surface to the session manager. statusFn contributes
// the non-session parts of /status and may be nil.
func New(cfg config.AppConfig, sessions *session.Manager, statusFn func() map[string]any, logger *zap.SugaredLogger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*client),
		cfg:      cfg,
		sessions: sessions,
		statusFn: statusFn,
		logger:   logger,
	}
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/viewer/", http.StripPrefix("/viewer/", http.FileServer(http.FS(sub))))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/registry/reset", s.handleReset)
	return mux, nil
}

// Run serves until ctx is done, then shuts down and disconnects every
// viewer.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.sessions.Close()
		s.closeClients()
	}()

	s.logger.Infow("listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	codec := r.URL.Query().Get("codec")
	switch codec {
	case "":
		codec = codecJSON
	case codecJSON, codecCBOR:
	default:
		http.Error(w, "unknown codec "+strconv.Quote(codec), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{id: uuid.NewString(), codec: codec}
	s.mu.Lock()
	s.clients[conn] = c
	s.mu.Unlock()

	hello := types.HelloMessage{Type: types.MessageHello, SessionID: c.id}
	if err := s.writeEvent(conn, c, hello); err != nil {
		s.removeClient(conn)
		return
	}

	sess, err := s.sessions.Connect(context.Background(), c.id, &publisher{s: s, conn: conn, c: c})
	if err != nil {
		s.logger.Warnw("session rejected", "session", c.id, "error", err)
		s.removeClient(conn)
		return
	}

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-sess.Done():
					// the broadcaster gave up on this viewer
					_ = conn.Close()
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, c, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		defer s.sessions.Disconnect(c.id)
		for {
			// viewers only listen; reading drives pong and close handling
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// publisher sends one session's updates down its own connection.
type publisher struct {
	s    *Server
	conn *websocket.Conn
	c    *client
}

func (p *publisher) Publish(ctx context.Context, u types.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.c.codec == codecCBOR {
		return p.s.writeEvent(p.conn, p.c, types.BinaryUpdate{
			Type:   types.MessageUpdate,
			Seq:    u.Seq,
			Count:  u.Count,
			Format: u.Format,
			Image:  u.Image,
		})
	}
	return p.s.writeEvent(p.conn, p.c, types.UpdateMessage{
		Type:  types.MessageUpdate,
		Image: u.DataURI(),
		Count: u.Count,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSONResponse(w, http.StatusOK, RootStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.cfg.Public())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	payload["ws_clients"] = s.clientCount()
	payload["sessions"] = s.sessions.Stats()
	payload["counts"] = s.sessions.Provider().Counts()
	writeJSONResponse(w, http.StatusOK, payload)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider := s.sessions.Provider()
	provider.Reset()
	s.logger.Infow("registry reset")
	writeJSONResponse(w, http.StatusOK, map[string]any{"counts": provider.Counts()})
}

func writeJSONResponse(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.removeClient(conn)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// writeEvent encodes payload with the client's codec: JSON text frames or
// CBOR binary frames.
func (s *Server) writeEvent(conn *websocket.Conn, c *client, payload any) error {
	if c.codec == codecCBOR {
		data, err := cbor.Marshal(payload)
		if err != nil {
			return err
		}
		return s.writeMessage(conn, c, websocket.BinaryMessage, data)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.writeMessage(conn, c, websocket.TextMessage, data)
}

func (s *Server) writeMessage(conn *websocket.Conn, c *client, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
