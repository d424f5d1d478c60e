// Package telemetry serves machine state to UI frontends over REST and
// a websocket push channel. Connected clients receive the full status
// map at a fixed rate plus an immediate frame after every command they
// issue.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cnc-motion-go/pkg/log"
)

// Machine is the command and status surface the server exposes.
// *kernel.Kernel satisfies it.
type Machine interface {
	GetStatus() map[string]any
	Hold()
	CycleStart()
	Reset()
	ClearAlarm() error
}

var ErrUnknownCommand = errors.New("telemetry: unknown command")

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8470".
	Addr string

	Machine Machine

	// PushInterval is the websocket status frame rate. Zero means 250 ms.
	PushInterval time.Duration
}

// Server is the telemetry endpoint.
type Server struct {
	machine Machine
	addr    string
	push    time.Duration
	logger  *log.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientMu sync.Mutex
	clients  map[int64]*wsClient
	nextID   int64

	running   atomic.Bool
	startTime time.Time
}

func New(cfg Config) *Server {
	push := cfg.PushInterval
	if push <= 0 {
		push = 250 * time.Millisecond
	}
	return &Server{
		machine: cfg.Machine,
		addr:    cfg.Addr,
		push:    push,
		logger:  log.New("motion"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[int64]*wsClient),
		startTime: time.Now(),
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/machine/info", s.handleInfo)
	mux.HandleFunc("/machine/status", s.handleStatus)
	mux.HandleFunc("/machine/hold", s.command("hold"))
	mux.HandleFunc("/machine/resume", s.command("resume"))
	mux.HandleFunc("/machine/reset", s.command("reset"))
	mux.HandleFunc("/machine/unlock", s.command("unlock"))
	return s.corsMiddleware(mux)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.running.Store(true)
	s.logger.WithField("addr", s.addr).Info("telemetry server starting")
	go s.pushLoop()
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop() error {
	s.running.Store(false)
	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) status() map[string]any {
	if s.machine == nil {
		return map[string]any{}
	}
	return s.machine.GetStatus()
}

// dispatch runs one command name against the machine.
func (s *Server) dispatch(name string) error {
	if s.machine == nil {
		return nil
	}
	switch name {
	case "hold":
		s.machine.Hold()
	case "resume":
		s.machine.CycleStart()
	case "reset":
		s.machine.Reset()
	case "unlock":
		return s.machine.ClearAlarm()
	case "status":
		// Handled by the caller sending a status frame.
	default:
		return ErrUnknownCommand
	}
	return nil
}

// REST handlers

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.clientMu.Lock()
	clients := len(s.clients)
	s.clientMu.Unlock()
	s.writeJSON(w, map[string]any{"result": map[string]any{
		"name":      "motioncore",
		"uptime":    time.Since(s.startTime).Seconds(),
		"websocket": clients,
	}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.status()})
}

func (s *Server) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.dispatch(name); err != nil {
			s.writeJSONError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"result": s.status()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Websocket frames

type wsCommand struct {
	Command string `json:"command"`
	ID      any    `json:"id,omitempty"`
}

type wsFrame struct {
	Event     string         `json:"event"`
	EventTime float64        `json:"eventtime"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ID        any            `json:"id,omitempty"`
}

// wsClient is one websocket session with a buffered outbound queue.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan wsFrame
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan wsFrame, 16),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Debug("websocket client connected")

	go c.writePump()
	c.send(s.statusFrame())
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Debug("websocket client disconnected")
}

func (s *Server) statusFrame() wsFrame {
	return wsFrame{
		Event:     "status",
		EventTime: time.Since(s.startTime).Seconds(),
		Data:      s.status(),
	}
}

// pushLoop broadcasts a status frame to every client at the push rate.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.push)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.broadcast()
	}
}

func (s *Server) broadcast() {
	frame := s.statusFrame()
	s.clientMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.Unlock()
	for _, c := range clients {
		c.send(frame)
	}
}

func (c *wsClient) send(frame wsFrame) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		// Queue full; the next periodic frame supersedes this one.
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.send(wsFrame{Event: "error", Error: "bad command frame"})
		return
	}
	if err := c.server.dispatch(cmd.Command); err != nil {
		c.send(wsFrame{Event: "error", Error: err.Error(), ID: cmd.ID})
		return
	}
	frame := c.server.statusFrame()
	frame.ID = cmd.ID
	c.send(frame)
}
