package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"curses/internal/eventbus"
	"curses/internal/notifier"
	"curses/internal/services/livestatus"
	"curses/internal/slots"
	logx "curses/pkg/logx"
)

const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	viewerBuffer   = 256
	maxMessageSize = 64 << 10
	shutdownGrace  = 5 * time.Second
)

type ServerOptions struct {
	Registry *slots.Registry
	// Status receives "status" frames from viewers. Nil ignores them.
	Status *livestatus.Board
	Log    logx.Logger
	Bus    eventbus.Bus

	// SessionID is generated when empty.
	SessionID    string
	StaticDir    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type viewerEvent struct {
	Viewer string `json:"viewer"`
	Remote string `json:"remote"`
	Event  string `json:"event"`
	Count  int    `json:"count"`
}

// Server broadcasts every registry write and toast to connected viewers and
// accepts text and status frames from them.
type Server struct {
	opts     ServerOptions
	log      logx.Logger
	session  string
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	subs    []slots.Subscription
	closed  bool
}

type viewer struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (v *viewer) close() { v.once.Do(func() { close(v.send) }) }

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	s := &Server{
		opts:    opts,
		log:     opts.Log.With(logx.Component("relay")),
		session: opts.SessionID,
		viewers: map[*viewer]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// viewers are embedded as browser sources from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	for _, k := range opts.Registry.Catalog().Keys() {
		k := k
		sub, err := opts.Registry.Subscribe(k, func(ev slots.TextEvent) { s.broadcast(textMessage(k, ev)) })
		if err != nil {
			s.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if dir := strings.TrimSpace(opts.StaticDir); dir != "" {
		s.mux.Handle("/", spaHandler{dir: dir})
	}
	return s, nil
}

func (s *Server) SessionID() string     { return s.session }
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Viewers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// ShowToast broadcasts t to every viewer.
func (s *Server) ShowToast(_ context.Context, t notifier.Toast) error {
	s.broadcast(Message{Type: TypeToast, Level: string(t.Level), Source: t.Source, Text: t.Text, At: t.At})
	return nil
}

// ServeListener serves on ln until ctx ends, then closes every viewer.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.opts.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.log.Info("relay listening", logx.String("addr", ln.Addr().String()), logx.String("session", s.session))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		_ = hs.Close()
	}
	return nil
}

// Close drops registry subscriptions and disconnects every viewer.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	viewers := s.viewers
	s.viewers = map[*viewer]struct{}{}
	s.mu.Unlock()

	for _, sub := range subs {
		s.opts.Registry.Unsubscribe(sub)
	}
	for v := range viewers {
		v.close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setFrameHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session": s.session,
		"viewers": s.Viewers(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" && id != s.session {
		http.Error(w, "unknown session", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	v := &viewer{id: uuid.NewString(), remote: r.RemoteAddr, conn: conn, send: make(chan []byte, viewerBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.viewers[v] = struct{}{}
	count := len(s.viewers)
	s.mu.Unlock()

	s.log.Info("viewer connected", logx.String("viewer", v.id), logx.String("remote", v.remote))
	eventbus.PublishTo(s.opts.Bus, eventbus.TypeRelayViewer, viewerEvent{Viewer: v.id, Remote: v.remote, Event: "connected", Count: count})

	s.sendTo(v, Message{Type: TypeHello, Session: s.session, At: time.Now()})
	for _, k := range s.opts.Registry.Catalog().Keys() {
		if ev, ok := s.opts.Registry.Latest(k); ok {
			s.sendTo(v, textMessage(k, ev))
		}
	}

	go s.writePump(v)
	s.readPump(v)
}

func (s *Server) drop(v *viewer) {
	s.mu.Lock()
	_, ok := s.viewers[v]
	delete(s.viewers, v)
	count := len(s.viewers)
	s.mu.Unlock()
	v.close()
	if ok {
		s.log.Info("viewer disconnected", logx.String("viewer", v.id))
		eventbus.PublishTo(s.opts.Bus, eventbus.TypeRelayViewer, viewerEvent{Viewer: v.id, Remote: v.remote, Event: "disconnected", Count: count})
	}
}

func (s *Server) readPump(v *viewer) {
	defer func() {
		s.drop(v)
		_ = v.conn.Close()
	}()
	v.conn.SetReadLimit(maxMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		mt, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("viewer read failed", logx.String("viewer", v.id), logx.Err(err))
			}
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("viewer sent malformed frame", logx.String("viewer", v.id), logx.Err(err))
			continue
		}
		s.handleInbound(v, msg)
	}
}

func (s *Server) handleInbound(v *viewer, msg Message) {
	switch msg.Type {
	case TypeText:
		k, ev, err := msg.event()
		if err == nil {
			_, err = s.opts.Registry.Write(k, ev)
		}
		if err != nil {
			s.log.Debug("viewer text rejected", logx.String("viewer", v.id), logx.String("key", msg.Key), logx.Err(err))
		}
	case TypeStatus:
		if s.opts.Status == nil || msg.Service == "" {
			return
		}
		st, err := livestatus.ParseState(msg.State)
		if err != nil {
			s.log.Debug("viewer status rejected", logx.String("viewer", v.id), logx.Err(err))
			return
		}
		s.opts.Status.Cell(msg.Service).Set(st)
	}
}

func (s *Server) writePump(v *viewer) {
	ping := time.NewTicker(s.opts.ReadTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = v.conn.Close()
	}()
	for {
		select {
		case b, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast never blocks; a viewer whose buffer is full misses the frame.
func (s *Server) broadcast(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		s.log.Error("relay marshal failed", logx.Err(err))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for v := range s.viewers {
		s.enqueue(v, b)
	}
}

func (s *Server) sendTo(v *viewer, m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.viewers[v]; ok {
		s.enqueue(v, b)
	}
}

// enqueue must run under s.mu so v.send is not closed concurrently.
func (s *Server) enqueue(v *viewer, b []byte) {
	select {
	case v.send <- b:
	default:
		s.log.Trace("viewer buffer full; frame dropped", logx.String("viewer", v.id))
	}
}
