package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
)

// Frame types on the event stream.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"

	// subscriberQueue is how many frames a slow client may fall behind
	// before new frames are dropped for it.
	subscriberQueue = 256
)

// Frame is one JSON message on the event stream.
//
// Clients send subscribe, unsubscribe and ping frames with a Filter (or
// nothing) in Data. The server answers with ack, pong or error frames
// echoing the ID, and pushes event frames carrying the bus event.
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Time  string `json:"time,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// inboundFrame defers decoding of Data until the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events by type ("*" for all) and, optionally, by the
// script or automation they concern. Empty Scripts means every script.
type Filter struct {
	Events  []string `json:"events"`
	Scripts []string `json:"scripts,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are vetted by the cors middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// relay fans bus events out to WebSocket subscribers.
type relay struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	dropped atomic.Uint64
}

func newRelay(cfg config.WebSocketConfig, logger *logging.Logger) *relay {
	return &relay{cfg: cfg, logger: logger, subs: make(map[*subscriber]struct{})}
}

func (r *relay) add(s *subscriber) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	n := len(r.subs)
	r.mu.Unlock()
	r.logger.Debug("event stream client connected", "subject", s.subject, "clients", n)
}

func (r *relay) remove(s *subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	n := len(r.subs)
	r.mu.Unlock()
	s.close()
	r.logger.Debug("event stream client disconnected", "subject", s.subject, "clients", n)
}

func (r *relay) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// publish encodes ev once and queues it for every interested subscriber.
// It never blocks, so it is safe as a bus handler.
func (r *relay) publish(ev event.Event) {
	r.mu.RLock()
	targets := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		if s.wants(ev) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(Frame{
		Type:  FrameEvent,
		Event: ev.Type,
		Time:  ev.TimeFired.UTC().Format(time.RFC3339Nano),
		Data:  ev,
	})
	if err != nil {
		r.logger.Error("encoding event frame", "event_type", ev.Type, "error", err)
		return
	}
	for _, s := range targets {
		if !s.enqueue(data) {
			r.dropped.Add(1)
		}
	}
}

// closeAll disconnects every subscriber.
func (r *relay) closeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*subscriber]struct{})
	r.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

// subscriber is one WebSocket connection and its filter.
type subscriber struct {
	relay   *relay
	conn    *websocket.Conn
	subject string // token subject, empty when auth is off

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	events  map[string]struct{}
	scripts map[string]struct{}
}

func newSubscriber(r *relay, conn *websocket.Conn, subject string) *subscriber {
	return &subscriber{
		relay:   r,
		conn:    conn,
		subject: subject,
		out:     make(chan []byte, subscriberQueue),
		done:    make(chan struct{}),
		events:  make(map[string]struct{}),
		scripts: make(map[string]struct{}),
	}
}

func (s *subscriber) wants(ev event.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, all := s.events[event.MatchAll]
	_, typed := s.events[ev.Type]
	if !all && !typed {
		return false
	}
	if len(s.scripts) == 0 {
		return true
	}
	for _, key := range []string{"script_id", "automation_id"} {
		if id, ok := ev.Data[key].(string); ok {
			if _, want := s.scripts[id]; want {
				return true
			}
		}
	}
	return false
}

// enqueue reports false when the frame was dropped because the queue is
// full or the subscriber is closed.
func (s *subscriber) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// close stops the subscriber. writeLoop sends the close frame and shuts
// the connection, which in turn ends readLoop.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscriber) apply(f Filter, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range f.Events {
		if add {
			s.events[e] = struct{}{}
		} else {
			delete(s.events, e)
		}
	}
	for _, id := range f.Scripts {
		if add {
			s.scripts[id] = struct{}{}
		} else {
			delete(s.scripts, id)
		}
	}
}

// handleEventStream upgrades to a WebSocket and streams bus events.
// authMiddleware has already run when auth is enabled.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDOf(r))
		return
	}

	sub := newSubscriber(s.relay, conn, userIDFromContext(r.Context()))
	s.relay.add(sub)

	go sub.writeLoop()
	go sub.readLoop()
}

func (s *subscriber) timing() (ping, deadline time.Duration) {
	ping = time.Duration(s.relay.cfg.PingInterval) * time.Second
	return ping, ping + time.Duration(s.relay.cfg.PongTimeout)*time.Second
}

// readLoop handles client frames until the connection fails, then removes
// the subscriber.
func (s *subscriber) readLoop() {
	defer s.relay.remove(s)

	_, deadline := s.timing()
	s.conn.SetReadLimit(int64(s.relay.cfg.MaxMessageSize))
	extend := func() error { return s.conn.SetReadDeadline(time.Now().Add(deadline)) }
	_ = extend()
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.relay.logger.Warn("event stream read failed", "subject", s.subject, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		_ = extend()
		s.handle(data)
	}
}

// writeLoop drains the queue and keeps the connection alive with pings.
func (s *subscriber) writeLoop() {
	ping, _ := s.timing()
	writeWait := time.Duration(s.relay.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *subscriber) handle(data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		s.reply("", FrameError, map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch in.Type {
	case FrameSubscribe, FrameUnsubscribe:
		var f Filter
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &f); err != nil {
				s.reply(in.ID, FrameError, map[string]string{"message": "invalid filter"})
				return
			}
		}
		if len(f.Events) == 0 && len(f.Scripts) == 0 {
			s.reply(in.ID, FrameError, map[string]string{"message": "filter needs events or scripts"})
			return
		}
		add := in.Type == FrameSubscribe
		s.apply(f, add)
		s.relay.logger.Debug("event stream filter changed",
			"subject", s.subject, "subscribe", add, "events", f.Events, "scripts", f.Scripts)
		s.reply(in.ID, FrameAck, f)
	case FramePing:
		s.reply(in.ID, FramePong, nil)
	default:
		s.reply(in.ID, FrameError, map[string]string{"message": "unknown frame type: " + in.Type})
	}
}

func (s *subscriber) reply(id, frameType string, payload any) {
	data, err := json.Marshal(Frame{
		Type: frameType,
		ID:   id,
		Time: time.Now().UTC().Format(time.RFC3339Nano),
		Data: payload,
	})
	if err != nil {
		return
	}
	s.enqueue(data)
}
