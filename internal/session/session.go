package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gatherly/gatherly/internal/server"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/gorilla/websocket"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectionLost is surfaced once the reconnect backoff is
	// exhausted.
	ErrConnectionLost = errors.New("connection lost")
	ErrAlreadyOpen    = errors.New("session already open")
	ErrNotConnected   = errors.New("session not connected")
	// ErrJoinDenied means the server refused room access; never retried.
	ErrJoinDenied = errors.New("join denied")
)

// EventKind discriminates events on the session's inbound queue.
type EventKind int

const (
	EventMessage EventKind = iota
	EventStateChange
	EventConnectionLost
)

// Event is one item on the session's bounded inbound queue.
type Event struct {
	Kind    EventKind
	RoomId  string
	Message *types.Message
	State   State
}

// Config configures a Session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL string
	// Token is the bearer credential attached to the connection.
	Token string
	// MaxRetries caps reconnect attempts before ConnectionLost is
	// surfaced.
	MaxRetries uint64
	// QueueSize bounds the inbound event queue.
	QueueSize int
	Logger    *log.Logger
	Dialer    *websocket.Dialer
}

const (
	defaultQueueSize  = 256
	defaultMaxRetries = 5
	joinTimeout       = 10 * time.Second
	ackTimeout        = 10 * time.Second
)

// Session manages one live client connection to at most one room at a
// time: open/join, reconnect with exponential backoff, atomic room switch,
// and at-most-once delivery per message id per connection.
type Session struct {
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex
	// roomExtId/roomId identify the currently joined room; epoch
	// increments on every switch or close so a stale read pump can never
	// deliver into the new room's timeline
	roomExtId string
	roomId    int
	epoch     int
	sessCtx   context.Context
	cancel    context.CancelFunc
	// runCancel aborts the current epoch's run loop, including a
	// reconnect backoff still in flight
	runCancel context.CancelFunc

	frameId int
	pending map[int]chan *server.ServerMessage
	// seen holds message ids already delivered on the current connection
	seen map[int]struct{}

	events chan Event
}

func New(cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		state:   StateDisconnected,
		pending: make(map[int]chan *server.ServerMessage),
		seen:    make(map[int]struct{}),
		events:  make(chan Event, cfg.QueueSize),
	}
}

// Events is the session's bounded inbound queue. When the consumer falls
// behind, events are dropped and logged rather than blocking the read
// pump.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open establishes the live channel and joins the given room. It returns
// once the server has confirmed the join, or with an error after the
// initial backoff is exhausted.
func (s *Session) Open(ctx context.Context, roomExtId string) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = StateConnecting
	sessCtx, cancel := context.WithCancel(context.Background())
	s.sessCtx = sessCtx
	s.cancel = cancel
	epoch := s.epoch
	s.mu.Unlock()

	s.emitState(roomExtId, StateConnecting)

	conn, room, err := s.connectWithBackoff(ctx, roomExtId)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateDisconnected
		s.cancel = nil
		s.mu.Unlock()
		s.emitState(roomExtId, StateDisconnected)
		return err
	}

	runCtx, runCancel := context.WithCancel(sessCtx)

	s.mu.Lock()
	s.conn = conn
	s.roomExtId = roomExtId
	s.roomId = room.Id
	s.state = StateConnected
	s.seen = make(map[int]struct{})
	s.runCancel = runCancel
	s.mu.Unlock()

	s.emitState(roomExtId, StateConnected)

	go s.run(runCtx, epoch)
	return nil
}

// Close releases the channel. Safe to call from any state, any number of
// times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.runCancel = nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.epoch++
	s.state = StateDisconnected
	s.roomExtId = ""
	s.roomId = 0
	return nil
}

// Switch leaves the current room and joins another one atomically with
// respect to delivery: no message from the old room is delivered after the
// leave, none from the new room before the join completes. Switching while
// a reconnect is in flight abandons the old room's backoff immediately.
func (s *Session) Switch(ctx context.Context, roomExtId string) error {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateReconnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	wasConnected := s.state == StateConnected
	// bumping the epoch retires the old run loop before the old
	// connection goes away; cancelling its context aborts any backoff
	// still running for the abandoned room
	s.epoch++
	epoch := s.epoch
	oldConn := s.conn
	oldRoom := s.roomExtId
	oldCancel := s.runCancel
	s.state = StateConnecting
	s.conn = nil
	s.runCancel = nil
	sessCtx := s.sessCtx
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}

	if oldConn != nil {
		if wasConnected {
			// best effort: the server also cleans up when the connection
			// drops
			s.writeFrame(oldConn, &server.ClientMessage{
				BaseMessage: server.BaseMessage{Id: s.nextFrameId(), Timestamp: time.Now().UTC()},
				Leave:       &server.Leave{RoomId: oldRoom},
			})
		}
		oldConn.Close()
	}

	s.emitState(roomExtId, StateConnecting)

	conn, room, err := s.connectWithBackoff(ctx, roomExtId)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.emitState(roomExtId, StateDisconnected)
		return err
	}

	runCtx, runCancel := context.WithCancel(sessCtx)

	s.mu.Lock()
	s.conn = conn
	s.roomExtId = roomExtId
	s.roomId = room.Id
	s.state = StateConnected
	s.seen = make(map[int]struct{})
	s.runCancel = runCancel
	s.mu.Unlock()

	s.emitState(roomExtId, StateConnected)

	go s.run(runCtx, epoch)
	return nil
}

// Publish submits a message to the current room and waits for the
// server's accepted ack. correlationId is echoed back on the confirmed
// broadcast.
func (s *Session) Publish(ctx context.Context, content, correlationId string) error {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	roomExtId := s.roomExtId
	id := s.frameId + 1
	s.frameId = id
	ack := make(chan *server.ServerMessage, 1)
	s.pending[id] = ack
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	frame := &server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id, Timestamp: time.Now().UTC()},
		Publish: &server.Publish{
			RoomId:        roomExtId,
			Content:       content,
			CorrelationId: correlationId,
		},
	}
	if err := s.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	select {
	case resp := <-ack:
		if resp.Response != nil && resp.Response.ResponseCode >= http.StatusBadRequest {
			return fmt.Errorf("publish rejected: %s", resp.Response.Error)
		}
		return nil
	case <-time.After(ackTimeout):
		return fmt.Errorf("publish: %w", ErrConnectionLost)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) nextFrameId() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameId++
	return s.frameId
}

func (s *Session) writeFrame(conn *websocket.Conn, frame *server.ClientMessage) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// connectWithBackoff dials and joins with exponential backoff, giving up
// after the configured retry cap. Authorization failures are permanent and
// never retried.
func (s *Session) connectWithBackoff(ctx context.Context, roomExtId string) (*websocket.Conn, *types.Room, error) {
	var (
		conn *websocket.Conn
		room *types.Room
	)

	op := func() error {
		var err error
		conn, room, err = s.dialAndJoin(ctx, roomExtId)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if errors.Is(err, ErrJoinDenied) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	return conn, room, nil
}

// dialAndJoin opens the websocket and performs the join handshake,
// reading directly from the connection until the join ack arrives. The
// read pump only starts after the handshake, so no message can be
// delivered for a room before its join completes.
func (s *Session) dialAndJoin(ctx context.Context, roomExtId string) (*websocket.Conn, *types.Room, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	joinId := s.nextFrameId()
	join := &server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: joinId, Timestamp: time.Now().UTC()},
		Join:        &server.Join{RoomId: roomExtId},
	}
	if err := s.writeFrame(conn, join); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("await join ack: %w", err)
		}

		var msg server.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Println("session: malformed frame during join:", err)
			continue
		}

		if msg.Response == nil || msg.Id != joinId {
			// nothing for this room can arrive before the join ack;
			// drop stray frames from the handshake window
			continue
		}

		switch {
		case msg.Response.ResponseCode == http.StatusOK:
			conn.SetReadDeadline(time.Time{})
			room, err := roomFromResponse(msg.Response.Data)
			if err != nil {
				conn.Close()
				return nil, nil, backoff.Permanent(fmt.Errorf("join ack: %w", err))
			}
			return conn, room, nil
		case msg.Response.ResponseCode == http.StatusForbidden,
			msg.Response.ResponseCode == http.StatusNotFound:
			conn.Close()
			return nil, nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrJoinDenied, msg.Response.Error))
		default:
			conn.Close()
			return nil, nil, fmt.Errorf("join failed: %s", msg.Response.Error)
		}
	}
}

func roomFromResponse(data any) (*types.Room, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var room types.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, err
	}
	if room.Id == 0 {
		return nil, errors.New("missing room in join ack")
	}
	return &room, nil
}

// run owns the connection for one epoch: it pumps frames and, when the
// transport drops, reconnects with backoff. A run loop whose epoch has
// been retired by Switch or Close exits without touching session state.
func (s *Session) run(ctx context.Context, epoch int) {
	for {
		err := s.readPump(epoch)

		s.mu.Lock()
		retired := s.epoch != epoch
		roomExtId := s.roomExtId
		s.mu.Unlock()

		if retired || ctx.Err() != nil {
			return
		}

		s.log.Println("session: connection dropped:", err)
		s.setState(StateReconnecting)
		s.emitState(roomExtId, StateReconnecting)

		conn, room, rerr := s.connectWithBackoff(ctx, roomExtId)
		if rerr != nil {
			s.mu.Lock()
			if s.epoch == epoch {
				s.state = StateDisconnected
				s.conn = nil
			}
			retired = s.epoch != epoch
			s.mu.Unlock()
			if !retired {
				s.emit(Event{Kind: EventConnectionLost, RoomId: roomExtId, State: StateDisconnected})
			}
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			// a Switch or Close won while we were reconnecting
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.roomId = room.Id
		s.state = StateConnected
		s.seen = make(map[int]struct{})
		s.mu.Unlock()

		s.emitState(roomExtId, StateConnected)
	}
}

// readPump delivers inbound frames until the connection fails. Messages
// are delivered at most once per message id per connection and only while
// the pump's epoch is current.
func (s *Session) readPump(epoch int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg server.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Println("session: malformed frame:", err)
			continue
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return nil
		}

		if msg.Response != nil {
			if ack, ok := s.pending[msg.Id]; ok {
				delete(s.pending, msg.Id)
				s.mu.Unlock()
				ack <- &msg
				continue
			}
			s.mu.Unlock()
			continue
		}

		if msg.Message == nil {
			// presence and membership notifications are not part of the
			// timeline
			s.mu.Unlock()
			continue
		}

		if msg.Message.RoomId != s.roomId {
			s.mu.Unlock()
			continue
		}
		if _, delivered := s.seen[msg.Message.Id]; delivered {
			s.mu.Unlock()
			continue
		}
		s.seen[msg.Message.Id] = struct{}{}
		roomExtId := s.roomExtId
		s.mu.Unlock()

		s.emit(Event{Kind: EventMessage, RoomId: roomExtId, Message: msg.Message})
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) emitState(roomExtId string, state State) {
	s.emit(Event{Kind: EventStateChange, RoomId: roomExtId, State: state})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Println("session: event queue full, dropping event")
	}
}
