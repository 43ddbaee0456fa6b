package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meshwatch/internal/protocol"
)

const sendBufferSize = 64

// Session is one connected observer. Outbound traffic goes through a
// buffered send channel drained by the write pump; a full buffer drops
// the event rather than stalling the hub.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	hub  *Hub
	log  *logrus.Entry

	mu            sync.Mutex
	lastActivity  time.Time
	subscriptions map[string]struct{}
	closeOnce     sync.Once
}

func newSession(id string, conn *websocket.Conn, h *Hub) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		ConnectedAt:   now,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		hub:           h,
		log:           h.log.WithField("session", id),
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) subscribe(stream string) {
	s.mu.Lock()
	s.subscriptions[stream] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(stream string) {
	s.mu.Lock()
	delete(s.subscriptions, stream)
	s.mu.Unlock()
}

func (s *Session) subscribed(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[stream]
	return ok
}

// enqueue queues an encoded event for delivery, dropping it when the
// session cannot keep up.
func (s *Session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		s.log.Warn("Dropping event: session send buffer full")
	}
}

func (s *Session) enqueueMessage(msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.log.WithError(err).Error("Failed to encode event")
		return
	}
	s.enqueue(data)
}

// close tears the connection down once; safe to call from any goroutine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes observer messages until the connection drops or the
// observer violates the protocol. A violation closes only this session.
func (s *Session) readPump() {
	defer s.hub.removeSession(s)
	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			s.log.WithError(err).Warn("Closing session: undecodable message")
			return
		}
		s.hub.handleMessage(s, msg)
	}
}

func (s *Session) writePump() {
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
