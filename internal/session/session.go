// Package session implements one websocket client's full-duplex message
// loop (spec.md §4.4): a fixed set of seven event sources (the inbound
// control channel, the four topic channels, the read-error channel and the
// ping ticker) raced on every iteration, with topic deliveries gated by
// boolean subscription flags rather than a dynamic registry, modeled on the read/write-pump split of a typical
// gorilla/websocket server.
package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serverscanning/place-ipv6-server/internal/broadcast"
	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4096
)

// Conn is the subset of *websocket.Conn a Session needs, so tests can
// substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Topics bundles the broadcast topics a session can subscribe to.
type Topics struct {
	DeltaPNG *broadcast.Topic[[]byte]
	PPS      *broadcast.Topic[PPSUpdate]
	WSCount  *broadcast.Topic[int]
	Nudity   *broadcast.Topic[NudityUpdate]
}

// PPSUpdate is the outbound pps_update payload.
type PPSUpdate struct {
	Global  uint32            `json:"global"`
	PerUser map[uint64]uint32 `json:"per_user,omitempty"`
}

// NudityUpdate is the outbound nudity_update payload.
type NudityUpdate struct {
	Nude bool `json:"nude"`
}

// Snapshot exposes the "read once" accessors a session needs to answer
// get_full_canvas_once / get_ws_count_update_once / get_nudity_update_once.
type Snapshot interface {
	FullCanvasPNG() []byte
	LiveConnectionCount() int
	LastNudity() NudityUpdate
}

type controlMessage struct {
	Request string `json:"request"`
	Enabled bool   `json:"enabled"`
}

type outboundEnvelope struct {
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

// Session runs one client's event loop until it terminates. It always
// decrements the live-connection counter it was constructed with
// regardless of how it exits.
type Session struct {
	log      *slog.Logger
	conn     Conn
	topics   Topics
	snapshot Snapshot
	release  func() // decrements the live-connection counter, called exactly once

	subDelta  bool
	subPPS    bool
	subCount  bool
	subNudity bool
}

// New constructs a Session. release is invoked exactly once, on Run's
// return, to release the live-connection-count guard acquired by the
// caller when it accepted the connection.
func New(log *slog.Logger, conn Conn, topics Topics, snapshot Snapshot, release func()) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{log: log, conn: conn, topics: topics, snapshot: snapshot, release: release}
}

// Run drives the session's event loop until the client disconnects, a
// send fails, or an incoming control frame fails to decode. It always
// calls release exactly once before returning, including on panic-free
// early exits.
func (s *Session) Run() {
	defer s.release()
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	inbound := make(chan controlMessage)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	deltaCh, unsubDelta := s.topics.DeltaPNG.Subscribe(func() { telemetry.SubscriberLag.WithLabelValues("delta_png").Inc() })
	ppsCh, unsubPPS := s.topics.PPS.Subscribe(func() { telemetry.SubscriberLag.WithLabelValues("pps").Inc() })
	countCh, unsubCount := s.topics.WSCount.Subscribe(func() { telemetry.SubscriberLag.WithLabelValues("ws_count").Inc() })
	nudityCh, unsubNudity := s.topics.Nudity.Subscribe(func() { telemetry.SubscriberLag.WithLabelValues("nudity").Inc() })
	defer unsubDelta()
	defer unsubPPS()
	defer unsubCount()
	defer unsubNudity()

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if !s.handleControl(msg) {
				return
			}

		case frame := <-deltaCh:
			if !s.subDelta {
				continue
			}
			if !s.sendBinary(frame) {
				return
			}

		case sample := <-ppsCh:
			if !s.subPPS {
				continue
			}
			if !s.sendJSON(outboundEnvelope{Message: "pps_update", Payload: sample}) {
				return
			}

		case count := <-countCh:
			if !s.subCount {
				continue
			}
			if !s.sendJSON(outboundEnvelope{Message: "ws_count_update", Payload: count}) {
				return
			}

		case nudity := <-nudityCh:
			if !s.subNudity {
				continue
			}
			if !s.sendJSON(outboundEnvelope{Message: "nudity_update", Payload: nudity}) {
				return
			}

		case err := <-readErr:
			if err != nil {
				s.log.Debug("session read error", "error", err)
			}
			return

		case <-pinger.C:
			if !s.sendPing() {
				return
			}
		}
	}
}

func (s *Session) readLoop(inbound chan<- controlMessage, readErr chan<- error) {
	defer close(inbound)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			readErr <- err
			return
		}
		inbound <- msg
	}
}

func (s *Session) handleControl(msg controlMessage) bool {
	switch msg.Request {
	case "get_full_canvas_once":
		return s.sendBinary(s.snapshot.FullCanvasPNG())
	case "delta_canvas_stream":
		s.subDelta = msg.Enabled
	case "pps_updates":
		s.subPPS = msg.Enabled
	case "ws_count_updates":
		s.subCount = msg.Enabled
	case "get_ws_count_update_once":
		return s.sendJSON(outboundEnvelope{Message: "ws_count_update", Payload: s.snapshot.LiveConnectionCount()})
	case "nudity_updates":
		s.subNudity = msg.Enabled
	case "get_nudity_update_once":
		return s.sendJSON(outboundEnvelope{Message: "nudity_update", Payload: s.snapshot.LastNudity()})
	default:
		s.log.Debug("session: unrecognized control request", "request", msg.Request)
	}
	return true
}

func (s *Session) sendBinary(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Debug("session: binary send failed", "error", err)
		return false
	}
	return true
}

func (s *Session) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("session: failed to marshal outbound message", "error", err)
		return false
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("session: json send failed", "error", err)
		return false
	}
	return true
}

func (s *Session) sendPing() bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Debug("session: ping failed", "error", err)
		return false
	}
	return true
}
