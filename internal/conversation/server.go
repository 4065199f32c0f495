package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-quota/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // conversation clients authenticate upstream
	},
}

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	writeWait           = 10 * time.Second
)

const (
	maxFrameBytes = 64 * 1024
	// Turns waiting behind the one being processed on a connection.
	maxQueuedTurns = 16
)

// Frame types sent to clients.
const (
	FrameMessage = "message"
	FrameError   = "error"
)

type inboundFrame struct {
	TenantID       string `json:"tenantId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type outboundFrame struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId,omitempty"`
}

// EchoHandler acknowledges each turn by echoing its text.
func EchoHandler(ctx context.Context, turn Turn) error {
	return turn.SendText(ctx, "Received: "+turn.Text())
}

// Server accepts websocket connections and runs every inbound frame through
// the adapter as a turn. Turns on one connection are processed in order by a
// per-connection worker, so the read loop keeps answering keepalives while a
// turn is in progress.
type Server struct {
	adapter *Adapter
	handler Handler

	pingInterval time.Duration
	pongWait     time.Duration

	mu       sync.Mutex
	sessions map[*session]struct{}
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// NewServer creates a websocket server. A nil handler defaults to EchoHandler.
func NewServer(adapter *Adapter, handler Handler) *Server {
	if handler == nil {
		handler = EchoHandler
	}
	return &Server{
		adapter:      adapter,
		handler:      handler,
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		sessions:     make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// http.Server deadlines would otherwise close long-lived connections.
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Failed to clear read deadline via ResponseController")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Failed to clear write deadline via ResponseController")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade conversation connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess := &session{conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	log.Info().Str("remoteAddr", r.RemoteAddr).Msg("Conversation client connected")

	go s.pingLoop(sess)
	s.readLoop(r.Context(), sess)
}

func (s *Server) readLoop(parent context.Context, sess *session) {
	ctx, cancel := context.WithCancel(parent)
	turns := make(chan *wsTurn, maxQueuedTurns)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		s.turnLoop(ctx, turns)
	}()

	defer func() {
		cancel()
		close(turns)
		worker.Wait()

		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		close(sess.done)
		sess.conn.Close()
		log.Info().Msg("Conversation client disconnected")
	}()

	sess.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("Conversation read error")
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("Failed to parse conversation frame")
			_ = sess.send(ctx, outboundFrame{Type: FrameError, Text: "malformed frame"})
			continue
		}

		select {
		case turns <- &wsTurn{frame: frame, sess: sess}:
		default:
			log.Warn().Str("conversationId", frame.ConversationID).Msg("Conversation turn queue full; rejecting turn")
			_ = sess.send(ctx, outboundFrame{Type: FrameError, Text: "too many turns in progress", ConversationID: frame.ConversationID})
		}
	}
}

// turnLoop processes queued turns in arrival order until turns is closed.
func (s *Server) turnLoop(ctx context.Context, turns <-chan *wsTurn) {
	for turn := range turns {
		if ctx.Err() != nil {
			continue
		}
		turnCtx, requestID := logging.WithRequestID(ctx, "")
		if err := s.process(turnCtx, turn); err != nil {
			log.Error().
				Err(err).
				Str("requestId", requestID).
				Str("conversationId", turn.frame.ConversationID).
				Msg("Conversation turn failed")
		}
	}
}

func (s *Server) process(ctx context.Context, turn Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversation handler panicked: %v", r)
		}
	}()
	return s.adapter.Process(ctx, turn, s.handler)
}

func (s *Server) pingLoop(sess *session) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			sess.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("Failed to ping conversation client")
				sess.conn.Close()
				return
			}
		}
	}
}

// ActiveSessions returns the number of open connections.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close terminates every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		sess.writeMu.Unlock()
		sess.conn.Close()
	}
}

func (sess *session) send(ctx context.Context, frame outboundFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	select {
	case <-sess.done:
		return errors.New("conversation connection closed")
	default:
	}
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

type wsTurn struct {
	frame inboundFrame
	sess  *session
}

func (t *wsTurn) TenantID() string       { return t.frame.TenantID }
func (t *wsTurn) UserID() string         { return t.frame.UserID }
func (t *wsTurn) ConversationID() string { return t.frame.ConversationID }
func (t *wsTurn) Text() string           { return t.frame.Text }

func (t *wsTurn) SendText(ctx context.Context, text string) error {
	return t.sess.send(ctx, outboundFrame{Type: FrameMessage, Text: text, ConversationID: t.frame.ConversationID})
}
