package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"

	"github.com/tinyland-inc/imbridge/pkg/logger"
)

type State int32

const (
	StateConnecting State = iota
	StateIdle
	StateDispatching
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultMaxReadErrors = 5
	controlWriteWait     = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the session drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Negotiator obtains a connection ticket. *Client implements it.
type Negotiator interface {
	OpenConnection(ctx context.Context) (*ConnectionTicket, error)
}

// Dialer opens the WebSocket for a ticket URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// CallbackHandler receives decoded bot messages. A non-nil error is
// reported to the platform as a 500 ack; the session keeps running.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, msg *RobotMessage) error
}

type CallbackHandlerFunc func(ctx context.Context, msg *RobotMessage) error

func (f CallbackHandlerFunc) HandleCallback(ctx context.Context, msg *RobotMessage) error {
	return f(ctx, msg)
}

// DialWebSocket dials with the gorilla default dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type SessionOption func(*Session)

func WithDialer(d Dialer) SessionOption {
	return func(s *Session) { s.dial = d }
}

// WithMaxReadErrors sets how many consecutive read failures end the session.
func WithMaxReadErrors(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxReadErrors = n
		}
	}
}

// Session runs one stream connection from negotiation to close. It never
// reconnects; callers start a new Session for that.
type Session struct {
	negotiator    Negotiator
	handler       CallbackHandler
	dial          Dialer
	maxReadErrors int
	state         atomic.Int32
}

func NewSession(n Negotiator, h CallbackHandler, opts ...SessionOption) *Session {
	s := &Session{
		negotiator:    n,
		handler:       h,
		dial:          DialWebSocket,
		maxReadErrors: defaultMaxReadErrors,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run negotiates, connects and processes frames until the server closes the
// connection, asks for a disconnect, or ctx is cancelled. A clean close
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)

	ticket, err := s.negotiator.OpenConnection(ctx)
	if err != nil {
		s.setState(StateError)
		return err
	}

	conn, err := s.dial(ctx, ticket.URL())
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("dingtalk: dial stream endpoint: %w", err)
	}
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.setState(StateIdle)
	logger.InfoC("dingtalk", "Stream session connected")

	return s.loop(ctx, conn)
}

func (s *Session) loop(ctx context.Context, conn Conn) error {
	readErrors := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateClosed)
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.InfoCF("dingtalk", "Stream closed by server", map[string]any{
					"code":   closeErr.Code,
					"reason": closeErr.Text,
				})
				s.setState(StateClosed)
				return nil
			}
			// gorilla panics after repeated reads on a failed connection, so
			// consecutive failures are capped instead of retried forever.
			readErrors++
			logger.WarnCF("dingtalk", "Stream read failed", map[string]any{
				"error":   err.Error(),
				"attempt": readErrors,
			})
			if readErrors >= s.maxReadErrors {
				s.setState(StateError)
				return fmt.Errorf("dingtalk: stream read: %w", err)
			}
			continue
		}
		readErrors = 0

		if msgType != websocket.TextMessage {
			logger.DebugCF("dingtalk", "Ignoring non-text message", map[string]any{"type": msgType})
			continue
		}

		s.setState(StateDispatching)
		reply, closing := s.dispatch(ctx, data)
		if reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				logger.ErrorCF("dingtalk", "Failed to write ack", map[string]any{"error": err.Error()})
			}
		}
		if closing {
			s.setState(StateClosed)
			return nil
		}
		s.setState(StateIdle)
	}
}

// dispatch handles one text frame and returns the encoded ack, if any, and
// whether the session should end.
func (s *Session) dispatch(ctx context.Context, raw []byte) ([]byte, bool) {
	frame, err := decodeFrame(raw)
	if err != nil {
		logger.WarnCF("dingtalk", "Dropping undecodable frame", map[string]any{"error": err.Error()})
		return nil, false
	}

	var ack *payload.DataFrameResponse
	switch frame.Type {
	case TypeSystem:
		switch frame.GetTopic() {
		case TopicPing:
			ack = newAck(frame.GetMessageId(), payload.DataFrameResponseStatusCodeKOK, "OK", frame.Data)
		case TopicDisconnect:
			logger.InfoC("dingtalk", "Server requested disconnect")
			return nil, true
		default:
			logger.DebugCF("dingtalk", "Ignoring system frame", map[string]any{"topic": frame.GetTopic()})
			return nil, false
		}
	case TypeCallback:
		ack = s.handleCallback(ctx, frame)
	case TypeEvent:
		logger.DebugCF("dingtalk", "Event received", map[string]any{
			"event_type": frame.GetHeader(headerEventType),
			"event_id":   frame.GetHeader(headerEventID),
			"born_at":    EventBornTime(frame),
		})
		return nil, false
	default:
		logger.WarnCF("dingtalk", "Unknown frame type", map[string]any{"type": frame.Type})
		return nil, false
	}

	out, err := encodeAck(ack)
	if err != nil {
		logger.ErrorCF("dingtalk", "Failed to encode ack", map[string]any{"error": err.Error()})
		return nil, false
	}
	return out, false
}

func (s *Session) handleCallback(ctx context.Context, frame *payload.DataFrame) *payload.DataFrameResponse {
	id := frame.GetMessageId()

	msg, err := DecodeRobotMessage(frame.Data)
	if err != nil {
		logger.WarnCF("dingtalk", "Invalid callback payload", map[string]any{
			"message_id": id,
			"error":      err.Error(),
		})
		return newAck(id, payload.DataFrameResponseStatusCodeKInternalError, "invalid callback payload", "{}")
	}

	if err := s.handler.HandleCallback(ctx, msg); err != nil {
		logger.ErrorCF("dingtalk", "Callback handler failed", map[string]any{
			"message_id": id,
			"error":      err.Error(),
		})
		return newAck(id, payload.DataFrameResponseStatusCodeKInternalError, err.Error(), "{}")
	}
	return newAck(id, payload.DataFrameResponseStatusCodeKOK, "OK", "{}")
}
