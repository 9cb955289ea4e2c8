package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/logger"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// wsSender queues frames for one connection. Send never blocks, a full
// buffer drops the frame, delivery is best-effort by contract.
type wsSender struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func newWSSender() *wsSender {
	return &wsSender{
		frames: make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *wsSender) Send(frame Frame) {
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *wsSender) Close() {
	s.once.Do(func() { close(s.done) })
}

// HandlerBuilder is the input to NewHandler
type HandlerBuilder struct {
	// Hub receives the accepted sessions. Mandatory.
	Hub *Hub
	// Verifier checks the optional token query parameter. Verification
	// is best-effort: a missing or invalid token connects the session
	// anonymously instead of rejecting it. Optional.
	Verifier access.Verifier
	// OriginPatterns restricts browser origins for the upgrade. Optional.
	OriginPatterns []string
}

// NewHandler returns the HTTP handler that upgrades to a websocket and
// bridges the connection into the hub. The read pump feeds inbound
// frames to the hub one at a time, preserving per-session order; the
// write loop drains the sender queue with a per-frame timeout.
func NewHandler(builder *HandlerBuilder) http.HandlerFunc {
	if builder.Hub == nil {
		panic("missing hub")
	}
	hub := builder.Hub
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: builder.OriginPatterns,
		})
		if err != nil {
			return
		}

		subject := ""
		if token := r.URL.Query().Get("token"); token != "" && builder.Verifier != nil {
			if identity, err := builder.Verifier.Verify(r.Context(), token); err == nil && identity != nil {
				subject = identity.Subject
			}
		}

		// remaining query parameters become the session attributes
		attributes := make(map[string]string)
		for key, values := range r.URL.Query() {
			if key != "token" && len(values) > 0 {
				attributes[key] = values[0]
			}
		}

		sender := newWSSender()
		session := hub.Connect(subject, attributes, sender)
		defer hub.Disconnect(session.ID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ctx, rlog := logger.ContextWithLoggerSession(ctx, session.ID)
		rlog.Debugf("realtime session %s connected, authenticated: %v", session.ID, session.Authenticated())

		readErr := make(chan error, 1)
		go func() {
			for {
				var frame Frame
				if err := wsjson.Read(ctx, conn, &frame); err != nil {
					readErr <- err
					return
				}
				hub.Handle(session.ID, frame)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-sender.done:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case frame := <-sender.frames:
				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, frame)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	}
}
