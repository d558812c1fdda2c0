package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/christopherjohns/chatrelay/internal/chat"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Inbound event names.
const (
	EventJoin         = "join"
	EventSendMessage  = "sendMessage"
	EventSendLocation = "sendLocation"

	// EventAck answers a request that carried an id.
	EventAck = "ack"
)

const (
	defaultMaxMessageLength = 2000
	defaultReadLimit        = 32 << 10
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrBadPayload     = errors.New("invalid payload")
	ErrMessageTooLong = errors.New("Message is too long")
)

// Handler handles WebSocket upgrade requests and runs one read loop per
// connection. Events from a single connection are handled strictly in
// order; different connections run concurrently.
type Handler struct {
	hub              *Hub
	chat             *chat.Service
	originPatterns   []string
	maxMessageLength int
	readLimit        int64
	joinTimeout      time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns restricts which browser origins may connect. With no
// patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// WithMaxMessageLength caps chat text, in runes.
func WithMaxMessageLength(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageLength = n
		}
	}
}

// WithReadLimit caps the size of a single inbound frame, in bytes.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithJoinTimeout closes connections that have not joined a room within d.
// Zero disables the timeout.
func WithJoinTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.joinTimeout = d
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, svc *chat.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:              hub,
		chat:             svc,
		maxMessageLength: defaultMaxMessageLength,
		readLimit:        defaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client until the connection drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	if len(h.originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(h.readLimit)

	client := &Client{
		conn:       conn,
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
	}

	connCtx := h.hub.register(client)
	if connCtx.Err() != nil {
		return
	}

	sess := h.chat.NewSession(client.id)
	defer func() {
		h.leave(client, sess)
		h.hub.unregister(client)
	}()

	if h.joinTimeout > 0 {
		timer := time.AfterFunc(h.joinTimeout, func() {
			if sess.Expire() {
				log.Printf("ws: closing %s: no join within %v", client.remoteAddr, h.joinTimeout)
				conn.Close(websocket.StatusPolicyViolation, "join timeout")
			}
		})
		defer timer.Stop()
	}

	h.readLoop(r.Context(), connCtx, client, sess)
}

// readLoop reads frames from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx, connCtx context.Context, client *Client, sess *chat.Session) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		h.ack(client, env.ID, h.handle(client, sess, env))
	}
}

// handle decodes one inbound event, runs the matching transition and
// applies its result.
func (h *Handler) handle(client *Client, sess *chat.Session, env Envelope) error {
	switch env.Type {
	case EventJoin:
		var req chat.JoinRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return err
		}
		return h.join(client, sess, req)

	case EventSendMessage:
		var text string
		if err := decodePayload(env.Payload, &text); err != nil {
			return err
		}
		if utf8.RuneCountInString(text) > h.maxMessageLength {
			return ErrMessageTooLong
		}
		res, err := sess.SendMessage(text)
		if err != nil {
			return err
		}
		h.apply(client, res)
		return nil

	case EventSendLocation:
		var req chat.LocationRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return err
		}
		res, err := sess.SendLocation(req)
		if err != nil {
			return err
		}
		h.apply(client, res)
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// join registers the client and subscribes it while holding the room
// lock, so rosters are delivered in the order the registry changed.
func (h *Handler) join(client *Client, sess *chat.Session, req chat.JoinRequest) error {
	unlock := h.hub.LockRoom(req.Room)
	defer unlock()

	res, err := sess.Join(req)
	if err != nil {
		return err
	}
	h.apply(client, res)
	return nil
}

// leave ends the session under the lock of the room it had joined.
func (h *Handler) leave(client *Client, sess *chat.Session) {
	if room := sess.Room(); room != "" {
		unlock := h.hub.LockRoom(room)
		defer unlock()
	}
	h.apply(client, sess.Disconnect())
}

// apply performs a transition's subscription change and deliveries.
func (h *Handler) apply(client *Client, res chat.Result) {
	if res.Subscribe != "" {
		h.hub.Subscribe(client, res.Subscribe)
	}
	if res.Unsubscribe {
		h.hub.Unsubscribe(client)
	}
	res.Deliver(h.hub, client.id)
}

// ack answers a request that carried an id. Acks share the client's send
// queue, so they arrive after the deliveries the request produced.
func (h *Handler) ack(client *Client, id uint64, err error) {
	if id == 0 {
		return
	}
	env := Envelope{Type: EventAck, ID: id}
	if err != nil {
		env.Error = err.Error()
	}
	data, mErr := json.Marshal(env)
	if mErr != nil {
		log.Printf("ws: failed to marshal ack: %v", mErr)
		return
	}
	h.hub.sendTo(client, data)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
