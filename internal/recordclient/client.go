// Package recordclient is the websocket client for the record store gateway.
// It performs the hello handshake, keeps a read loop dispatching collection
// snapshots to registered handlers, and correlates mutation acks by op id.
package recordclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	v1 "lectern/shared/contracts/recordstore/v1"

	"github.com/coder/websocket"
)

const (
	subprotocolV1 = "lectern.recordstore.v1"

	defaultWriteTimeout = 5 * time.Second
	defaultOpTimeout    = 10 * time.Second
	defaultOrigin       = "http://localhost"
)

// ErrClosed is returned by operations after the connection has gone away.
var ErrClosed = errors.New("recordclient: connection closed")

// ServerError is a protocol-level error answered by the gateway.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("recordclient: server error %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is the gateway's not_found answer.
func IsNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == v1.CodeNotFound
}

// Options configures Dial.
type Options struct {
	// Origin is sent in the handshake; the gateway enforces its allowlist
	// against it (default http://localhost).
	Origin string
	Log    *slog.Logger

	WriteTimeout time.Duration
	// OpTimeout bounds the wait for an op_ack per mutation.
	OpTimeout time.Duration
}

type opReply struct {
	get *v1.GetResultPayload
	err error
}

// Client is one live record store session.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	sessionID    string
	writeTimeout time.Duration
	opTimeout    time.Duration

	mu       sync.Mutex
	pending  map[string]chan opReply
	handlers map[string]func([]v1.Record)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, upgrades, and completes the hello handshake before returning.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.Origin == "" {
		opts.Origin = defaultOrigin
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	h := http.Header{}
	h.Set("Origin", opts.Origin)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocolV1},
		HTTPHeader:   h,
	})
	if err != nil {
		return nil, fmt.Errorf("recordclient: dial: %w", err)
	}

	c := &Client{
		log:          opts.Log,
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		opTimeout:    opts.OpTimeout,
		pending:      make(map[string]chan opReply),
		handlers:     make(map[string]func([]v1.Record)),
		done:         make(chan struct{}),
	}

	if err := c.hello(ctx); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "hello failed")
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// SessionID returns the server-assigned session id from the handshake.
func (c *Client) SessionID() string { return c.sessionID }

// hello runs the handshake synchronously, before the read loop starts.
func (c *Client) hello(ctx context.Context) error {
	payload, _ := json.Marshal(v1.HelloPayload{})
	if err := c.write(ctx, v1.TypeHello, payload); err != nil {
		return err
	}

	for {
		env, err := c.read(ctx)
		if err != nil {
			return fmt.Errorf("recordclient: hello: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				return fmt.Errorf("recordclient: hello_ack: %w", err)
			}
			c.sessionID = ack.SessionID
			return nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return &ServerError{Code: p.Code, Message: p.Message}
		default:
			// Ignore anything else until the handshake settles.
		}
	}
}

// OnSnapshot registers a handler for a collection's snapshots.
// Register before Subscribe or the initial snapshot is dropped.
func (c *Client) OnSnapshot(collection string, fn func([]v1.Record)) {
	c.mu.Lock()
	c.handlers[collection] = fn
	c.mu.Unlock()
}

// Subscribe asks the gateway for snapshots of the named collections.
// Snapshots arrive on the read loop and are dispatched to OnSnapshot handlers.
func (c *Client) Subscribe(ctx context.Context, collections ...string) error {
	payload, err := json.Marshal(v1.SubscribePayload{Collections: collections})
	if err != nil {
		return err
	}
	return c.write(ctx, v1.TypeSubscribe, payload)
}

// Get fetches a single record. The second return is false when it does not exist.
func (c *Client) Get(ctx context.Context, collection, id string) (v1.Record, bool, error) {
	opID := newOpID()
	payload, err := json.Marshal(v1.GetPayload{OpID: opID, Collection: collection, ID: id})
	if err != nil {
		return v1.Record{}, false, err
	}

	reply, err := c.roundTrip(ctx, v1.TypeGet, opID, payload)
	if err != nil {
		return v1.Record{}, false, err
	}
	if reply.get == nil || !reply.get.Found {
		return v1.Record{}, false, nil
	}
	return *reply.get.Record, true, nil
}

// Put creates or fully replaces a record.
func (c *Client) Put(ctx context.Context, collection, id string, doc json.RawMessage) error {
	opID := newOpID()
	payload, err := json.Marshal(v1.PutPayload{OpID: opID, Collection: collection, ID: id, Doc: doc})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, v1.TypePut, opID, payload)
	return err
}

// Patch shallow-merges fields into an existing record.
func (c *Client) Patch(ctx context.Context, collection, id string, fields map[string]json.RawMessage) error {
	opID := newOpID()
	payload, err := json.Marshal(v1.PatchPayload{OpID: opID, Collection: collection, ID: id, Fields: fields})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, v1.TypePatch, opID, payload)
	return err
}

// Delete removes a record (idempotent).
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	opID := newOpID()
	payload, err := json.Marshal(v1.DeletePayload{OpID: opID, Collection: collection, ID: id})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, v1.TypeDelete, opID, payload)
	return err
}

// Done is closed when the connection is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down (idempotent).
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// ---- internals ----

func (c *Client) roundTrip(ctx context.Context, typ, opID string, payload json.RawMessage) (opReply, error) {
	ch := make(chan opReply, 1)

	c.mu.Lock()
	c.pending[opID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, opID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, typ, payload); err != nil {
		return opReply{}, err
	}

	timer := time.NewTimer(c.opTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, reply.err
	case <-c.done:
		return opReply{}, ErrClosed
	case <-ctx.Done():
		return opReply{}, ctx.Err()
	case <-timer.C:
		return opReply{}, fmt.Errorf("recordclient: %s %s: ack timeout", typ, opID)
	}
}

func (c *Client) readLoop() {
	for {
		env, err := c.read(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}

		switch env.Type {
		case v1.TypeSnapshot:
			var p v1.SnapshotPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Warn("recordclient.snapshot.bad_payload", "err", err)
				continue
			}
			c.mu.Lock()
			fn := c.handlers[p.Collection]
			c.mu.Unlock()
			if fn != nil {
				fn(p.Records)
			}

		case v1.TypeOpAck:
			var p v1.OpAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.deliver(p.OpID, opReply{})

		case v1.TypeGetResult:
			var p v1.GetResultPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.deliver(p.OpID, opReply{get: &p})

		case v1.TypeError:
			var p v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			if p.OpID != "" {
				c.deliver(p.OpID, opReply{err: &ServerError{Code: p.Code, Message: p.Message}})
				continue
			}
			c.log.Warn("recordclient.server_error", "code", p.Code, "message", p.Message)

		default:
			// Unknown push types are ignored for forward compatibility.
		}
	}
}

func (c *Client) deliver(opID string, reply opReply) {
	c.mu.Lock()
	ch := c.pending[opID]
	delete(c.pending, opID)
	c.mu.Unlock()

	if ch != nil {
		ch <- reply
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")

		if cause != nil && websocket.CloseStatus(cause) == -1 && !errors.Is(cause, context.Canceled) {
			c.log.Info("recordclient.read.end", "err", cause)
		}
	})
}

func (c *Client) write(ctx context.Context, typ string, payload json.RawMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newOpID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *Client) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func newOpID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "op-fallback"
	}
	return hex.EncodeToString(b)
}
