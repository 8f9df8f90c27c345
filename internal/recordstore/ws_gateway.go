package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "lectern/shared/contracts/recordstore/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "lectern.recordstore.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the Lectern record store.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Store and the Hub's collection feeds.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	store   Store
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, hub *Hub, store Store, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{log: log, hub: hub, store: store, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("LECTERN_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("LECTERN_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("LECTERN_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("LECTERN_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("LECTERN_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("LECTERN_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("LECTERN_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("LECTERN_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("LECTERN_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("LECTERN_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the record store loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient(sessionID, g.sendQueueSize)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and feed removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	helloed := false

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		g.metrics.opReceived(env.Type)

		if env.Type != v1.TypeHello && !helloed {
			g.trySendError(ctx, client, v1.CodeHelloRequired, "hello first", "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.CodeBadRequest, err.Error(), "")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			helloed = true

		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.CodeBadRequest, err.Error(), "")
				continue readLoop
			}

		case v1.TypeGet:
			g.onGet(ctx, client, env)

		case v1.TypePut, v1.TypePatch, v1.TypeDelete:
			g.onMutate(ctx, client, env, now)

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

// onSubscribe joins the client to each named collection feed and immediately
// pushes the current snapshot of each, so subscribers never start from nothing.
func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if len(p.Collections) == 0 {
		return errors.New("missing collections")
	}

	for _, raw := range p.Collections {
		collection := strings.TrimSpace(raw)
		if collection == "" {
			return errors.New("empty collection name")
		}

		feed := g.hub.GetOrCreateFeed(collection)
		feed.Join(client)

		snap, err := g.snapshotEnvelope(ctx, collection)
		if err != nil {
			feed.Leave(client.SessionID)
			return fmt.Errorf("snapshot %s: %w", collection, err)
		}
		if !g.enqueue(ctx, client, snap) {
			feed.Leave(client.SessionID)
			return errors.New("backpressure: snapshot")
		}
		g.metrics.snapshotSent()
	}
	return nil
}

func (g *WSGateway) onGet(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.GetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, v1.CodeBadRequest, "invalid payload", "")
		return
	}

	rec, err := g.store.Get(ctx, p.Collection, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		resPayload, _ := json.Marshal(v1.GetResultPayload{OpID: p.OpID, Found: false})
		_ = g.enqueue(ctx, client, newEnvelope(v1.TypeGetResult, resPayload, time.Now().UTC()))
	case errors.Is(err, ErrInvalidInput):
		g.opError(ctx, client, v1.CodeBadRequest, err, p.OpID)
	case err != nil:
		g.log.Error("store.get.fail", "collection", p.Collection, "id", p.ID, "err", err)
		g.opError(ctx, client, v1.CodeStoreFailed, errors.New("store get failed"), p.OpID)
	default:
		resPayload, _ := json.Marshal(v1.GetResultPayload{
			OpID:   p.OpID,
			Found:  true,
			Record: &v1.Record{ID: rec.ID, Doc: rec.Doc},
		})
		_ = g.enqueue(ctx, client, newEnvelope(v1.TypeGetResult, resPayload, time.Now().UTC()))
	}
}

// onMutate applies a put/patch/delete, acks the caller, then broadcasts a
// fresh full snapshot of the touched collection to every subscriber
// (including the writer when subscribed).
func (g *WSGateway) onMutate(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var (
		opID       string
		collection string
		err        error
	)

	switch env.Type {
	case v1.TypePut:
		var p v1.PutPayload
		if jerr := json.Unmarshal(env.Payload, &p); jerr != nil {
			g.trySendError(ctx, client, v1.CodeBadRequest, "invalid payload", "")
			return
		}
		opID, collection = p.OpID, p.Collection
		if len(p.Doc) > maxDocBytes {
			g.opError(ctx, client, v1.CodeBadRequest, fmt.Errorf("doc too large: max=%d bytes", maxDocBytes), opID)
			return
		}
		_, err = g.store.Put(ctx, PutInput{Collection: p.Collection, ID: p.ID, Doc: p.Doc, Now: now})

	case v1.TypePatch:
		var p v1.PatchPayload
		if jerr := json.Unmarshal(env.Payload, &p); jerr != nil {
			g.trySendError(ctx, client, v1.CodeBadRequest, "invalid payload", "")
			return
		}
		opID, collection = p.OpID, p.Collection
		_, err = g.store.Patch(ctx, PatchInput{Collection: p.Collection, ID: p.ID, Fields: p.Fields, Now: now})

	case v1.TypeDelete:
		var p v1.DeletePayload
		if jerr := json.Unmarshal(env.Payload, &p); jerr != nil {
			g.trySendError(ctx, client, v1.CodeBadRequest, "invalid payload", "")
			return
		}
		opID, collection = p.OpID, p.Collection
		err = g.store.Delete(ctx, p.Collection, p.ID)
	}

	switch {
	case errors.Is(err, ErrNotFound):
		g.opError(ctx, client, v1.CodeNotFound, err, opID)
		return
	case errors.Is(err, ErrInvalidInput):
		g.opError(ctx, client, v1.CodeBadRequest, err, opID)
		return
	case err != nil:
		g.log.Error("store.mutate.fail", "type", env.Type, "collection", collection, "err", err)
		g.opError(ctx, client, v1.CodeStoreFailed, errors.New("store operation failed"), opID)
		return
	}

	ackPayload, _ := json.Marshal(v1.OpAckPayload{OpID: opID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeOpAck, ackPayload, now)) {
		g.log.Info("ws.ack.drop", "session_id", client.SessionID, "op_id", opID)
	}

	g.broadcastSnapshot(ctx, collection)
}

// broadcastSnapshot pushes the full current record set of a collection to all
// subscribers. Failures are logged, not propagated: the mutation already
// succeeded and a later snapshot will converge subscribers.
func (g *WSGateway) broadcastSnapshot(ctx context.Context, collection string) {
	snap, err := g.snapshotEnvelope(ctx, collection)
	if err != nil {
		g.log.Error("snapshot.build.fail", "collection", collection, "err", err)
		return
	}
	g.hub.GetOrCreateFeed(collection).Broadcast(snap)
	g.metrics.snapshotSent()
}

func (g *WSGateway) snapshotEnvelope(ctx context.Context, collection string) (v1.Envelope, error) {
	records, err := g.store.List(ctx, collection)
	if err != nil {
		return v1.Envelope{}, err
	}

	out := make([]v1.Record, 0, len(records))
	for _, r := range records {
		out = append(out, v1.Record{ID: r.ID, Doc: r.Doc})
	}

	payload, err := json.Marshal(v1.SnapshotPayload{Collection: collection, Records: out})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeSnapshot, payload, time.Now().UTC()), nil
}

// ---- send helpers ----

func (g *WSGateway) opError(ctx context.Context, client *Client, code string, err error, opID string) {
	g.metrics.opFailed(code)
	g.trySendError(ctx, client, code, err.Error(), opID)
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, opID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, OpID: opID})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
