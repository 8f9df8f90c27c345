// Package main provides a CI-friendly WebSocket smoke test for the Lectern
// record store.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe -> initial snapshot
//   - put -> op_ack
//   - snapshot fanout to another subscriber
//   - get round trip
//   - patch shallow merge
//   - delete idempotence
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "lectern/shared/contracts/recordstore/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "lectern.recordstore.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		collection = flag.String("collection", "smoke", "Collection to exercise")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	recordID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	// B watches the collection; the initial snapshot must not contain our record.
	mustSubscribe(root, b, *collection, *timeout)
	initial := mustSnapshot(root, b, *collection, *timeout)
	if snapshotHas(initial, recordID) {
		fatalf("initial snapshot already contains %s", recordID)
	}

	// A writes without subscribing; B must see the record in the fanout snapshot.
	mustPut(root, a, *collection, recordID, `{"state":"created","count":1}`, *timeout)
	afterPut := mustSnapshot(root, b, *collection, *timeout)
	if !snapshotHas(afterPut, recordID) {
		fatalf("snapshot after put missing %s", recordID)
	}

	doc := mustGet(root, a, *collection, recordID, *timeout)
	assertField(doc, "state", "created")

	mustPatch(root, a, *collection, recordID, map[string]json.RawMessage{
		"state": json.RawMessage(`"patched"`),
	}, *timeout)
	doc = mustGet(root, a, *collection, recordID, *timeout)
	assertField(doc, "state", "patched")
	// count survives the shallow merge.
	if _, ok := doc["count"]; !ok {
		fatalf("patch dropped unrelated field 'count'")
	}

	mustDelete(root, a, *collection, recordID, *timeout)
	mustDelete(root, a, *collection, recordID, *timeout) // idempotent

	afterDelete := mustSnapshot(root, b, *collection, *timeout)
	if snapshotHas(afterDelete, recordID) {
		fatalf("snapshot after delete still contains %s", recordID)
	}

	fmt.Printf("OK: A=%s B=%s collection=%s record=%s\n", a.sessionID, b.sessionID, *collection, recordID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, collection string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{Collections: []string{collection}}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSnapshot(parent context.Context, c *smokeClient, collection string, stepTimeout time.Duration) v1.SnapshotPayload {
	for {
		env := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout, nil)

		var p v1.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal snapshot payload (%s): %v", c.name, err)
		}
		if p.Collection == collection {
			return p
		}
	}
}

func snapshotHas(p v1.SnapshotPayload, id string) bool {
	for _, r := range p.Records {
		if r.ID == id {
			return true
		}
	}
	return false
}

func mustPut(parent context.Context, c *smokeClient, collection, id, doc string, stepTimeout time.Duration) {
	opID := fmt.Sprintf("%s-put-%s", c.name, id)
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePut,
		ID:   opID,
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.PutPayload{
			OpID:       opID,
			Collection: collection,
			ID:         id,
			Doc:        json.RawMessage(doc),
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	mustAck(parent, c, opID, stepTimeout)
}

func mustPatch(parent context.Context, c *smokeClient, collection, id string, fields map[string]json.RawMessage, stepTimeout time.Duration) {
	opID := fmt.Sprintf("%s-patch-%s", c.name, id)
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePatch,
		ID:   opID,
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.PatchPayload{
			OpID:       opID,
			Collection: collection,
			ID:         id,
			Fields:     fields,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	mustAck(parent, c, opID, stepTimeout)
}

func mustDelete(parent context.Context, c *smokeClient, collection, id string, stepTimeout time.Duration) {
	opID := fmt.Sprintf("%s-delete-%d", c.name, time.Now().UnixNano())
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeDelete,
		ID:   opID,
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.DeletePayload{
			OpID:       opID,
			Collection: collection,
			ID:         id,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	mustAck(parent, c, opID, stepTimeout)
}

func mustAck(parent context.Context, c *smokeClient, opID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeSnapshot: {}}
	ack := c.mustReadUntilType(parent, v1.TypeOpAck, stepTimeout, skip)

	var p v1.OpAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal op_ack payload (%s): %v", c.name, err)
	}
	if p.OpID != opID {
		fatalf("op_ack op_id mismatch (%s): got=%q want=%q", c.name, p.OpID, opID)
	}
}

func mustGet(parent context.Context, c *smokeClient, collection, id string, stepTimeout time.Duration) map[string]json.RawMessage {
	opID := fmt.Sprintf("%s-get-%d", c.name, time.Now().UnixNano())
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeGet,
		ID:   opID,
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.GetPayload{
			OpID:       opID,
			Collection: collection,
			ID:         id,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeSnapshot: {}}
	res := c.mustReadUntilType(parent, v1.TypeGetResult, stepTimeout, skip)

	var p v1.GetResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal get_result payload (%s): %v", c.name, err)
	}
	if p.OpID != opID {
		fatalf("get_result op_id mismatch (%s): got=%q want=%q", c.name, p.OpID, opID)
	}
	if !p.Found || p.Record == nil {
		fatalf("get_result missing record (%s): %s/%s", c.name, collection, id)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.Record.Doc, &doc); err != nil {
		fatalf("unmarshal record doc (%s): %v", c.name, err)
	}
	return doc
}

func assertField(doc map[string]json.RawMessage, key, want string) {
	raw, ok := doc[key]
	if !ok {
		fatalf("doc missing field %q", key)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		fatalf("field %q is not a string: %v", key, err)
	}
	if got != want {
		fatalf("field %q mismatch: got=%q want=%q", key, got, want)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
