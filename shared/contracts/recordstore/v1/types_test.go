package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	valid := Envelope{V: Version, Type: TypeSubscribe, ID: "01J", TS: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "missing v", env: Envelope{Type: TypePut}},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypePut}},
		{name: "missing type", env: Envelope{V: Version}},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}},
	}
	for _, tc := range tests {
		if err := tc.env.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(PutPayload{
		OpID:       "op-1",
		Collection: "users",
		ID:         "01JABCDEF",
		Doc:        json.RawMessage(`{"username":"amira"}`),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	out, err := json.Marshal(Envelope{V: Version, Type: TypePut, ID: "e1", TS: time.Now(), Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("round-tripped envelope invalid: %v", err)
	}

	var p PutPayload
	if err := json.Unmarshal(back.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Collection != "users" || p.OpID != "op-1" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}
