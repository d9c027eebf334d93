package genetlink

import (
	"bytes"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := Message{
		Type:    16,
		Flags:   0x1,
		Seq:     42,
		PortID:  0,
		Cmd:     3,
		Version: 1,
		Payload: []byte("vif add eth0"),
	}

	raw := Encode(m)
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Type != m.Type || got.Flags != m.Flags || got.Seq != m.Seq ||
		got.PortID != m.PortID || got.Cmd != m.Cmd || got.Version != m.Version {
		t.Fatalf("header mismatch: got %+v, want %+v", got, m)
	}
	if !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, m.Payload)
	}
}

func TestEncodeDecode_EmptyPayload(t *testing.T) {
	m := Message{Type: 1, Seq: 1}
	raw := Encode(m)
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", got.Payload)
	}
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding truncated frame")
	}
}

func TestDecode_RejectsWrongAttributeType(t *testing.T) {
	raw := Encode(Message{Type: 1, Payload: []byte("x")})
	// Corrupt the attribute type field.
	raw[22] = 0xFF
	raw[23] = 0xFF
	if _, err := Decode(raw); err == nil {
		t.Fatalf("expected error decoding frame with wrong attribute type")
	}
}
