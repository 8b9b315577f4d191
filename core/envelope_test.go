package core

import (
	"bytes"
	"encoding/hex"
	"testing"
)

//-------------------------------------------------------------
// Canonical serialization and event identity
//-------------------------------------------------------------

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(a) != want {
		t.Fatalf("canonical = %s want %s", a, want)
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	pub, priv, _ := GenerateSignKeypair()
	env := &Envelope{
		Origin:    OriginCommand,
		EventType: "message",
		EventPlaintext: map[string]any{
			"network_id":    "aa",
			"channel_id":    "bb",
			"text":          "hi",
			"created_at_ms": float64(1000),
		},
		SignerPubkey: hex.EncodeToString(pub),
	}
	msg, err := env.signingBytes()
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	env.Signature = Sign(priv, msg)
	if err := env.ComputeEventID(); err != nil {
		t.Fatalf("event id: %v", err)
	}
	id := env.EventID

	wire, err := env.EncodeEventBytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var back Envelope
	if err := back.decodeEventBytes(wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := back.ComputeEventID(); err != nil {
		t.Fatalf("recompute id: %v", err)
	}
	if back.EventID != id {
		t.Fatalf("id changed across the wire: %s != %s", back.EventID, id)
	}
	if back.EventType != "message" || back.SignerPubkey != env.SignerPubkey {
		t.Fatal("decoded envelope lost fields")
	}

	// tampering with the payload must change the identity
	back.EventPlaintext["text"] = "bye"
	if err := back.ComputeEventID(); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if back.EventID == id {
		t.Fatal("tampered payload kept the same event id")
	}
}

//-------------------------------------------------------------
// Datagram framing
//-------------------------------------------------------------

func TestDatagramFraming(t *testing.T) {
	var keyID [transitKeyIDLen]byte
	for i := range keyID {
		keyID[i] = byte(i)
	}
	ct := []byte("ciphertext-bytes")
	frame := EncodeDatagram(keyID, ct)

	gotID, gotCT, err := DecodeDatagram(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotID != hex.EncodeToString(keyID[:]) {
		t.Fatalf("key id mismatch: %s", gotID)
	}
	if !bytes.Equal(gotCT, ct) {
		t.Fatal("ciphertext mismatch")
	}

	if _, _, err := DecodeDatagram(frame[:transitKeyIDLen]); err == nil {
		t.Fatal("short datagram accepted")
	}
}

//-------------------------------------------------------------
// Placeholders
//-------------------------------------------------------------

func TestPlaceholderSubstitution(t *testing.T) {
	payload := map[string]any{
		"network_id": Placeholder("network", 0),
		"deps":       []any{Placeholder("network", 0), "fixed"},
		"name":       "general",
	}
	gen := map[string]string{"network:0": "deadbeef"}
	var missing string
	substitute(payload, gen, &missing)
	if missing != "" {
		t.Fatalf("unexpected missing: %s", missing)
	}
	if payload["network_id"] != "deadbeef" {
		t.Fatalf("network_id = %v", payload["network_id"])
	}
	deps := payload["deps"].([]any)
	if deps[0] != "deadbeef" || deps[1] != "fixed" {
		t.Fatalf("deps = %v", deps)
	}

	var missing2 string
	substitute(map[string]any{"x": Placeholder("group", 3)}, gen, &missing2)
	if missing2 == "" {
		t.Fatal("unresolved placeholder not reported")
	}
}

//-------------------------------------------------------------
// Invite links
//-------------------------------------------------------------

func TestInviteLinkRoundTrip(t *testing.T) {
	net := HashID([]byte("n"))
	grp := HashID([]byte("g"))
	secret := []byte("0123456789abcdef0123456789abcdef")
	link, err := EncodeInviteLink(hex.EncodeToString(net[:]), hex.EncodeToString(grp[:]), secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeInviteLink(link)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NetworkID != hex.EncodeToString(net[:]) || got.GroupID != hex.EncodeToString(grp[:]) {
		t.Fatal("ids mismatched")
	}
	if !bytes.Equal(got.Secret, secret) {
		t.Fatal("secret mismatched")
	}

	if _, err := DecodeInviteLink("quiet://invite/%%%"); err == nil {
		t.Fatal("garbage link accepted")
	}
}
