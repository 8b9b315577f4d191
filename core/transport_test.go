package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestWrapTransitBootstrapFraming(t *testing.T) {
	n := newTestNode(t)
	tr := NewTransport(n, "127.0.0.1:0", 1000, quietLogger())

	blob := []byte(`{"event_type":"x"}`)
	frame, err := tr.wrapTransit("nobody", blob)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	keyID, ct, err := DecodeDatagram(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if keyID != zeroTransitKeyID {
		t.Fatalf("key id = %s want zero", keyID)
	}
	if string(ct) != string(blob) {
		t.Fatal("bootstrap framing altered the blob")
	}
}

func TestWrapTransitUsesPairwiseKey(t *testing.T) {
	n := newTestNode(t)
	tr := NewTransport(n, "127.0.0.1:0", 1000, quietLogger())

	secret, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	sum := HashID(secret)
	keyID := hexKey(sum[:])
	if err := n.store.Exec(`INSERT INTO transit_keys (key_id, secret, peer_pubkey, created_at_ms)
		VALUES (?, ?, 'peer1', 1)`, keyID, secret); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	blob := []byte("event-layer-bytes")
	frame, err := tr.wrapTransit("peer1", blob)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	gotID, ct, err := DecodeDatagram(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotID != keyID {
		t.Fatalf("key id = %s want %s", gotID, keyID)
	}
	plain, err := Decrypt(secret, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != string(blob) {
		t.Fatal("transit roundtrip mismatch")
	}
}

// TestTransportDelivery drives one datagram over a real loopback socket.
func TestTransportDelivery(t *testing.T) {
	alice := newTestNode(t)
	bob := newTestNode(t)

	mustCommand(t, alice, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, alice, "network")
	raw := rawEvent(t, alice, networkID)

	tr := NewTransport(bob, "127.0.0.1:0", 50, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	// send alice's network event at bob's socket via the bootstrap framing
	var zero [transitKeyIDLen]byte
	conn, err := net.Dial("udp", tr.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(EncodeDatagram(zero, raw)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countRows(t, bob, "networks") == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("datagram never projected")
}
