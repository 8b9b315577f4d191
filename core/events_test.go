package core

import (
	"encoding/base64"
	"strings"
	"testing"
)

//-------------------------------------------------------------
// Registry shape
//-------------------------------------------------------------

func TestRegistryCoversProtocolTypes(t *testing.T) {
	want := []string{
		"network", "identity", "peer", "user", "link_invite", "invite",
		"group", "group_member", "channel", "message", "address",
		"group_key", "sealed_key", "transit_secret", "transit_ack",
		"sync_request", "sync_response", "remove_peer", "blob", "blob_slice",
	}
	for _, name := range want {
		et := typeByName(name)
		if et == nil {
			t.Fatalf("type %s not registered", name)
		}
		if !et.Ephemeral && et.Validate == nil {
			t.Fatalf("type %s has no validator", name)
		}
	}
	if typeByCommand("create_network") == nil || typeByCommand("join_as_user") == nil {
		t.Fatal("command table incomplete")
	}
}

//-------------------------------------------------------------
// Address last-writer-wins
//-------------------------------------------------------------

func TestAddressLWW(t *testing.T) {
	alice := newTestNode(t)
	bob := newTestNode(t)

	mustCommand(t, alice, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, alice, "network")
	deliverEvent(t, alice, bob, networkID)

	mustCommand(t, alice, "announce_address", map[string]any{
		"network_id": networkID, "ip": "10.0.0.1", "port": float64(1111),
	})
	mustCommand(t, alice, "announce_address", map[string]any{
		"network_id": networkID, "ip": "10.0.0.2", "port": float64(2222),
	})

	var first, second string
	rows, err := alice.store.Query(`SELECT event_id FROM events WHERE event_type = 'address' ORDER BY created_at_ms, event_id`)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) != 2 {
		t.Fatalf("address events = %d want 2", len(ids))
	}
	first, second = ids[0], ids[1]

	// bob sees them in reverse order and still converges on the winner
	deliverEvent(t, alice, bob, second)
	deliverEvent(t, alice, bob, first)

	a := tableSnapshot(t, alice, "addresses", "peer_pubkey, ip, port, event_id")
	b := tableSnapshot(t, bob, "addresses", "peer_pubkey, ip, port, event_id")
	if a != b {
		t.Fatalf("addresses diverged:\n a=%s\n b=%s", a, b)
	}
	if got := countRows(t, bob, "addresses"); got != 1 {
		t.Fatalf("addresses = %d want 1", got)
	}
}

//-------------------------------------------------------------
// Blob slicing
//-------------------------------------------------------------

func TestBlobSlicingAndCompleteness(t *testing.T) {
	n := newTestNode(t)
	mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, n, "network")

	data := strings.Repeat("x", MaxBlobSliceBytes+100) // two slices
	res := mustCommand(t, n, "create_blob", map[string]any{
		"network_id": networkID,
		"data":       base64.StdEncoding.EncodeToString([]byte(data)),
		"mime":       "text/plain",
	})
	if len(res.EventIDs) != 3 { // manifest + 2 slices
		t.Fatalf("event ids = %d want 3", len(res.EventIDs))
	}
	if got := countRows(t, n, "blob_slices"); got != 2 {
		t.Fatalf("slices = %d want 2", got)
	}
	var complete int
	if err := n.store.QueryRow(`SELECT complete FROM blobs`).Scan(&complete); err != nil {
		t.Fatalf("blob: %v", err)
	}
	if complete != 1 {
		t.Fatal("blob not marked complete")
	}

	// a slice larger than the protocol parameter is invalid
	big := base64.StdEncoding.EncodeToString(make([]byte, MaxBlobSliceBytes+1))
	ev := &Event{
		Payload: map[string]any{"data": big, "idx": float64(0), "blob_id": "ff"},
	}
	if res := validateBlobSlice(n.store.db, ev); res.Status != StatusInvalid {
		t.Fatalf("oversized slice status = %v want invalid", res.Status)
	}
}

//-------------------------------------------------------------
// Transit secret handshake
//-------------------------------------------------------------

// joinBobToAlice is the shared two-store fixture: alice's network plus bob
// joined via invite, user events exchanged both ways.
func joinBobToAlice(t *testing.T, alice, bob *Node) (networkID string) {
	t.Helper()
	mustCommand(t, alice, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID = firstEventIDByType(t, alice, "network")
	invRes := mustCommand(t, alice, "create_invite", map[string]any{"group_id": networkID})
	link := invRes.Meta["invite_link"].(string)
	deliverEvent(t, alice, bob, networkID)
	deliverEvent(t, alice, bob, firstEventIDByType(t, alice, "link_invite"))
	mustCommand(t, bob, "join_as_user", map[string]any{"invite_code": link, "name": "bob"})
	deliverEvent(t, bob, alice, firstEventIDByType(t, bob, "user"))
	return networkID
}

func TestTransitSecretHandshake(t *testing.T) {
	alice := newTestNode(t)
	bob := newTestNode(t)
	networkID := joinBobToAlice(t, alice, bob)

	var bobPubkey string
	if err := alice.store.QueryRow(`SELECT pubkey FROM users WHERE network_id = ? AND invite_pubkey != ''`,
		networkID).Scan(&bobPubkey); err != nil {
		t.Fatalf("bob pubkey: %v", err)
	}

	mustCommand(t, alice, "establish_transit", map[string]any{
		"network_id": networkID, "peer_pubkey": bobPubkey,
	})
	// unacknowledged: the issuer must not install the key yet
	if got := countRows(t, alice, "transit_keys"); got != 0 {
		t.Fatalf("issuer installed key before ack: %d rows", got)
	}

	// the sealed transit_secret reaches bob; installing it reflects an ack
	var secretBlob []byte
	if err := alice.store.QueryRow(`SELECT blob FROM outgoing ORDER BY id DESC LIMIT 1`).Scan(&secretBlob); err != nil {
		t.Fatalf("outgoing transit_secret: %v", err)
	}
	deliver(t, bob, secretBlob)
	if got := countRows(t, bob, "transit_keys"); got != 1 {
		t.Fatalf("recipient transit_keys = %d want 1", got)
	}

	// the ack travels back and completes the issuer side
	var ackBlob []byte
	if err := bob.store.QueryRow(`SELECT blob FROM outgoing ORDER BY id DESC LIMIT 1`).Scan(&ackBlob); err != nil {
		t.Fatalf("outgoing ack: %v", err)
	}
	deliver(t, alice, ackBlob)
	if got := countRows(t, alice, "transit_keys"); got != 1 {
		t.Fatalf("issuer transit_keys = %d want 1", got)
	}

	// both sides hold the same key for the same id
	keyCols := "key_id"
	a := tableSnapshot(t, alice, "transit_keys", keyCols)
	b := tableSnapshot(t, bob, "transit_keys", keyCols)
	if a != b {
		t.Fatalf("transit key ids diverged:\n a=%s\n b=%s", a, b)
	}
	// acks never enter the event log
	var c int
	if err := alice.store.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = 'transit_ack'`).Scan(&c); err != nil {
		t.Fatalf("events: %v", err)
	}
	if c != 0 {
		t.Fatalf("transit_ack stored as event: %d", c)
	}

	// a replayed ack is a no-op once the pending secret is consumed
	deliver(t, alice, ackBlob)
	if got := countRows(t, alice, "transit_keys"); got != 1 {
		t.Fatalf("replayed ack changed state: %d rows", got)
	}
}

//-------------------------------------------------------------
// Direct invites keep the secret sealed
//-------------------------------------------------------------

func TestDirectInviteSecretStaysSealed(t *testing.T) {
	alice := newTestNode(t)
	bob := newTestNode(t)
	networkID := joinBobToAlice(t, alice, bob)

	var bobPubkey string
	if err := alice.store.QueryRow(`SELECT pubkey FROM users WHERE network_id = ? AND invite_pubkey != ''`,
		networkID).Scan(&bobPubkey); err != nil {
		t.Fatalf("bob pubkey: %v", err)
	}
	mustCommand(t, alice, "invite_peer", map[string]any{
		"group_id": networkID, "peer_pubkey": bobPubkey,
	})

	inviteID := firstEventIDByType(t, alice, "invite")

	// the issuer cannot open its own seal; the secret column stays empty
	var aliceSecret []byte
	if err := alice.store.QueryRow(`SELECT secret FROM invites WHERE invite_id = ?`,
		inviteID).Scan(&aliceSecret); err != nil {
		t.Fatalf("alice invite row: %v", err)
	}
	if len(aliceSecret) != 0 {
		t.Fatal("issuer stored a readable copy of the sealed secret")
	}

	raw := rawEvent(t, alice, inviteID)
	if strings.Contains(string(raw), "\"secret\"") {
		t.Fatalf("stored invite payload carries a plaintext secret: %s", raw)
	}

	// only bob recovers the secret, and it proves the published invite key
	deliverEvent(t, alice, bob, inviteID)
	var bobSecret []byte
	if err := bob.store.QueryRow(`SELECT secret FROM invites WHERE invite_id = ?`, inviteID).Scan(&bobSecret); err != nil {
		t.Fatalf("bob invite row: %v", err)
	}
	if len(bobSecret) == 0 {
		t.Fatal("recipient could not recover the sealed secret")
	}
	var invitePubkey string
	if err := bob.store.QueryRow(`SELECT invite_pubkey FROM invites WHERE invite_id = ?`, inviteID).Scan(&invitePubkey); err != nil {
		t.Fatalf("invite pubkey: %v", err)
	}
	derived, _, err := DeriveInviteKeypair(bobSecret, []byte(networkID))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if hexKey(derived) != invitePubkey {
		t.Fatal("recovered secret does not derive the published invite key")
	}
}

//-------------------------------------------------------------
// Identity secrets never enter payloads
//-------------------------------------------------------------

func TestIdentityPayloadHasNoPrivateKeys(t *testing.T) {
	n := newTestNode(t)
	mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})

	// identity rows exist with key material held separately
	if got := countRows(t, n, "identities"); got != 1 {
		t.Fatalf("identities = %d want 1", got)
	}
	if got := countRows(t, n, "identity_keys"); got != 1 {
		t.Fatalf("identity_keys = %d want 1", got)
	}

	// nothing in the append-only log mentions private key material
	rows, err := n.store.Query(`SELECT payload_blob FROM events`)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if strings.Contains(string(blob), "privkey") || strings.Contains(string(blob), "priv_key") {
			t.Fatalf("event payload leaks key material: %s", blob)
		}
	}
}
