package core

import (
	"testing"
)

func TestSubmitUnknownCommand(t *testing.T) {
	n := newTestNode(t)
	res := n.SubmitCommand("no_such_command", nil)
	if res.Success {
		t.Fatal("unknown command succeeded")
	}
	if res.Error == "" {
		t.Fatal("no error surfaced")
	}
}

func TestCommandResponseIncludesProjectedRows(t *testing.T) {
	n := newTestNode(t)
	res := mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})
	rows, ok := res.Projected["networks"]
	if !ok || len(rows) != 1 {
		t.Fatalf("projected networks = %v", res.Projected)
	}
	if rows[0]["name"] != "net" {
		t.Fatalf("projected name = %v", rows[0]["name"])
	}
}

func TestNamedQueries(t *testing.T) {
	n := newTestNode(t)
	mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, n, "network")
	chRes := mustCommand(t, n, "create_channel", map[string]any{"group_id": networkID, "name": "general"})
	mustCommand(t, n, "create_message", map[string]any{"channel_id": chRes.EventIDs[0], "text": "hi"})

	tests := []struct {
		name   string
		params map[string]any
		want   int
	}{
		{"networks", nil, 1},
		{"users", map[string]any{"network_id": networkID}, 1},
		{"groups", map[string]any{"network_id": networkID}, 1},
		{"channels", map[string]any{"group_id": networkID}, 1},
		{"messages", map[string]any{"channel_id": chRes.EventIDs[0]}, 1},
		{"events", map[string]any{"network_id": networkID}, 3},
		{"blocked", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := n.Query(tc.name, tc.params)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(rows) != tc.want {
				t.Fatalf("rows = %d want %d", len(rows), tc.want)
			}
		})
	}

	if _, err := n.Query("users", nil); err == nil {
		t.Fatal("missing parameter accepted")
	}
	if _, err := n.Query("bogus", nil); err == nil {
		t.Fatal("unknown query accepted")
	}
}

func TestStatsQuery(t *testing.T) {
	n := newTestNode(t)
	mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})
	rows, err := n.Query("stats", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d want 1", len(rows))
	}
	if rows[0]["events"].(int) != 1 {
		t.Fatalf("events stat = %v", rows[0]["events"])
	}
}

//-------------------------------------------------------------
// Sync reflection end to end
//-------------------------------------------------------------

func TestSyncRequestReflectsMissingEvents(t *testing.T) {
	alice := newTestNode(t)
	bob := newTestNode(t)

	mustCommand(t, alice, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, alice, "network")
	invRes := mustCommand(t, alice, "create_invite", map[string]any{"group_id": networkID})
	link := invRes.Meta["invite_link"].(string)
	deliverEvent(t, alice, bob, networkID)
	deliverEvent(t, alice, bob, firstEventIDByType(t, alice, "link_invite"))
	mustCommand(t, bob, "join_as_user", map[string]any{"invite_code": link, "name": "bob"})
	deliverEvent(t, bob, alice, firstEventIDByType(t, bob, "user"))

	// alice accumulates history bob has not seen
	chRes := mustCommand(t, alice, "create_channel", map[string]any{"group_id": networkID, "name": "general"})
	mustCommand(t, alice, "create_message", map[string]any{"channel_id": chRes.EventIDs[0], "text": "catch up"})

	// bob knows one remote endpoint, so the request fans out
	if err := bob.store.Exec(`INSERT INTO addresses (peer_pubkey, network_id, ip, port, event_id, created_at_ms)
		VALUES ('feedfacefeedface', ?, '127.0.0.1', 7399, 'seed', 1)`, networkID); err != nil {
		t.Fatalf("seed address: %v", err)
	}
	mustCommand(t, bob, "request_sync", map[string]any{"network_id": networkID, "since_ms": float64(0)})
	var blob []byte
	if err := bob.store.QueryRow(`SELECT blob FROM outgoing ORDER BY id DESC LIMIT 1`).Scan(&blob); err != nil {
		t.Fatalf("outgoing request: %v", err)
	}
	deliver(t, alice, blob)

	// alice's reflector queued responses addressed to bob
	var respBlob []byte
	if err := alice.store.QueryRow(`SELECT blob FROM outgoing ORDER BY id DESC LIMIT 1`).Scan(&respBlob); err != nil {
		t.Fatalf("outgoing response: %v", err)
	}
	deliver(t, bob, respBlob)
	drainUntilStable(t, bob)

	if got := countRows(t, bob, "messages"); got != 1 {
		t.Fatalf("messages = %d want 1 after sync", got)
	}
	if got := countRows(t, bob, "channels"); got != 1 {
		t.Fatalf("channels = %d want 1 after sync", got)
	}
}
