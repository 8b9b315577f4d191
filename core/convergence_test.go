package core

import (
	"testing"
)

// buildFixtureEvents assembles a six-event history across two stores:
// network, link_invite, user, group, channel, message.
func buildFixtureEvents(t *testing.T) [][]byte {
	t.Helper()
	alice := newTestNode(t)
	bob := newTestNode(t)

	mustCommand(t, alice, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, alice, "network")
	invRes := mustCommand(t, alice, "create_invite", map[string]any{"group_id": networkID})
	link := invRes.Meta["invite_link"].(string)
	inviteID := firstEventIDByType(t, alice, "link_invite")

	deliverEvent(t, alice, bob, networkID)
	deliverEvent(t, alice, bob, inviteID)
	mustCommand(t, bob, "join_as_user", map[string]any{"invite_code": link, "name": "bob"})
	userID := firstEventIDByType(t, bob, "user")

	grpRes := mustCommand(t, alice, "create_group", map[string]any{"network_id": networkID, "name": "eng"})
	chRes := mustCommand(t, alice, "create_channel", map[string]any{"group_id": grpRes.EventIDs[0], "name": "general"})
	mustCommand(t, alice, "create_message", map[string]any{"channel_id": chRes.EventIDs[0], "text": "hello"})
	msgID := firstEventIDByType(t, alice, "message")

	return [][]byte{
		rawEvent(t, alice, networkID),
		rawEvent(t, alice, inviteID),
		rawEvent(t, bob, userID),
		rawEvent(t, alice, grpRes.EventIDs[0]),
		rawEvent(t, alice, chRes.EventIDs[0]),
		rawEvent(t, alice, msgID),
	}
}

// permutations generates every ordering of n indices.
func permutations(n int) [][]int {
	var out [][]int
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			p := make([]int, n)
			copy(p, idx)
			out = append(out, p)
			return
		}
		for i := k; i < n; i++ {
			idx[k], idx[i] = idx[i], idx[k]
			rec(k + 1)
			idx[k], idx[i] = idx[i], idx[k]
		}
	}
	rec(0)
	return out
}

// projectionFingerprint summarizes the converged read model.
func projectionFingerprint(t *testing.T, n *Node) string {
	t.Helper()
	return tableSnapshot(t, n, "users", "user_id, network_id, name, pubkey, invite_pubkey") +
		tableSnapshot(t, n, "groups", "group_id, network_id, name, creator_id") +
		tableSnapshot(t, n, "channels", "channel_id, group_id, name") +
		tableSnapshot(t, n, "messages", "message_id, channel_id, sender, text")
}

// TestPermutationDeterminism delivers the same six events in every ordering
// and asserts the projections converge to identical tables.
func TestPermutationDeterminism(t *testing.T) {
	if testing.Short() {
		t.Skip("720 orderings; skipped in -short")
	}
	events := buildFixtureEvents(t)

	var want string
	for pi, perm := range permutations(len(events)) {
		store, err := OpenStore(":memory:", quietLogger())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		n := NewNode(store, quietLogger())
		for _, i := range perm {
			deliver(t, n, events[i])
		}
		drainUntilStable(t, n)

		if got := countRows(t, n, "blocked"); got != 0 {
			t.Fatalf("perm %v: %d envelopes never unblocked", perm, got)
		}
		fp := projectionFingerprint(t, n)
		if pi == 0 {
			want = fp
		} else if fp != want {
			t.Fatalf("perm %v diverged:\n got=%s\nwant=%s", perm, fp, want)
		}
		n.Close()
	}
}

// TestPairwiseOrderIndependence is the cheap always-on variant: forward and
// reverse delivery converge.
func TestPairwiseOrderIndependence(t *testing.T) {
	events := buildFixtureEvents(t)

	run := func(order []int) (*Node, string) {
		store, err := OpenStore(":memory:", quietLogger())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		n := NewNode(store, quietLogger())
		for _, i := range order {
			deliver(t, n, events[i])
		}
		drainUntilStable(t, n)
		return n, projectionFingerprint(t, n)
	}

	fwd, a := run([]int{0, 1, 2, 3, 4, 5})
	defer fwd.Close()
	rev, b := run([]int{5, 4, 3, 2, 1, 0})
	defer rev.Close()
	if a != b {
		t.Fatalf("delivery order changed projections:\n fwd=%s\n rev=%s", a, b)
	}
	if got := countRows(t, rev, "messages"); got != 1 {
		t.Fatalf("reverse order lost the message: %d", got)
	}
}

// TestNoOrphanProjections asserts every projected row's event exists.
func TestNoOrphanProjections(t *testing.T) {
	n := newTestNode(t)
	mustCommand(t, n, "create_network", map[string]any{"name": "net", "username": "alice"})
	networkID := firstEventIDByType(t, n, "network")
	chRes := mustCommand(t, n, "create_channel", map[string]any{"group_id": networkID, "name": "general"})
	mustCommand(t, n, "create_message", map[string]any{"channel_id": chRes.EventIDs[0], "text": "x"})

	for _, table := range []string{"networks", "groups", "channels", "messages", "users"} {
		var orphans int
		q := `SELECT COUNT(*) FROM ` + table + ` WHERE event_id NOT IN (SELECT event_id FROM events)`
		if err := n.store.QueryRow(q).Scan(&orphans); err != nil {
			t.Fatalf("%s: %v", table, err)
		}
		if orphans != 0 {
			t.Fatalf("%s has %d orphan rows", table, orphans)
		}
	}
}
