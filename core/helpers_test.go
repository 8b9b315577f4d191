package core

// Shared fixtures for the core tests.

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
)

// quietLogger keeps test output clean.
func quietLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

// newTestNode opens a node over a throwaway database.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := OpenStore(path, quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	n := NewNode(store, quietLogger())
	t.Cleanup(func() { n.Close() })
	return n
}

// mustCommand submits a command and fails the test on error.
func mustCommand(t *testing.T, n *Node, name string, params map[string]any) *CommandResult {
	t.Helper()
	res := n.SubmitCommand(name, params)
	if !res.Success {
		t.Fatalf("command %s: %s", name, res.Error)
	}
	return res
}

// rawEvent fetches the stored wire bytes for an event id.
func rawEvent(t *testing.T, n *Node, eventID string) []byte {
	t.Helper()
	var blob []byte
	if err := n.store.QueryRow(`SELECT payload_blob FROM events WHERE event_id = ?`, eventID).Scan(&blob); err != nil {
		t.Fatalf("raw event %s: %v", eventID, err)
	}
	return blob
}

// deliver wraps stored wire bytes in the bootstrap datagram framing and
// ingests them at the destination node.
func deliver(t *testing.T, dst *Node, raw []byte) {
	t.Helper()
	var zero [transitKeyIDLen]byte
	if err := dst.IngestDatagram(EncodeDatagram(zero, raw), "127.0.0.1", 7399); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

// deliverEvent copies one stored event from src to dst over the simulated
// wire.
func deliverEvent(t *testing.T, src, dst *Node, eventID string) {
	t.Helper()
	deliver(t, dst, rawEvent(t, src, eventID))
}

// drainUntilStable runs recheck cycles until two consecutive passes move
// nothing, bounded to keep broken tests from spinning.
func drainUntilStable(t *testing.T, n *Node) {
	t.Helper()
	idle := 0
	for i := 0; i < 64 && idle < 2; i++ {
		moved, err := n.DrainRecheck()
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if moved == 0 {
			idle++
		} else {
			idle = 0
		}
	}
}

// countRows counts rows in a table.
func countRows(t *testing.T, n *Node, table string) int {
	t.Helper()
	var c int
	if err := n.store.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&c); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return c
}

// tableSnapshot renders a table as a canonical string for cross-store
// comparison.
func tableSnapshot(t *testing.T, n *Node, table string, cols string) string {
	t.Helper()
	rows, err := n.store.Query(fmt.Sprintf(`SELECT %s FROM %s`, cols, table))
	if err != nil {
		t.Fatalf("snapshot %s: %v", table, err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		t.Fatalf("snapshot scan %s: %v", table, err)
	}
	lines := make([]string, 0, len(out))
	for _, m := range out {
		b, _ := json.Marshal(m)
		lines = append(lines, string(b))
	}
	sort.Strings(lines)
	b, _ := json.Marshal(lines)
	return string(b)
}

// firstEventIDByType finds the id a command batch generated for a type.
func firstEventIDByType(t *testing.T, n *Node, eventType string) string {
	t.Helper()
	var id string
	if err := n.store.QueryRow(`SELECT event_id FROM events WHERE event_type = ?
		ORDER BY created_at_ms LIMIT 1`, eventType).Scan(&id); err != nil {
		t.Fatalf("event id for %s: %v", eventType, err)
	}
	return id
}
