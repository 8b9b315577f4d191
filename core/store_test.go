package core

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenStoreAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pragmas.db")
	s, err := OpenStore(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %s want wal", mode)
	}
	var fk int
	if err := s.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d want 1", fk)
	}
}

func TestWithTxCommitAndRollback(t *testing.T) {
	n := newTestNode(t)

	err := n.store.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO job_runs (job_name, last_run_ms, run_count) VALUES ('a', 1, 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	if got := countRows(t, n, "job_runs"); got != 1 {
		t.Fatalf("rows = %d want 1", got)
	}

	wantErr := sql.ErrNoRows // any sentinel works; fn error must roll back
	err = n.store.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO job_runs (job_name, last_run_ms, run_count) VALUES ('b', 1, 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("rollback tx: got %v want %v", err, wantErr)
	}
	if got := countRows(t, n, "job_runs"); got != 1 {
		t.Fatalf("rollback leaked rows: %d", got)
	}
}

func TestDuplicateEventInsertIsIdempotent(t *testing.T) {
	n := newTestNode(t)
	ins := func() error {
		return n.store.WithTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT OR IGNORE INTO events
				(event_id, event_type, network_id, signer, created_at_ms, payload_blob)
				VALUES ('e1', 'message', 'n1', 's1', 1, x'00')`)
			return err
		})
	}
	if err := ins(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := ins(); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if got := countRows(t, n, "events"); got != 1 {
		t.Fatalf("events = %d want 1", got)
	}
}

func TestReaderSeesCommittedWrites(t *testing.T) {
	n := newTestNode(t)
	if err := n.store.Exec(`INSERT INTO job_runs (job_name, last_run_ms, run_count) VALUES ('r', 7, 1)`); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := n.store.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()
	var last int64
	if err := r.QueryRow(`SELECT last_run_ms FROM job_runs WHERE job_name = 'r'`).Scan(&last); err != nil {
		t.Fatalf("read: %v", err)
	}
	if last != 7 {
		t.Fatalf("last_run_ms = %d want 7", last)
	}
}
