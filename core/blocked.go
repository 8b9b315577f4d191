package core

// blocked.go – the persistent queue of envelopes awaiting unresolved
// dependencies, and the coalesced recheck markers that re-drive them.
//
// A partition is one (reason_type, reason_key) pair. Parking an envelope
// seeds a deferred marker as a safety net; projecting the satisfying event
// pulls the marker forward to "now". Exactly one drainer runs at a time
// under the tick lease.

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// recheckSafetyDelayMS is the deferred retry horizon for a freshly parked
// envelope whose dependency may arrive out of band.
const recheckSafetyDelayMS = 60_000

// maxRecheckAttempts bounds how often a partition is re-driven before its
// envelopes are declared hard-invalid.
const maxRecheckAttempts = 16

// partitionKey builds the coalescing key for a (reason_type, reason_key)
// pair.
func partitionKey(reasonType, reasonKey string) string {
	return reasonType + ":" + reasonKey
}

// upsertRecheck inserts or refreshes the marker for a partition, keeping the
// earliest available_at_ms.
func upsertRecheck(tx *sql.Tx, reasonType, reasonKey string, availableAtMS int64) error {
	_, err := tx.Exec(`INSERT INTO recheck_queue (partition_key, reason_type, available_at_ms, attempts)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(partition_key) DO UPDATE SET
			available_at_ms = MIN(available_at_ms, excluded.available_at_ms)`,
		partitionKey(reasonType, reasonKey), reasonType, availableAtMS)
	return err
}

// pushRecheckForKey upserts markers for every blocked partition whose
// reason_key matches, making them immediately due.
func pushRecheckForKey(tx *sql.Tx, reasonKey string, nowMS int64) error {
	rows, err := tx.Query(`SELECT DISTINCT reason_type FROM blocked WHERE reason_key = ?`, reasonKey)
	if err != nil {
		return err
	}
	var reasonTypes []string
	for rows.Next() {
		var rt string
		if err := rows.Scan(&rt); err != nil {
			rows.Close()
			return err
		}
		reasonTypes = append(reasonTypes, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, rt := range reasonTypes {
		if err := upsertRecheck(tx, rt, reasonKey, nowMS); err != nil {
			return err
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Drainer
//---------------------------------------------------------------------

// recheckClaim is one due partition claimed for draining.
type recheckClaim struct {
	partition  string
	reasonType string
	reasonKey  string
	attempts   int
}

// DrainRecheck claims due recheck markers and re-runs their blocked
// envelopes through the pipeline from the validate stage, each in its own
// transaction. Returns the number of envelopes that progressed.
//
// Callers must hold the tick lease; the scheduler's recheck job does.
func (n *Node) DrainRecheck() (int, error) {
	claims, err := n.claimDueRechecks()
	if err != nil {
		return 0, err
	}
	progressed := 0
	for _, c := range claims {
		moved, err := n.drainPartition(c)
		if err != nil {
			return progressed, err
		}
		progressed += moved
	}
	return progressed, nil
}

// claimDueRechecks removes every due marker under one short write
// transaction, claiming them for this drainer pass.
func (n *Node) claimDueRechecks() ([]recheckClaim, error) {
	var claims []recheckClaim
	err := n.store.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT partition_key, reason_type, attempts
			FROM recheck_queue WHERE available_at_ms <= ? ORDER BY available_at_ms`, n.nowMS())
		if err != nil {
			return err
		}
		for rows.Next() {
			var c recheckClaim
			if err := rows.Scan(&c.partition, &c.reasonType, &c.attempts); err != nil {
				rows.Close()
				return err
			}
			c.reasonKey = strings.TrimPrefix(c.partition, c.reasonType+":")
			claims = append(claims, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, c := range claims {
			if _, err := tx.Exec(`DELETE FROM recheck_queue WHERE partition_key = ?`, c.partition); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// drainPartition re-drives the partition's blocked envelopes FIFO. Envelopes
// that fail with a different reason are reclassified in place; envelopes
// past the attempt bound are deleted as hard-invalid.
func (n *Node) drainPartition(c recheckClaim) (int, error) {
	type item struct {
		rowID   int64
		eventID string
		blob    []byte
	}
	var items []item
	rows, err := n.store.Query(`SELECT id, event_id, envelope FROM blocked
		WHERE reason_type = ? AND reason_key = ? ORDER BY id`, c.reasonType, c.reasonKey)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.rowID, &it.eventID, &it.blob); err != nil {
			rows.Close()
			return 0, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	progressed := 0
	for _, it := range items {
		var env Envelope
		if err := json.Unmarshal(it.blob, &env); err != nil {
			n.logger.Warnf("blocked: undecodable envelope %s, deleting", it.eventID)
			if err := n.store.Exec(`DELETE FROM blocked WHERE id = ?`, it.rowID); err != nil {
				return progressed, err
			}
			continue
		}
		from := stageValidate
		if len(env.EventCiphertext) > 0 {
			from = 2 // re-enter at the open stage for key-blocked envelopes
		}
		res, err := n.runPipelineFrom([]*Envelope{&env}, from)
		if err != nil {
			return progressed, err
		}
		st := lastStatus(res)
		switch {
		case st.State == "projected" || st.State == "duplicate":
			if err := n.store.Exec(`DELETE FROM blocked WHERE id = ?`, it.rowID); err != nil {
				return progressed, err
			}
			progressed++
		case st.State == "blocked":
			if c.attempts+1 >= maxRecheckAttempts {
				n.logger.Warnf("blocked: %s exceeded %d rechecks, dropping as hard-invalid",
					it.eventID, maxRecheckAttempts)
				// the re-run re-parked the envelope under a fresh row id;
				// event_id is stable across re-parks
				if err := n.store.Exec(`DELETE FROM blocked WHERE event_id = ?`, it.eventID); err != nil {
					return progressed, err
				}
				continue
			}
			// reclassify under the observed reason and re-arm the marker
			err := n.store.WithTx(func(tx *sql.Tx) error {
				if _, err := tx.Exec(`UPDATE blocked SET reason_type = ?, reason_key = ? WHERE id = ?`,
					st.ReasonType, st.ReasonKey, it.rowID); err != nil {
					return err
				}
				_, err := tx.Exec(`INSERT INTO recheck_queue (partition_key, reason_type, available_at_ms, attempts)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(partition_key) DO UPDATE SET
						available_at_ms = MIN(available_at_ms, excluded.available_at_ms),
						attempts = MAX(attempts, excluded.attempts)`,
					partitionKey(st.ReasonType, st.ReasonKey), st.ReasonType,
					n.nowMS()+recheckSafetyDelayMS, c.attempts+1)
				return err
			})
			if err != nil {
				return progressed, err
			}
		default: // dropped: hard-invalid, already recorded by the pipeline
			if err := n.store.Exec(`DELETE FROM blocked WHERE id = ?`, it.rowID); err != nil {
				return progressed, err
			}
		}
	}
	return progressed, nil
}

// lastStatus returns the terminal status of the re-driven envelope.
func lastStatus(res *PipelineResult) EnvelopeStatus {
	if len(res.Statuses) == 0 {
		return EnvelopeStatus{State: "dropped", Reason: "no status"}
	}
	return res.Statuses[len(res.Statuses)-1]
}

// BlockedCount reports how many envelopes sit in the blocked queue,
// optionally filtered by reason type.
func (n *Node) BlockedCount(reasonType string) (int, error) {
	var count int
	var err error
	if reasonType == "" {
		err = n.store.QueryRow(`SELECT COUNT(*) FROM blocked`).Scan(&count)
	} else {
		err = n.store.QueryRow(`SELECT COUNT(*) FROM blocked WHERE reason_type = ?`, reasonType).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("blocked count: %w", err)
	}
	return count, nil
}
