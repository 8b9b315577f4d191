package core

// scheduler.go – the periodic job runner and the DB-backed lease protocol.
//
// A job is a reflector with no triggering event: it reads a snapshot and
// returns envelopes, which are then submitted through the pipeline each in
// its own transaction. Due-checking and claiming happen in one short write
// transaction keyed by job_runs.last_run_ms.

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tickLease guards the recheck drainer; only one drainer runs at a time.
const tickLease = "tick"

//---------------------------------------------------------------------
// Leases
//---------------------------------------------------------------------

// acquireLease takes or renews a DB-backed advisory lease. It succeeds when
// the lease is free, expired, or already held by owner.
func acquireLease(tx *sql.Tx, lease, owner string, nowMS, ttlMS int64) (bool, error) {
	var curOwner string
	var expires int64
	err := tx.QueryRow(`SELECT owner, expires_at_ms FROM leases WHERE lease = ?`, lease).
		Scan(&curOwner, &expires)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil && curOwner != owner && expires >= nowMS {
		return false, nil
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO leases (lease, owner, expires_at_ms) VALUES (?, ?, ?)`,
		lease, owner, nowMS+ttlMS)
	return err == nil, err
}

// releaseLease drops the lease if owner still holds it.
func releaseLease(tx *sql.Tx, lease, owner string) error {
	_, err := tx.Exec(`DELETE FROM leases WHERE lease = ? AND owner = ?`, lease, owner)
	return err
}

//---------------------------------------------------------------------
// Jobs
//---------------------------------------------------------------------

// JobFn reads a snapshot and returns envelopes to submit. Jobs needing a
// guarded side effect (the recheck drainer) may do their work directly and
// return nothing.
type JobFn func(n *Node, q Queryer, params map[string]any) ([]*Envelope, error)

// Job is one scheduled definition.
type Job struct {
	Name        string
	FrequencyMS int64
	Params      map[string]any
	Handler     JobFn
}

// Scheduler drives the job set from a single goroutine.
type Scheduler struct {
	n      *Node
	jobs   []Job
	owner  string
	ttlMS  int64
	tick   time.Duration
	logger *logrus.Logger

	mu     sync.Mutex
	active bool
	quit   chan struct{}
	done   chan struct{}
}

// NewScheduler wires a scheduler with the standard job set: sync request
// emission and the recheck drainer.
func NewScheduler(n *Node, syncIntervalMS, recheckIntervalMS, leaseTTLMS int64, lg *logrus.Logger) *Scheduler {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	s := &Scheduler{
		n:      n,
		owner:  uuid.NewString(),
		ttlMS:  leaseTTLMS,
		tick:   time.Duration(recheckIntervalMS) * time.Millisecond,
		logger: lg,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.jobs = []Job{
		{Name: "sync_request_emitter", FrequencyMS: syncIntervalMS, Handler: jobEmitSyncRequests},
		{Name: "recheck_drainer", FrequencyMS: recheckIntervalMS, Handler: s.jobDrainRecheck},
	}
	return s
}

// AddJob registers an extra job before Start.
func (s *Scheduler) AddJob(j Job) { s.jobs = append(s.jobs, j) }

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("scheduler started")
}

// Stop terminates the loop between ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.quit)
	s.mu.Unlock()
	<-s.done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-t.C:
			s.RunDue()
		}
	}
}

// RunDue runs every job whose frequency has elapsed. Exported so tests and
// CLIs can drive the scheduler without the background loop.
func (s *Scheduler) RunDue() {
	for _, j := range s.jobs {
		if err := s.runJob(j); err != nil {
			s.logger.Warnf("job %s: %v", j.Name, err)
		}
	}
}

// runJob claims the due slot, invokes the handler against the store and
// pipelines its envelopes, each in its own transaction, then stamps
// last_run_ms with the completion time.
func (s *Scheduler) runJob(j Job) error {
	now := s.n.nowMS()
	claimed := false
	err := s.n.store.WithTx(func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRow(`SELECT last_run_ms FROM job_runs WHERE job_name = ?`, j.Name).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && now-last < j.FrequencyMS {
			return nil // not due
		}
		if _, err := tx.Exec(`INSERT INTO job_runs (job_name, last_run_ms, run_count)
			VALUES (?, ?, 1)
			ON CONFLICT(job_name) DO UPDATE SET last_run_ms = excluded.last_run_ms,
				run_count = run_count + 1`, j.Name, now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return err
	}

	envs, err := j.Handler(s.n, s.n.store.db, j.Params)
	if err != nil {
		return err
	}
	for _, env := range envs {
		env.Origin = OriginJob
		if _, err := s.n.RunPipeline([]*Envelope{env}); err != nil {
			s.logger.Warnf("job %s: pipeline: %v", j.Name, err)
		}
	}
	return s.n.store.Exec(`UPDATE job_runs SET last_run_ms = ? WHERE job_name = ?`, s.n.nowMS(), j.Name)
}

//---------------------------------------------------------------------
// Built-in jobs
//---------------------------------------------------------------------

// jobEmitSyncRequests issues a sync_request per network that has a local
// identity, asking peers for anything newer than the last horizon.
func jobEmitSyncRequests(n *Node, q Queryer, _ map[string]any) ([]*Envelope, error) {
	rows, err := q.Query(`SELECT DISTINCT network_id FROM identities WHERE network_id != ''`)
	if err != nil {
		return nil, err
	}
	var networks []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		networks = append(networks, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Envelope
	for _, networkID := range networks {
		var since int64
		// ask from our newest stored event backwards a little, covering
		// clock skew between peers
		if err := q.QueryRow(`SELECT COALESCE(MAX(created_at_ms), 0) FROM events
			WHERE network_id = ?`, networkID).Scan(&since); err != nil {
			return nil, err
		}
		if since > 60_000 {
			since -= 60_000
		} else {
			since = 0
		}
		identityID, signPub, err := localIdentity(q, networkID)
		if err != nil {
			continue
		}
		env := commandEnvelope("sync_request", map[string]any{
			"network_id":    networkID,
			"since_ms":      since,
			"request_id":    uuid.NewString(),
			"created_at_ms": n.nowMS(),
		})
		env.SignWith = identityID
		env.SignerPubkey = signPub
		env.IsOutgoing = true
		out = append(out, env)
	}
	return out, nil
}

// jobDrainRecheck drains due recheck partitions under the tick lease.
func (s *Scheduler) jobDrainRecheck(n *Node, _ Queryer, _ map[string]any) ([]*Envelope, error) {
	got := false
	err := n.store.WithTx(func(tx *sql.Tx) error {
		var err error
		got, err = acquireLease(tx, tickLease, s.owner, n.nowMS(), s.ttlMS)
		return err
	})
	if err != nil || !got {
		return nil, err
	}
	defer func() {
		_ = n.store.WithTx(func(tx *sql.Tx) error {
			return releaseLease(tx, tickLease, s.owner)
		})
	}()
	moved, err := n.DrainRecheck()
	if moved > 0 {
		s.logger.Infof("recheck: %d envelope(s) progressed", moved)
	}
	return nil, err
}
