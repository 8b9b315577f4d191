package core

// api.go – the three entry points front-ends and the transport consume:
// SubmitCommand, IngestDatagram and Query.

import (
	"database/sql"
	"fmt"
)

//---------------------------------------------------------------------
// SubmitCommand
//---------------------------------------------------------------------

// CommandResult is the summary surface returned for a local command.
type CommandResult struct {
	Success   bool                        `json:"success"`
	Error     string                      `json:"error,omitempty"`
	EventIDs  []string                    `json:"event_ids,omitempty"`
	Projected map[string][]map[string]any `json:"projected,omitempty"`
	Meta      map[string]any              `json:"meta,omitempty"`
}

// SubmitCommand invokes the event type's command function and pushes the
// produced envelopes through the pipeline, all in one transaction.
func (n *Node) SubmitCommand(command string, params map[string]any) *CommandResult {
	et := typeByCommand(command)
	if et == nil {
		return &CommandResult{Error: fmt.Sprintf("unknown command %q", command)}
	}
	meta := make(map[string]any)
	res, err := n.runPipelinePrepared(func(tx *sql.Tx) ([]*Envelope, error) {
		envs, err := et.Command(n, tx, params)
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			for k, v := range env.meta {
				meta[k] = v
			}
		}
		return envs, nil
	}, 0)
	if err != nil {
		n.logger.Warnf("command %s failed: %v", command, err)
		return &CommandResult{Error: err.Error()}
	}
	out := &CommandResult{
		Success:   true,
		EventIDs:  res.EventIDs,
		Projected: res.Projected,
	}
	if len(meta) > 0 {
		out.Meta = meta
	}
	for _, st := range res.Statuses {
		if st.State == "dropped" {
			out.Success = false
			out.Error = st.Reason
		}
	}
	return out
}

// runPipelinePrepared builds the input batch inside the pipeline's own
// transaction before the stages run.
func (n *Node) runPipelinePrepared(prepare func(tx *sql.Tx) ([]*Envelope, error), from int) (*PipelineResult, error) {
	n.sweepTransitSecrets()
	r := &pipelineRun{
		n:         n,
		generated: make(map[string]string),
		genCount:  make(map[string]int),
		result:    &PipelineResult{Projected: make(map[string][]map[string]any)},
	}
	type work struct {
		env  *Envelope
		from int
	}
	err := n.store.WithTx(func(tx *sql.Tx) error {
		r.tx = tx
		envs, err := prepare(tx)
		if err != nil {
			return err
		}
		var queue []work
		for _, env := range envs {
			queue = append(queue, work{env, from})
		}
		for len(queue) > 0 {
			w := queue[0]
			queue = queue[1:]
			extra, err := r.runStages(w.env, w.from)
			if err != nil {
				return err
			}
			for _, env := range extra {
				queue = append(queue, work{env, 0})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

//---------------------------------------------------------------------
// IngestDatagram
//---------------------------------------------------------------------

// IngestDatagram records a raw datagram and drives it through the pipeline.
// The incoming row is claimed inside the pipeline's transaction, so a crash
// between insert and processing leaves the datagram replayable.
func (n *Node) IngestDatagram(b []byte, originIP string, originPort int) error {
	var rowID int64
	err := n.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO incoming (blob, origin_ip, origin_port, created_at_ms)
			VALUES (?, ?, ?, ?)`, b, originIP, originPort, n.nowMS())
		if err != nil {
			return err
		}
		rowID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	_, err = n.runPipelinePrepared(func(tx *sql.Tx) ([]*Envelope, error) {
		var blob []byte
		var ip string
		var port int
		err := tx.QueryRow(`SELECT blob, origin_ip, origin_port FROM incoming WHERE id = ?`,
			rowID).Scan(&blob, &ip, &port)
		if err == sql.ErrNoRows {
			return nil, nil // another claimer won
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM incoming WHERE id = ?`, rowID); err != nil {
			return nil, err
		}
		return []*Envelope{{
			Origin:      OriginDatagram,
			RawDatagram: blob,
			OriginIP:    ip,
			OriginPort:  port,
		}}, nil
	}, 0)
	return err
}

//---------------------------------------------------------------------
// Query
//---------------------------------------------------------------------

// namedQuery is a read-only SELECT exposed by name. Params lists the
// positional bind parameters pulled from the request.
type namedQuery struct {
	SQL    string
	Params []string
}

var namedQueries = map[string]namedQuery{
	"networks": {`SELECT * FROM networks ORDER BY created_at_ms`, nil},
	"identities": {`SELECT identity_id, network_id, name, sign_pubkey, seal_pubkey, created_at_ms
		FROM identities ORDER BY created_at_ms`, nil},
	"users":     {`SELECT * FROM users WHERE network_id = ? ORDER BY created_at_ms, user_id`, []string{"network_id"}},
	"peers":     {`SELECT * FROM peers WHERE network_id = ? ORDER BY created_at_ms`, []string{"network_id"}},
	"groups":    {`SELECT * FROM groups WHERE network_id = ? ORDER BY created_at_ms`, []string{"network_id"}},
	"channels":  {`SELECT * FROM channels WHERE group_id = ? ORDER BY created_at_ms`, []string{"group_id"}},
	"messages":  {`SELECT * FROM messages WHERE channel_id = ? ORDER BY created_at_ms, message_id`, []string{"channel_id"}},
	"invites":   {`SELECT invite_id, network_id, group_id, invite_pubkey, created_by, created_at_ms FROM invites WHERE network_id = ?`, []string{"network_id"}},
	"addresses": {`SELECT * FROM addresses WHERE network_id = ?`, []string{"network_id"}},
	"blobs":     {`SELECT * FROM blobs WHERE network_id = ?`, []string{"network_id"}},
	"blocked":   {`SELECT id, reason_type, reason_key, event_id, created_at_ms FROM blocked ORDER BY id`, nil},
	"events":    {`SELECT event_id, event_type, network_id, signer, created_at_ms FROM events WHERE network_id = ? ORDER BY created_at_ms, event_id`, []string{"network_id"}},
	"outgoing":  {`SELECT id, recipient, sent, retry_count, next_retry, created_at_ms FROM outgoing ORDER BY id`, nil},
}

// Query runs a named read-only query against a dedicated reader connection;
// the built-in "stats" query reads its counts through the store's writer
// handle instead.
func (n *Node) Query(name string, params map[string]any) ([]map[string]any, error) {
	if name == "stats" {
		return n.statsQuery()
	}
	q, ok := namedQueries[name]
	if !ok {
		return nil, fmt.Errorf("unknown query %q", name)
	}
	args := make([]any, 0, len(q.Params))
	for _, p := range q.Params {
		v, ok := params[p]
		if !ok {
			return nil, fmt.Errorf("query %s: missing parameter %q", name, p)
		}
		args = append(args, v)
	}
	reader, err := n.reader()
	if err != nil {
		return nil, err
	}
	rows, err := reader.Query(q.SQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// reader lazily opens the node's shared read-only connection.
func (n *Node) reader() (*sql.DB, error) {
	n.readerMu.Lock()
	defer n.readerMu.Unlock()
	if n.readerDB != nil {
		return n.readerDB, nil
	}
	db, err := n.store.Reader()
	if err != nil {
		return nil, err
	}
	n.readerDB = db
	return db, nil
}

// statsQuery surfaces the drop counters and queue depths.
func (n *Node) statsQuery() ([]map[string]any, error) {
	row := map[string]any{
		"dropped_datagrams": n.droppedDatagrams.Load(),
		"crypto_failures":   n.cryptoFailures.Load(),
		"invalid_events":    n.invalidEvents.Load(),
	}
	for _, c := range []struct{ key, table string }{
		{"events", "events"}, {"blocked", "blocked"},
		{"outgoing_pending", "outgoing"}, {"recheck_pending", "recheck_queue"},
	} {
		var count int
		if err := n.store.QueryRow(`SELECT COUNT(*) FROM ` + c.table).Scan(&count); err != nil {
			return nil, err
		}
		row[c.key] = count
	}
	return []map[string]any{row}, nil
}

// scanRows renders a result set as generic maps, column order preserved by
// the driver.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
