package core

// pipeline.go – the ordered stage list applied to envelopes. A single run
// over one input batch is wrapped in one immediate transaction; envelopes a
// stage produces re-enter the pipeline within the same transaction.
//
// Side exits: Blocked(reason) parks the envelope persistently, Dropped
// terminates it. Everything else is transient inside the transaction.

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

//---------------------------------------------------------------------
// Control-flow exits
//---------------------------------------------------------------------

type blockedExit struct {
	reasonType string
	reasonKey  string
}

func (b blockedExit) Error() string {
	return fmt.Sprintf("blocked: %s %s", b.reasonType, b.reasonKey)
}

type droppedExit struct {
	reason string
	retain bool // keep in unknown_events if it parsed
}

func (d droppedExit) Error() string { return "dropped: " + d.reason }

//---------------------------------------------------------------------
// Stage contract
//---------------------------------------------------------------------

// stage declares one pipeline step: Filter decides whether Process runs for
// a given envelope.
type stage struct {
	name    string
	filter  func(env *Envelope) bool
	process func(r *pipelineRun, env *Envelope) ([]*Envelope, error)
}

// stageValidate indexes the validate stage for blocked re-runs.
const stageValidate = 5

// pipelineStages is the canonical ordered stage list.
var pipelineStages = []stage{
	{"parse", filterParse, stageParse},
	{"transit-decrypt", filterTransit, stageTransitDecrypt},
	{"open", filterOpen, stageOpen},
	{"resolve-placeholders", filterLocal, stagePlaceholders},
	{"sign", filterUnsigned, stageSign},
	{"validate", filterAll, stageValidateFn},
	{"store-event", filterAll, stageStoreEvent},
	{"project", filterAll, stageProject},
	{"reflect", filterAll, stageReflect},
	{"unblock", filterAll, stageUnblock},
	{"outgoing-send", filterOutgoing, stageOutgoingSend},
}

//---------------------------------------------------------------------
// Run state
//---------------------------------------------------------------------

// pipelineRun carries per-transaction state across stages.
type pipelineRun struct {
	n  *Node
	tx *sql.Tx

	// ids of events generated in this batch, for placeholder resolution:
	// "<type>:<index>" → event id.
	generated map[string]string
	genCount  map[string]int

	result *PipelineResult
}

// EnvelopeStatus is the terminal state of one envelope after a run.
type EnvelopeStatus struct {
	EventID    string `json:"event_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	State      string `json:"state"` // projected | duplicate | blocked | dropped
	Reason     string `json:"reason,omitempty"`
	ReasonType string `json:"reason_type,omitempty"`
	ReasonKey  string `json:"reason_key,omitempty"`
}

// PipelineResult summarizes one pipeline run.
type PipelineResult struct {
	EventIDs  []string                    `json:"event_ids"`
	Statuses  []EnvelopeStatus            `json:"statuses"`
	Projected map[string][]map[string]any `json:"projected,omitempty"`
}

//---------------------------------------------------------------------
// Entry points
//---------------------------------------------------------------------

// RunPipeline pushes a batch of envelopes through all stages inside one
// immediate transaction. Envelopes produced mid-run (reflections, batch
// members) are processed in the same transaction.
func (n *Node) RunPipeline(envs []*Envelope) (*PipelineResult, error) {
	return n.runPipelineFrom(envs, 0)
}

// runPipelineFrom starts processing at the given stage index; blocked
// re-drives enter at the open or validate stage.
func (n *Node) runPipelineFrom(envs []*Envelope, from int) (*PipelineResult, error) {
	return n.runPipelinePrepared(func(*sql.Tx) ([]*Envelope, error) { return envs, nil }, from)
}

// runStages walks one envelope through the stage list, translating the
// control-flow exits into persisted state.
func (r *pipelineRun) runStages(env *Envelope, from int) ([]*Envelope, error) {
	var produced []*Envelope
	for i := from; i < len(pipelineStages); i++ {
		st := pipelineStages[i]
		if !st.filter(env) {
			continue
		}
		extra, err := st.process(r, env)
		if err != nil {
			switch e := err.(type) {
			case blockedExit:
				if perr := r.park(env, e); perr != nil {
					return nil, perr
				}
				return produced, nil
			case droppedExit:
				if derr := r.drop(env, e); derr != nil {
					return nil, derr
				}
				return produced, nil
			default:
				return nil, fmt.Errorf("stage %s: %w", st.name, err)
			}
		}
		produced = append(produced, extra...)
	}
	r.result.Statuses = append(r.result.Statuses, EnvelopeStatus{
		EventID: env.EventID, EventType: env.EventType, State: "projected",
	})
	if env.EventID != "" {
		r.result.EventIDs = append(r.result.EventIDs, env.EventID)
	}
	return produced, nil
}

//---------------------------------------------------------------------
// Filters
//---------------------------------------------------------------------

func filterAll(*Envelope) bool { return true }

func filterParse(env *Envelope) bool { return env.Origin == OriginDatagram && env.RawDatagram != nil }

func filterTransit(env *Envelope) bool { return len(env.TransitCiphertext) > 0 }

func filterOpen(env *Envelope) bool { return len(env.EventCiphertext) > 0 }

func filterLocal(env *Envelope) bool {
	return env.Origin != OriginDatagram && env.EventPlaintext != nil
}

func filterUnsigned(env *Envelope) bool {
	return env.Origin != OriginDatagram && len(env.Signature) == 0
}

func filterOutgoing(env *Envelope) bool { return env.IsOutgoing }

//---------------------------------------------------------------------
// Stage 1 – parse
//---------------------------------------------------------------------

func stageParse(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	keyID, ct, err := DecodeDatagram(env.RawDatagram)
	if err != nil {
		r.n.droppedDatagrams.Add(1)
		return nil, droppedExit{reason: err.Error()}
	}
	env.TransitKeyID = keyID
	env.TransitCiphertext = ct
	env.RawDatagram = nil
	return nil, nil
}

//---------------------------------------------------------------------
// Stage 2 – transit decrypt
//---------------------------------------------------------------------

// zeroTransitKeyID marks datagrams whose payload is the event-layer bytes
// (sealed, group-encrypted or plaintext-signed) without transit wrapping,
// used before a pairwise transit key exists.
var zeroTransitKeyID = strings.Repeat("00", transitKeyIDLen)

func stageTransitDecrypt(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	ct := env.TransitCiphertext
	env.TransitCiphertext = nil
	if env.TransitKeyID == zeroTransitKeyID {
		// bootstrap framing: event bytes travel as-is, not transit-wrapped
		if err := env.decodeEventBytes(ct); err != nil {
			r.n.droppedDatagrams.Add(1)
			return nil, droppedExit{reason: err.Error()}
		}
		return nil, nil
	}
	var secret []byte
	err := r.tx.QueryRow(`SELECT secret FROM transit_keys WHERE key_id = ?`, env.TransitKeyID).Scan(&secret)
	if err == sql.ErrNoRows {
		r.n.droppedDatagrams.Add(1)
		return nil, droppedExit{reason: "unknown transit key " + env.TransitKeyID}
	}
	if err != nil {
		return nil, err
	}
	plain, err := Decrypt(secret, ct)
	if err != nil {
		r.n.cryptoFailures.Add(1)
		return nil, droppedExit{reason: "transit decrypt: " + err.Error()}
	}
	if err := env.decodeEventBytes(plain); err != nil {
		return nil, droppedExit{reason: err.Error()}
	}
	return nil, nil
}

//---------------------------------------------------------------------
// Stage 3 – open sealed / group decrypt
//---------------------------------------------------------------------

func stageOpen(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	ct := env.EventCiphertext
	switch {
	case env.SealTo != "":
		plain, err := r.openSealedToLocal(env.SealTo, ct)
		if err != nil {
			r.n.cryptoFailures.Add(1)
			return nil, droppedExit{reason: "open sealed: " + err.Error()}
		}
		env.EventCiphertext = nil
		env.SealTo = ""
		if err := env.decodeEventBytes(plain); err != nil {
			return nil, droppedExit{reason: err.Error()}
		}
	case env.GroupKeyID != "":
		var key []byte
		err := r.tx.QueryRow(`SELECT key FROM group_keys WHERE key_id = ? AND key IS NOT NULL`,
			env.GroupKeyID).Scan(&key)
		if err == sql.ErrNoRows {
			// ciphertext stays on the envelope so the parked copy can be
			// reopened once the key lands
			return nil, blockedExit{reasonType: ReasonMissingKey, reasonKey: env.GroupKeyID}
		}
		if err != nil {
			return nil, err
		}
		plain, err := Decrypt(key, ct)
		if err != nil {
			r.n.cryptoFailures.Add(1)
			return nil, droppedExit{reason: "group decrypt: " + err.Error()}
		}
		env.EventCiphertext = nil
		gkid := env.GroupKeyID
		env.GroupKeyID = ""
		if err := env.decodeEventBytes(plain); err != nil {
			return nil, droppedExit{reason: err.Error()}
		}
		env.GroupKeyID = gkid // retained for re-encryption on relay
	}
	return nil, nil
}

// openSealedToLocal tries every local identity's sealing key against the
// ciphertext. The seal_to hint narrows it to one when present.
func (r *pipelineRun) openSealedToLocal(sealTo string, ct []byte) ([]byte, error) {
	rows, err := r.tx.Query(`
		SELECT i.seal_pubkey, k.seal_privkey
		  FROM identities i JOIN identity_keys k ON k.identity_id = i.identity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pubHex string
		var priv []byte
		if err := rows.Scan(&pubHex, &priv); err != nil {
			return nil, err
		}
		if sealTo != "" && pubHex != sealTo {
			continue
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil || len(pub) != SealKeySize || len(priv) != SealKeySize {
			continue
		}
		var pubArr, privArr [SealKeySize]byte
		copy(pubArr[:], pub)
		copy(privArr[:], priv)
		if plain, err := OpenSealed(&pubArr, &privArr, ct); err == nil {
			return plain, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrWrongKey
}

//---------------------------------------------------------------------
// Stage 4 – resolve placeholders
//---------------------------------------------------------------------

// stagePlaceholders substitutes @generated:<type>:<idx> references with the
// event ids computed for earlier envelopes of the same batch. Commands order
// their envelopes so referenced events are signed first; the sign stage
// records each id in the run's generated map.
func stagePlaceholders(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	var missing string
	substitute(env.EventPlaintext, r.generated, &missing)
	if missing != "" {
		return nil, fmt.Errorf("unresolved placeholder %s", missing)
	}
	env.Deps = payloadDeps(env.EventPlaintext)
	return nil, nil
}

func substitute(v any, generated map[string]string, missing *string) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && isPlaceholder(s) {
				if id, ok := generated[strings.TrimPrefix(s, placeholderPrefix)]; ok {
					t[k] = id
				} else if *missing == "" {
					*missing = s
				}
				continue
			}
			substitute(val, generated, missing)
		}
	case []any:
		for i, val := range t {
			if s, ok := val.(string); ok && isPlaceholder(s) {
				if id, ok := generated[strings.TrimPrefix(s, placeholderPrefix)]; ok {
					t[i] = id
				} else if *missing == "" {
					*missing = s
				}
				continue
			}
			substitute(val, generated, missing)
		}
	}
}

//---------------------------------------------------------------------
// Stage 5 – sign
//---------------------------------------------------------------------

func stageSign(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	priv := env.signPriv
	if priv == nil {
		var err error
		priv, err = r.loadSignKey(env.SignWith)
		if err != nil {
			return nil, err
		}
	}
	// normalize the payload to its decoded-JSON form so local and remote
	// copies of the event are indistinguishable downstream
	if err := env.normalizePayload(); err != nil {
		return nil, err
	}
	msg, err := env.signingBytes()
	if err != nil {
		return nil, err
	}
	env.Signature = Sign(priv, msg)
	if err := env.ComputeEventID(); err != nil {
		return nil, err
	}
	// freshly created identities store their secrets now that the id exists
	if env.signPriv != nil && env.sealPriv != nil {
		if _, err := r.tx.Exec(`INSERT OR REPLACE INTO identity_keys
			(identity_id, sign_privkey, seal_privkey) VALUES (?, ?, ?)`,
			env.EventID, []byte(env.signPriv), env.sealPriv[:]); err != nil {
			return nil, err
		}
	}
	idx := r.genCount[env.EventType]
	r.genCount[env.EventType] = idx + 1
	r.generated[fmt.Sprintf("%s:%d", env.EventType, idx)] = env.EventID
	return nil, nil
}

func (r *pipelineRun) loadSignKey(identityID string) ([]byte, error) {
	if identityID == "" {
		return nil, fmt.Errorf("no signing identity")
	}
	var priv []byte
	err := r.tx.QueryRow(`SELECT sign_privkey FROM identity_keys WHERE identity_id = ?`,
		identityID).Scan(&priv)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown signing identity %s", identityID)
	}
	return priv, err
}

//---------------------------------------------------------------------
// Stage 6 – validate
//---------------------------------------------------------------------

func stageValidateFn(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	et := typeByName(env.EventType)
	if et == nil {
		return nil, droppedExit{reason: "unknown event type " + env.EventType, retain: true}
	}
	if env.EventID == "" {
		if err := env.ComputeEventID(); err != nil {
			return nil, droppedExit{reason: err.Error()}
		}
	}
	msg, err := env.signingBytes()
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(env.SignerPubkey)
	if err != nil || !Verify(pub, msg, env.Signature) {
		r.n.cryptoFailures.Add(1)
		return nil, droppedExit{reason: ErrBadSignature.Error(), retain: true}
	}
	ev, err := env.toEvent()
	if err != nil {
		return nil, droppedExit{reason: err.Error(), retain: true}
	}
	// generic dependency check before type-specific predicates
	for _, dep := range ev.Deps {
		if !r.eventExists(dep) {
			return nil, blockedExit{reasonType: ReasonMissingDep, reasonKey: dep}
		}
	}
	if et.Validate != nil {
		switch res := et.Validate(r.tx, ev); res.Status {
		case StatusInvalid:
			r.n.invalidEvents.Add(1)
			return nil, droppedExit{reason: res.Reason, retain: true}
		case StatusBlocked:
			return nil, blockedExit{reasonType: res.ReasonType, reasonKey: res.ReasonKey}
		}
	}
	return nil, nil
}

func (r *pipelineRun) eventExists(id string) bool {
	var one int
	err := r.tx.QueryRow(`SELECT 1 FROM events WHERE event_id = ?`, id).Scan(&one)
	return err == nil
}

//---------------------------------------------------------------------
// Stage 7 – store event
//---------------------------------------------------------------------

func stageStoreEvent(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	et := typeByName(env.EventType)
	if et.Ephemeral || et.LocalOnly {
		// local-only events project without an append-only record; they
		// never sync, so nothing downstream depends on their presence here
		return nil, nil
	}
	ev, err := env.toEvent()
	if err != nil {
		return nil, err
	}
	res, err := r.tx.Exec(`INSERT OR IGNORE INTO events
		(event_id, event_type, network_id, signer, created_at_ms, payload_blob)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.NetworkID, ev.Signer, ev.CreatedAtMS, ev.Raw)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// idempotent short-circuit: already stored and projected
		return nil, droppedExit{reason: "duplicate event " + ev.ID}
	}
	return nil, nil
}

//---------------------------------------------------------------------
// Stage 8 – project
//---------------------------------------------------------------------

func stageProject(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	et := typeByName(env.EventType)
	// ephemeral types normally carry no projector; transit_ack does, to
	// consume the issuer's pending secret without entering the event log
	if et.Project == nil {
		return nil, nil
	}
	ev, err := env.toEvent()
	if err != nil {
		return nil, err
	}
	if err := et.Project(r.n, r.tx, ev); err != nil {
		// projector failures are bugs; abort the transaction
		return nil, fmt.Errorf("project %s %s: %w", ev.Type, ev.ID, err)
	}
	if et.Table != "" {
		rows, err := tableRows(r.tx, et.Table, ev.ID)
		if err == nil && len(rows) > 0 {
			r.result.Projected[et.Table] = append(r.result.Projected[et.Table], rows...)
		}
	}
	return nil, nil
}

//---------------------------------------------------------------------
// Stage 9 – reflect
//---------------------------------------------------------------------

func stageReflect(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	et := typeByName(env.EventType)
	if et.Reflect == nil || env.Origin != OriginDatagram {
		return nil, nil
	}
	ev, err := env.toEvent()
	if err != nil {
		return nil, err
	}
	out, err := et.Reflect(r.n, r.tx, ev)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.Origin = OriginReflected
	}
	return out, nil
}

//---------------------------------------------------------------------
// Stage 10 – unblock
//---------------------------------------------------------------------

func stageUnblock(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	et := typeByName(env.EventType)
	if et.Ephemeral {
		return nil, nil
	}
	keys := []string{env.EventID}
	if et.Unlocks != nil {
		ev, err := env.toEvent()
		if err != nil {
			return nil, err
		}
		keys = append(keys, et.Unlocks(ev)...)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := pushRecheckForKey(r.tx, key, r.n.nowMS()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

//---------------------------------------------------------------------
// Stage 11 – outgoing send
//---------------------------------------------------------------------

func stageOutgoingSend(r *pipelineRun, env *Envelope) ([]*Envelope, error) {
	blob, err := r.encodeOutgoing(env)
	if err != nil {
		return nil, err
	}
	recipients := []string{env.Recipient}
	if env.Recipient == "" {
		recipients, err = r.fanoutRecipients(env)
		if err != nil {
			return nil, err
		}
	}
	for _, rcpt := range recipients {
		if _, err := r.tx.Exec(`INSERT INTO outgoing (recipient, blob, sent, retry_count, next_retry, created_at_ms)
			VALUES (?, ?, 0, 0, 0, ?)`, rcpt, blob, r.n.nowMS()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// fanoutRecipients expands an unaddressed outgoing envelope to every peer in
// the event's network with a known address, excluding local identities.
func (r *pipelineRun) fanoutRecipients(env *Envelope) ([]string, error) {
	networkID, _ := env.EventPlaintext["network_id"].(string)
	if networkID == "" && env.EventType == "network" {
		networkID = env.EventID
	}
	rows, err := r.tx.Query(`SELECT a.peer_pubkey FROM addresses a
		WHERE a.network_id = ?
		  AND a.peer_pubkey NOT IN (SELECT sign_pubkey FROM identities)`, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// encodeOutgoing renders the event-layer wire bytes for the outgoing queue:
// the signed event, wrapped by a seal or a group-key layer when the envelope
// asks for one. Transit wrapping happens at send time in the transport.
func (r *pipelineRun) encodeOutgoing(env *Envelope) ([]byte, error) {
	plain, err := env.EncodeEventBytes()
	if err != nil {
		return nil, err
	}
	switch {
	case env.SealTo != "":
		pub, err := hex.DecodeString(env.SealTo)
		if err != nil || len(pub) != SealKeySize {
			return nil, fmt.Errorf("bad seal_to key %q", env.SealTo)
		}
		var pubArr [SealKeySize]byte
		copy(pubArr[:], pub)
		ct, err := SealTo(&pubArr, plain)
		if err != nil {
			return nil, err
		}
		return canonicalJSON(wireEvent{
			SealTo: env.SealTo,
			Sealed: base64.StdEncoding.EncodeToString(ct),
		})
	case env.GroupKeyID != "":
		var key []byte
		err := r.tx.QueryRow(`SELECT key FROM group_keys WHERE key_id = ? AND key IS NOT NULL`,
			env.GroupKeyID).Scan(&key)
		if err != nil {
			return nil, fmt.Errorf("outgoing group key %s: %w", env.GroupKeyID, err)
		}
		ct, err := Encrypt(key, plain)
		if err != nil {
			return nil, err
		}
		return canonicalJSON(wireEvent{
			GroupKeyID: env.GroupKeyID,
			EventCT:    base64.StdEncoding.EncodeToString(ct),
		})
	}
	return plain, nil
}

//---------------------------------------------------------------------
// Exit handling
//---------------------------------------------------------------------

// park persists the envelope into blocked and seeds a deferred recheck
// marker as a safety net; the unblock stage pulls it forward when the
// missing dependency lands.
func (r *pipelineRun) park(env *Envelope, exit blockedExit) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	eventID := env.EventID
	if eventID == "" {
		// key-blocked envelopes are still ciphertext; address them by content
		h := HashID(blob)
		eventID = "blob:" + hex.EncodeToString(h[:16])
	}
	if _, err := r.tx.Exec(`INSERT OR REPLACE INTO blocked
		(reason_type, reason_key, envelope, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		exit.reasonType, exit.reasonKey, blob, eventID, r.n.nowMS()); err != nil {
		return err
	}
	if err := upsertRecheck(r.tx, exit.reasonType, exit.reasonKey, r.n.nowMS()+recheckSafetyDelayMS); err != nil {
		return err
	}
	r.n.logger.Debugf("pipeline: parked %s (%s=%s)", eventID, exit.reasonType, exit.reasonKey)
	r.result.Statuses = append(r.result.Statuses, EnvelopeStatus{
		EventID: env.EventID, EventType: env.EventType, State: "blocked",
		ReasonType: exit.reasonType, ReasonKey: exit.reasonKey,
	})
	return nil
}

// drop terminates the envelope, retaining parsed-but-invalid events for
// diagnostics.
func (r *pipelineRun) drop(env *Envelope, exit droppedExit) error {
	if exit.retain && env.EventType != "" {
		raw, err := env.EncodeEventBytes()
		if err == nil {
			if _, err := r.tx.Exec(`INSERT INTO unknown_events
				(event_id, event_type, reason, payload_blob, created_at_ms)
				VALUES (?, ?, ?, ?, ?)`,
				env.EventID, env.EventType, exit.reason, raw, r.n.nowMS()); err != nil {
				return err
			}
		}
	}
	r.n.logger.Debugf("pipeline: dropped envelope (%s): %s", env.EventType, exit.reason)
	state := "dropped"
	if strings.HasPrefix(exit.reason, "duplicate event ") {
		state = "duplicate"
	}
	r.result.Statuses = append(r.result.Statuses, EnvelopeStatus{
		EventID: env.EventID, EventType: env.EventType, State: state, Reason: exit.reason,
	})
	return nil
}

//---------------------------------------------------------------------
// Helpers
//---------------------------------------------------------------------

// toEvent converts the decoded envelope into the Event handed to registry
// functions.
func (e *Envelope) toEvent() (*Event, error) {
	if e.EventType == "" || e.EventID == "" {
		return nil, fmt.Errorf("envelope not an event yet")
	}
	raw, err := e.EncodeEventBytes()
	if err != nil {
		return nil, err
	}
	networkID := ""
	if s, ok := e.EventPlaintext["network_id"].(string); ok {
		networkID = s
	}
	if e.EventType == "network" {
		networkID = e.EventID
	}
	var createdAt int64
	switch v := e.EventPlaintext["created_at_ms"].(type) {
	case float64:
		createdAt = int64(v)
	case int64:
		createdAt = v
	case int:
		createdAt = int64(v)
	case string:
		createdAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return &Event{
		ID:          e.EventID,
		Type:        e.EventType,
		NetworkID:   networkID,
		Signer:      e.SignerPubkey,
		CreatedAtMS: createdAt,
		Payload:     e.EventPlaintext,
		Deps:        e.Deps,
		Raw:         raw,
	}, nil
}

// tableRows reads back the rows a projector wrote for an event, keyed by the
// event_id column every projection table carries.
func tableRows(q Queryer, table, eventID string) ([]map[string]any, error) {
	rows, err := q.Query(fmt.Sprintf(`SELECT * FROM %s WHERE event_id = ?`, table), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
			if b, ok := vals[i].([]byte); ok {
				m[c] = base64.StdEncoding.EncodeToString(b)
				continue
			}
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
