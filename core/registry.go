package core

// registry.go – the static event-type table. One entry per event type with
// its projection schema and the four behaviour functions. The table is built
// once at process init; dispatch is a plain map lookup.

import (
	"database/sql"
	"sort"
)

//---------------------------------------------------------------------
// Event – the persisted, signed, content-addressed record
//---------------------------------------------------------------------

// Event is the decoded form handed to validators, projectors and reflectors.
type Event struct {
	ID          string
	Type        string
	NetworkID   string
	Signer      string // hex pubkey
	CreatedAtMS int64
	Payload     map[string]any
	Deps        []string
	Raw         []byte // canonical signed wire bytes
}

// Str returns the string payload field for key, or "".
func (ev *Event) Str(key string) string {
	s, _ := ev.Payload[key].(string)
	return s
}

// Int returns the integer payload field for key, or 0. Decoded JSON numbers
// are float64; payloads that have not crossed the wire may still hold
// Go-native integers.
func (ev *Event) Int(key string) int64 {
	switch v := ev.Payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

//---------------------------------------------------------------------
// Queryer – read access shared by *sql.Tx and *sql.DB
//---------------------------------------------------------------------

// Queryer is the read surface validators and reflectors run against. Inside
// a pipeline run it is the open transaction, so a batch sees its own writes.
type Queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

//---------------------------------------------------------------------
// Validation results
//---------------------------------------------------------------------

type ValidateStatus uint8

const (
	StatusOk ValidateStatus = iota
	StatusInvalid
	StatusBlocked
)

// Blocked reason types.
const (
	ReasonMissingKey    = "missing_key"
	ReasonMissingDep    = "missing_dep"
	ReasonUnknownSigner = "unknown_signer"
)

// ValidateResult classifies an event as projectable, invalid, or parked
// until a dependency shows up.
type ValidateResult struct {
	Status     ValidateStatus
	Reason     string // human-readable, Invalid only
	ReasonType string // Blocked only
	ReasonKey  string // Blocked only
}

func Valid() ValidateResult { return ValidateResult{Status: StatusOk} }
func Invalid(reason string) ValidateResult {
	return ValidateResult{Status: StatusInvalid, Reason: reason}
}
func Block(reasonType, key string) ValidateResult {
	return ValidateResult{Status: StatusBlocked, ReasonType: reasonType, ReasonKey: key}
}

//---------------------------------------------------------------------
// EventType
//---------------------------------------------------------------------

// CommandFn builds one or more envelopes from local command parameters. It
// runs inside the pipeline transaction and may persist local secrets.
type CommandFn func(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error)

// ValidateFn checks an event against the read snapshot.
type ValidateFn func(q Queryer, ev *Event) ValidateResult

// ProjectFn applies the event's deltas inside the given transaction. It must
// be idempotent under re-application.
type ProjectFn func(n *Node, tx *sql.Tx, ev *Event) error

// ReflectFn produces response envelopes for an incoming event.
type ReflectFn func(n *Node, q Queryer, ev *Event) ([]*Envelope, error)

// EventType declares one protocol event type: its projection schema and the
// behaviour functions the pipeline dispatches to.
type EventType struct {
	Name        string
	CommandName string // local command that constructs it, "" if none
	Schema      string // projection DDL, "" if the type owns no table
	Table       string // primary projection table, for command responses

	// Ephemeral types (sync_request, sync_response, transit_ack) never enter
	// the event log and skip the unblock stage; a projector, where the type
	// has one (transit_ack), still runs.
	Ephemeral bool
	// LocalOnly types (identity) never leave the process.
	LocalOnly bool

	Command  CommandFn
	Validate ValidateFn
	Project  ProjectFn
	Reflect  ReflectFn

	// Unlocks lists the blocked-queue reason keys this event satisfies once
	// projected, beyond its own event id.
	Unlocks func(ev *Event) []string
}

//---------------------------------------------------------------------
// Static table
//---------------------------------------------------------------------

var (
	typeTable    map[string]*EventType
	commandTable map[string]*EventType
)

// eventTypes returns every registered event type, name-sorted.
func eventTypes() []*EventType {
	out := make([]*EventType, 0, len(typeTable))
	for _, et := range typeTable {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// typeByName resolves an event type, nil if unknown.
func typeByName(name string) *EventType { return typeTable[name] }

// typeByCommand resolves the event type owning a command name.
func typeByCommand(cmd string) *EventType { return commandTable[cmd] }

func init() {
	typeTable = make(map[string]*EventType)
	commandTable = make(map[string]*EventType)
	for _, et := range builtinEventTypes() {
		typeTable[et.Name] = et
		if et.CommandName != "" {
			commandTable[et.CommandName] = et
		}
	}
}

// builtinEventTypes assembles the full protocol table. Each events_*.go file
// contributes its types.
func builtinEventTypes() []*EventType {
	var all []*EventType
	all = append(all, networkEventTypes()...)
	all = append(all, membershipEventTypes()...)
	all = append(all, inviteEventTypes()...)
	all = append(all, contentEventTypes()...)
	all = append(all, keyEventTypes()...)
	all = append(all, syncEventTypes()...)
	all = append(all, blobEventTypes()...)
	return all
}
