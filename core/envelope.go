package core

// envelope.go – the unit of work flowing through the pipeline, plus the
// canonical wire forms. Fields are progressively filled as stages run.

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

//---------------------------------------------------------------------
// Origin
//---------------------------------------------------------------------

// Origin records how an envelope entered the pipeline.
type Origin uint8

const (
	OriginCommand   Origin = iota // locally issued command
	OriginDatagram                // received from the transport
	OriginReflected               // produced by a reflector
	OriginJob                     // produced by a scheduled job
)

func (o Origin) String() string {
	switch o {
	case OriginCommand:
		return "local-command"
	case OriginDatagram:
		return "incoming-datagram"
	case OriginReflected:
		return "reflected"
	case OriginJob:
		return "job"
	}
	return "unknown"
}

//---------------------------------------------------------------------
// Envelope
//---------------------------------------------------------------------

// Envelope wraps an event with stage-derived metadata while it moves through
// the pipeline. Envelopes are ephemeral; only blocked ones are persisted.
type Envelope struct {
	Origin Origin `json:"origin"`

	// Inbound transit layer.
	TransitCiphertext []byte `json:"transit_ct,omitempty"`
	TransitKeyID      string `json:"transit_key_id,omitempty"`
	OriginIP          string `json:"origin_ip,omitempty"`
	OriginPort        int    `json:"origin_port,omitempty"`

	// Event layer encryption.
	EventCiphertext []byte `json:"event_ct,omitempty"`
	SealTo          string `json:"seal_to,omitempty"` // hex seal pubkey
	GroupKeyID      string `json:"group_key_id,omitempty"`

	// Decoded event.
	EventType      string         `json:"event_type,omitempty"`
	EventPlaintext map[string]any `json:"event_plaintext,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	SignerPubkey   string         `json:"signer_pubkey,omitempty"` // hex
	Signature      []byte         `json:"signature,omitempty"`
	Deps           []string       `json:"deps,omitempty"`

	// Outbound routing.
	IsOutgoing bool   `json:"is_outgoing,omitempty"`
	Recipient  string `json:"recipient,omitempty"` // peer pubkey hex

	// Local command bookkeeping.
	SignWith     string `json:"sign_with,omitempty"` // identity id
	InResponseTo string `json:"in_response_to,omitempty"`

	// Raw inbound datagram, consumed by the parse stage.
	RawDatagram []byte `json:"raw_datagram,omitempty"`

	// Fresh identity secrets, held only in memory until the sign stage
	// persists them into identity_keys. Never serialized.
	signPriv ed25519.PrivateKey
	sealPriv *[SealKeySize]byte

	// Command-level extras surfaced in the command result (invite links).
	meta map[string]any
}

// placeholderPrefix marks cross-references inside a multi-event command
// batch that are substituted once earlier envelopes have ids.
const placeholderPrefix = "@generated:"

// Placeholder builds a reference to the idx-th generated event of the given
// type within the same command batch.
func Placeholder(eventType string, idx int) string {
	return fmt.Sprintf("%s%s:%d", placeholderPrefix, eventType, idx)
}

// isPlaceholder reports whether v is an unresolved placeholder reference.
func isPlaceholder(v string) bool { return strings.HasPrefix(v, placeholderPrefix) }

//---------------------------------------------------------------------
// Canonical serialization
//---------------------------------------------------------------------

// canonicalJSON serializes v with deterministically sorted object keys. The
// round trip through map[string]any normalizes field order; encoding/json
// emits map keys sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// normalizePayload re-decodes the payload through its canonical JSON form,
// collapsing Go-native numbers to the float64 shape every receiver sees.
func (e *Envelope) normalizePayload() error {
	if e.EventPlaintext == nil {
		return nil
	}
	b, err := canonicalJSON(e.EventPlaintext)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	e.EventPlaintext = m
	return nil
}

// signedBody is the portion of an event covered by the signature.
type signedBody struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Signer    string         `json:"signer_pubkey"`
}

// signingBytes returns the canonical bytes the signer signs.
func (e *Envelope) signingBytes() ([]byte, error) {
	return canonicalJSON(signedBody{EventType: e.EventType, Payload: e.EventPlaintext, Signer: e.SignerPubkey})
}

// identityBytes returns the canonical bytes hashed into the event id: the
// signed body plus the signature itself, so tampering with either breaks the
// identity.
func (e *Envelope) identityBytes() ([]byte, error) {
	return canonicalJSON(map[string]any{
		"event_type":    e.EventType,
		"payload":       e.EventPlaintext,
		"signer_pubkey": e.SignerPubkey,
		"signature":     base64.StdEncoding.EncodeToString(e.Signature),
	})
}

// ComputeEventID fills EventID from the canonical identity bytes.
func (e *Envelope) ComputeEventID() error {
	b, err := e.identityBytes()
	if err != nil {
		return err
	}
	id := HashID(b)
	e.EventID = hex.EncodeToString(id[:])
	return nil
}

//---------------------------------------------------------------------
// Wire forms
//---------------------------------------------------------------------

// wireEvent is the canonical serialization of a signed event inside transit
// encryption, optionally wrapped by a seal or a group-key layer.
type wireEvent struct {
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Signer    string         `json:"signer_pubkey,omitempty"`
	Signature string         `json:"signature,omitempty"`

	// Seal wrapper: the whole signed event sealed to one recipient.
	SealTo string `json:"seal_to,omitempty"`
	Sealed string `json:"sealed,omitempty"`

	// Group-key wrapper: the signed event encrypted under a shared key.
	GroupKeyID string `json:"group_key_id,omitempty"`
	EventCT    string `json:"event_ct,omitempty"`
}

// EncodeEventBytes renders the signed plaintext event as wire bytes.
func (e *Envelope) EncodeEventBytes() ([]byte, error) {
	return canonicalJSON(wireEvent{
		EventType: e.EventType,
		Payload:   e.EventPlaintext,
		Signer:    e.SignerPubkey,
		Signature: base64.StdEncoding.EncodeToString(e.Signature),
	})
}

// decodeEventBytes parses wire bytes into the envelope, leaving encrypted
// wrappers for the open stage.
func (e *Envelope) decodeEventBytes(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch {
	case w.Sealed != "":
		ct, err := base64.StdEncoding.DecodeString(w.Sealed)
		if err != nil {
			return fmt.Errorf("decode sealed: %w", err)
		}
		e.SealTo = w.SealTo
		e.EventCiphertext = ct
	case w.GroupKeyID != "":
		ct, err := base64.StdEncoding.DecodeString(w.EventCT)
		if err != nil {
			return fmt.Errorf("decode event_ct: %w", err)
		}
		e.GroupKeyID = w.GroupKeyID
		e.EventCiphertext = ct
	default:
		return e.adoptPlain(w)
	}
	return nil
}

// adoptPlain fills the envelope from a decoded plaintext wire event.
func (e *Envelope) adoptPlain(w wireEvent) error {
	if w.EventType == "" || w.Signer == "" {
		return fmt.Errorf("decode event: missing type or signer")
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	e.EventType = w.EventType
	e.EventPlaintext = w.Payload
	e.SignerPubkey = w.Signer
	e.Signature = sig
	e.Deps = payloadDeps(w.Payload)
	return nil
}

// payloadDeps extracts the dependency ids an event declares in its payload.
func payloadDeps(payload map[string]any) []string {
	raw, ok := payload["deps"].([]any)
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(raw))
	for _, d := range raw {
		if s, ok := d.(string); ok {
			deps = append(deps, s)
		}
	}
	sort.Strings(deps)
	return deps
}

//---------------------------------------------------------------------
// Datagram framing
//---------------------------------------------------------------------

// transitKeyIDLen is the fixed prefix length of a datagram.
const transitKeyIDLen = 32

// EncodeDatagram frames a transit ciphertext for the wire:
// transit_key_id(32) ‖ transit_ct.
func EncodeDatagram(transitKeyID [32]byte, transitCT []byte) []byte {
	out := make([]byte, 0, transitKeyIDLen+len(transitCT))
	out = append(out, transitKeyID[:]...)
	return append(out, transitCT...)
}

// DecodeDatagram splits a raw datagram into its key id and ciphertext.
func DecodeDatagram(b []byte) (keyID string, ct []byte, err error) {
	if len(b) <= transitKeyIDLen {
		return "", nil, fmt.Errorf("datagram too short: %d bytes", len(b))
	}
	return hex.EncodeToString(b[:transitKeyIDLen]), b[transitKeyIDLen:], nil
}
