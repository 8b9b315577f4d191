package core

// events_sync.go – convergence via request/response reflection. Both types
// are ephemeral: they are never stored or projected, they exist to move
// other events across the wire.

import (
	"database/sql"
	"encoding/base64"

	"github.com/google/uuid"
)

// syncBatchLimit caps how many events one sync_response carries.
const syncBatchLimit = 64

func syncEventTypes() []*EventType {
	return []*EventType{syncRequestType(), syncResponseType()}
}

//---------------------------------------------------------------------
// sync_request
//---------------------------------------------------------------------

func syncRequestType() *EventType {
	return &EventType{
		Name:        "sync_request",
		CommandName: "request_sync",
		Ephemeral:   true,
		Command:     cmdRequestSync,
		Validate:    validateSync,
		Reflect:     reflectSyncRequest,
	}
}

// cmdRequestSync asks peers for everything after since_ms. The scheduler's
// sync job issues the same envelope shape.
func cmdRequestSync(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	since, _ := params["since_ms"].(float64)
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
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
	return []*Envelope{env}, nil
}

// validateSync drops sync traffic from strangers instead of parking it.
func validateSync(q Queryer, ev *Event) ValidateResult {
	known, err := signerKnown(q, ev.NetworkID, ev.Signer)
	if err != nil {
		return Invalid("signer check: " + err.Error())
	}
	if !known {
		return Invalid("sync from unknown signer")
	}
	return Valid()
}

// reflectSyncRequest answers with the raw stored events the requester is
// missing, batched and addressed back to the requesting peer.
func reflectSyncRequest(n *Node, q Queryer, ev *Event) ([]*Envelope, error) {
	rows, err := q.Query(`SELECT payload_blob FROM events
		WHERE network_id = ? AND created_at_ms > ?
		ORDER BY created_at_ms, event_id`, ev.NetworkID, ev.Int("since_ms"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches [][]string
	batch := make([]string, 0, syncBatchLimit)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		batch = append(batch, base64.StdEncoding.EncodeToString(blob))
		if len(batch) == syncBatchLimit {
			batches = append(batches, batch)
			batch = make([]string, 0, syncBatchLimit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	if len(batches) == 0 {
		return nil, nil
	}

	identityID, signPub, err := localIdentity(q, ev.NetworkID)
	if err != nil {
		// nothing to answer with on a store that has no identity here
		return nil, nil
	}
	requestID := ev.Str("request_id")
	out := make([]*Envelope, 0, len(batches))
	for _, b := range batches {
		anyBatch := make([]any, len(b))
		for i, s := range b {
			anyBatch[i] = s
		}
		env := commandEnvelope("sync_response", map[string]any{
			"network_id":    ev.NetworkID,
			"request_id":    requestID,
			"batch":         anyBatch,
			"created_at_ms": n.nowMS(),
		})
		env.SignWith = identityID
		env.SignerPubkey = signPub
		env.IsOutgoing = true
		env.Recipient = ev.Signer
		env.InResponseTo = requestID
		out = append(out, env)
	}
	return out, nil
}

//---------------------------------------------------------------------
// sync_response
//---------------------------------------------------------------------

func syncResponseType() *EventType {
	return &EventType{
		Name:      "sync_response",
		Ephemeral: true,
		Validate:  validateSync,
		Reflect:   reflectSyncResponse,
	}
}

// reflectSyncResponse unpacks the batch; each carried event re-enters the
// pipeline as if freshly received.
func reflectSyncResponse(n *Node, q Queryer, ev *Event) ([]*Envelope, error) {
	raw, ok := ev.Payload["batch"].([]any)
	if !ok {
		return nil, nil
	}
	var out []*Envelope
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			n.logger.Warnf("sync_response: bad batch item: %v", err)
			continue
		}
		env := &Envelope{Origin: OriginReflected, InResponseTo: ev.Str("request_id")}
		if err := env.decodeEventBytes(blob); err != nil {
			n.logger.Warnf("sync_response: undecodable event: %v", err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
