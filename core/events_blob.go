package core

// events_blob.go – content-addressed blob transfer. A blob event is the
// manifest; blob_slice events carry the bytes in bounded slices. The slice
// bound is a protocol parameter, not an invariant.

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

func blobEventTypes() []*EventType {
	return []*EventType{blobType(), blobSliceType()}
}

//---------------------------------------------------------------------
// blob (manifest)
//---------------------------------------------------------------------

func blobType() *EventType {
	return &EventType{
		Name:        "blob",
		CommandName: "create_blob",
		Table:       "blobs",
		Schema: `
CREATE TABLE IF NOT EXISTS blobs (
    blob_id       TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    total_size    INTEGER NOT NULL,
    slice_count   INTEGER NOT NULL,
    mime          TEXT NOT NULL DEFAULT '',
    complete      INTEGER NOT NULL DEFAULT 0,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdCreateBlob,
		Validate: validateBlob,
		Project:  projectBlob,
	}
}

// cmdCreateBlob slices the payload and emits the manifest followed by one
// slice event per chunk, all dependent on the manifest.
func cmdCreateBlob(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	dataB64, err := reqStr(params, "data")
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, fmt.Errorf("blob data: %w", err)
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	sum := HashID(data)
	blobID := hex.EncodeToString(sum[:])
	sliceCount := (len(data) + MaxBlobSliceBytes - 1) / MaxBlobSliceBytes
	now := n.nowMS()

	manifest := commandEnvelope("blob", map[string]any{
		"network_id":    networkID,
		"blob_id":       blobID,
		"total_size":    len(data),
		"slice_count":   sliceCount,
		"mime":          optStr(params, "mime", "application/octet-stream"),
		"created_at_ms": now,
		"deps":          []any{networkID},
	})
	manifest.SignWith = identityID
	manifest.SignerPubkey = signPub
	manifest.IsOutgoing = true
	envs := []*Envelope{manifest}

	for i := 0; i < sliceCount; i++ {
		lo := i * MaxBlobSliceBytes
		hi := lo + MaxBlobSliceBytes
		if hi > len(data) {
			hi = len(data)
		}
		slice := commandEnvelope("blob_slice", map[string]any{
			"network_id":    networkID,
			"blob_id":       blobID,
			"idx":           i,
			"data":          base64.StdEncoding.EncodeToString(data[lo:hi]),
			"created_at_ms": now,
			"deps":          []any{Placeholder("blob", 0)},
		})
		slice.SignWith = identityID
		slice.SignerPubkey = signPub
		slice.IsOutgoing = true
		envs = append(envs, slice)
	}
	return envs, nil
}

func validateBlob(q Queryer, ev *Event) ValidateResult {
	if len(ev.Str("blob_id")) != 64 || ev.Int("slice_count") <= 0 {
		return Invalid("blob requires blob_id and slice_count")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectBlob(n *Node, tx *sql.Tx, ev *Event) error {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO blobs
		(blob_id, network_id, total_size, slice_count, mime, complete, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		ev.Str("blob_id"), ev.NetworkID, ev.Int("total_size"), ev.Int("slice_count"),
		ev.Str("mime"), ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	return refreshBlobComplete(tx, ev.Str("blob_id"))
}

//---------------------------------------------------------------------
// blob_slice
//---------------------------------------------------------------------

func blobSliceType() *EventType {
	return &EventType{
		Name:  "blob_slice",
		Table: "blob_slices",
		Schema: `
CREATE TABLE IF NOT EXISTS blob_slices (
    blob_id       TEXT NOT NULL,
    idx           INTEGER NOT NULL,
    data          BLOB NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    PRIMARY KEY (blob_id, idx)
);`,
		Validate: validateBlobSlice,
		Project:  projectBlobSlice,
	}
}

func validateBlobSlice(q Queryer, ev *Event) ValidateResult {
	data, err := base64.StdEncoding.DecodeString(ev.Str("data"))
	if err != nil {
		return Invalid("blob_slice data: " + err.Error())
	}
	if len(data) > MaxBlobSliceBytes {
		return Invalid(fmt.Sprintf("blob_slice exceeds %d bytes", MaxBlobSliceBytes))
	}
	if ev.Int("idx") < 0 {
		return Invalid("blob_slice idx negative")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectBlobSlice(n *Node, tx *sql.Tx, ev *Event) error {
	data, err := base64.StdEncoding.DecodeString(ev.Str("data"))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO blob_slices
		(blob_id, idx, data, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Str("blob_id"), ev.Int("idx"), data, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	return refreshBlobComplete(tx, ev.Str("blob_id"))
}

// refreshBlobComplete flips the manifest's complete flag once every slice is
// present. Safe to call from either projector in any delivery order.
func refreshBlobComplete(tx *sql.Tx, blobID string) error {
	var want, have int
	err := tx.QueryRow(`SELECT slice_count FROM blobs WHERE blob_id = ?`, blobID).Scan(&want)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM blob_slices WHERE blob_id = ?`, blobID).Scan(&have); err != nil {
		return err
	}
	complete := 0
	if have >= want {
		complete = 1
	}
	_, err = tx.Exec(`UPDATE blobs SET complete = ? WHERE blob_id = ?`, complete, blobID)
	return err
}
