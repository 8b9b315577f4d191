package core

// events_keys.go – key distribution: group keys, their sealed per-recipient
// copies, and pairwise transit secrets.
//
// Key material never appears in plaintext on the wire. A group_key event
// only announces the key id; sealed_key events carry the key box-sealed to
// each member. Transit secrets ride sealed inside transit_secret events.

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func keyEventTypes() []*EventType {
	return []*EventType{groupKeyType(), sealedKeyType(), transitSecretType(), transitAckType(), addressType()}
}

//---------------------------------------------------------------------
// group_key
//---------------------------------------------------------------------

func groupKeyType() *EventType {
	return &EventType{
		Name:        "group_key",
		CommandName: "create_group_key",
		Table:       "group_keys",
		Schema: `
CREATE TABLE IF NOT EXISTS group_keys (
    key_id        TEXT PRIMARY KEY,
    group_id      TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    key           BLOB,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdCreateGroupKey,
		Validate: validateGroupKey,
		Project:  projectGroupKey,
		Unlocks:  unlocksGroupKey,
	}
}

// cmdCreateGroupKey mints a symmetric key for a group, keeps it locally and
// fans out one sealed copy per member with a known sealing key.
func cmdCreateGroupKey(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	groupID, err := reqStr(params, "group_id")
	if err != nil {
		return nil, err
	}
	var networkID string
	if err := tx.QueryRow(`SELECT network_id FROM groups WHERE group_id = ?`, groupID).Scan(&networkID); err != nil {
		return nil, fmt.Errorf("unknown group %s", groupID)
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	key, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	sum := HashID(key)
	keyID := hex.EncodeToString(sum[:])

	// the issuer holds the plaintext key from the start
	if _, err := tx.Exec(`INSERT OR REPLACE INTO group_keys
		(key_id, group_id, network_id, key, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, '', ?)`,
		keyID, groupID, networkID, key, n.nowMS()); err != nil {
		return nil, err
	}

	now := n.nowMS()
	announce := commandEnvelope("group_key", map[string]any{
		"network_id":    networkID,
		"group_id":      groupID,
		"key_id":        keyID,
		"created_at_ms": now,
		"deps":          []any{groupID},
	})
	announce.SignWith = identityID
	announce.SignerPubkey = signPub
	announce.IsOutgoing = true
	envs := []*Envelope{announce}

	rows, err := tx.Query(`SELECT u.pubkey, u.seal_pubkey FROM users u
		JOIN group_members m ON m.member_id = u.user_id AND m.group_id = ?
		WHERE u.seal_pubkey != '' AND u.pubkey != ?`, groupID, signPub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var memberPub, memberSeal string
		if err := rows.Scan(&memberPub, &memberSeal); err != nil {
			return nil, err
		}
		sealed, err := sealToHex(memberSeal, key)
		if err != nil {
			n.logger.Warnf("group_key: cannot seal to %s: %v", memberPub, err)
			continue
		}
		sk := commandEnvelope("sealed_key", map[string]any{
			"network_id":       networkID,
			"key_id":           keyID,
			"recipient_pubkey": memberSeal,
			"sealed":           base64.StdEncoding.EncodeToString(sealed),
			"created_at_ms":    now,
			"deps":             []any{Placeholder("group_key", 0)},
		})
		sk.SignWith = identityID
		sk.SignerPubkey = signPub
		sk.IsOutgoing = true
		sk.Recipient = memberPub
		envs = append(envs, sk)
	}
	return envs, rows.Err()
}

func validateGroupKey(q Queryer, ev *Event) ValidateResult {
	if len(ev.Str("key_id")) != 64 {
		return Invalid("group_key requires a key id")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

// projectGroupKey records the announcement; the key column stays NULL until
// a sealed copy addressed to a local identity lands.
func projectGroupKey(n *Node, tx *sql.Tx, ev *Event) error {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO group_keys
		(key_id, group_id, network_id, key, event_id, created_at_ms)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		ev.Str("key_id"), ev.Str("group_id"), ev.NetworkID, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	// the announcement may land after the issuer's local insert or after a
	// sealed copy that did not know the group yet
	if _, err := tx.Exec(`UPDATE group_keys SET event_id = ? WHERE key_id = ? AND event_id = ''`,
		ev.ID, ev.Str("key_id")); err != nil {
		return err
	}
	_, err := tx.Exec(`UPDATE group_keys SET group_id = ? WHERE key_id = ? AND group_id = ''`,
		ev.Str("group_id"), ev.Str("key_id"))
	return err
}

func unlocksGroupKey(ev *Event) []string {
	return []string{ev.Str("key_id")}
}

//---------------------------------------------------------------------
// sealed_key
//---------------------------------------------------------------------

func sealedKeyType() *EventType {
	return &EventType{
		Name:  "sealed_key",
		Table: "sealed_keys",
		Schema: `
CREATE TABLE IF NOT EXISTS sealed_keys (
    sealed_id        TEXT PRIMARY KEY,
    network_id       TEXT NOT NULL,
    key_id           TEXT NOT NULL,
    recipient_pubkey TEXT NOT NULL,
    sealed_blob      BLOB NOT NULL,
    event_id         TEXT NOT NULL,
    created_at_ms    INTEGER NOT NULL
);`,
		Validate: validateSealedKey,
		Project:  projectSealedKey,
		Unlocks:  unlocksGroupKey,
	}
}

func validateSealedKey(q Queryer, ev *Event) ValidateResult {
	if ev.Str("key_id") == "" || ev.Str("sealed") == "" {
		return Invalid("sealed_key requires key_id and sealed blob")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

// projectSealedKey stores the sealed copy and, when it is addressed to a
// local identity, opens it and fills the group key.
func projectSealedKey(n *Node, tx *sql.Tx, ev *Event) error {
	sealed, err := base64.StdEncoding.DecodeString(ev.Str("sealed"))
	if err != nil {
		return fmt.Errorf("sealed_key blob: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO sealed_keys
		(sealed_id, network_id, key_id, recipient_pubkey, sealed_blob, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("key_id"), ev.Str("recipient_pubkey"), sealed,
		ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}

	var priv []byte
	err = tx.QueryRow(`SELECT k.seal_privkey FROM identities i
		JOIN identity_keys k ON k.identity_id = i.identity_id
		WHERE i.seal_pubkey = ?`, ev.Str("recipient_pubkey")).Scan(&priv)
	if err == sql.ErrNoRows {
		return nil // not addressed to us
	}
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(ev.Str("recipient_pubkey"))
	if err != nil || len(pub) != SealKeySize || len(priv) != SealKeySize {
		return nil
	}
	var pubArr, privArr [SealKeySize]byte
	copy(pubArr[:], pub)
	copy(privArr[:], priv)
	key, err := OpenSealed(&pubArr, &privArr, sealed)
	if err != nil {
		n.logger.Warnf("sealed_key %s: cannot open: %v", ev.ID, err)
		return nil
	}
	if _, err := tx.Exec(`INSERT INTO group_keys
		(key_id, group_id, network_id, key, event_id, created_at_ms)
		VALUES (?, '', ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET key = excluded.key WHERE key IS NULL`,
		ev.Str("key_id"), ev.NetworkID, key, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	return nil
}

//---------------------------------------------------------------------
// transit_secret
//---------------------------------------------------------------------

func transitSecretType() *EventType {
	return &EventType{
		Name:        "transit_secret",
		CommandName: "establish_transit",
		Command:     cmdEstablishTransit,
		Validate:    validateTransitSecret,
		Project:     projectTransitSecret,
		Reflect:     reflectTransitSecret,
	}
}

// cmdEstablishTransit mints a pairwise transit key and seals it to the peer.
// The secret sits in the pending cache until the peer's transit_ack comes
// back; only then does the issuer install and start wrapping with it.
func cmdEstablishTransit(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	peerPubkey, err := reqStr(params, "peer_pubkey")
	if err != nil {
		return nil, err
	}
	sealPub, err := sealPubkeyFor(tx, networkID, peerPubkey)
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	sum := HashID(secret)
	keyID := hex.EncodeToString(sum[:])
	sealed, err := sealToHex(sealPub, secret)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	n.cacheTransitSecret(requestID, secret, peerPubkey)

	env := commandEnvelope("transit_secret", map[string]any{
		"network_id":    networkID,
		"peer_pubkey":   peerPubkey,
		"key_id":        keyID,
		"sealed":        base64.StdEncoding.EncodeToString(sealed),
		"request_id":    requestID,
		"created_at_ms": n.nowMS(),
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	env.Recipient = peerPubkey
	env.SealTo = sealPub
	return []*Envelope{env}, nil
}

func validateTransitSecret(q Queryer, ev *Event) ValidateResult {
	if ev.Str("key_id") == "" || ev.Str("sealed") == "" {
		return Invalid("transit_secret requires key_id and sealed blob")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

// projectTransitSecret installs the pairwise key when the sealed secret is
// addressed to a local identity.
func projectTransitSecret(n *Node, tx *sql.Tx, ev *Event) error {
	sealed, err := base64.StdEncoding.DecodeString(ev.Str("sealed"))
	if err != nil {
		return fmt.Errorf("transit_secret blob: %w", err)
	}
	secret, ok, err := openSealedWithLocalIdentity(tx, sealed)
	if err != nil || !ok {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO transit_keys
		(key_id, secret, peer_pubkey, created_at_ms) VALUES (?, ?, ?, ?)`,
		ev.Str("key_id"), secret, ev.Signer, ev.CreatedAtMS)
	return err
}

// reflectTransitSecret acknowledges an installed key back to the issuer. The
// projector has already run, so an installed key_id means the sealed secret
// was addressed to this store.
func reflectTransitSecret(n *Node, q Queryer, ev *Event) ([]*Envelope, error) {
	var one int
	err := q.QueryRow(`SELECT 1 FROM transit_keys WHERE key_id = ?`, ev.Str("key_id")).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, nil // not addressed to us, nothing to confirm
	}
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(q, ev.NetworkID)
	if err != nil {
		return nil, nil
	}
	ack := commandEnvelope("transit_ack", map[string]any{
		"network_id":    ev.NetworkID,
		"request_id":    ev.Str("request_id"),
		"key_id":        ev.Str("key_id"),
		"created_at_ms": n.nowMS(),
	})
	ack.SignWith = identityID
	ack.SignerPubkey = signPub
	ack.IsOutgoing = true
	ack.Recipient = ev.Signer
	ack.InResponseTo = ev.Str("request_id")
	return []*Envelope{ack}, nil
}

//---------------------------------------------------------------------
// transit_ack
//---------------------------------------------------------------------

// transitAckType confirms a transit_secret handshake. Ephemeral: the ack is
// a signal, not history — its projector consumes the issuer's pending
// secret and installs the pairwise key.
func transitAckType() *EventType {
	return &EventType{
		Name:      "transit_ack",
		Ephemeral: true,
		Validate:  validateTransitAck,
		Project:   projectTransitAck,
	}
}

func validateTransitAck(q Queryer, ev *Event) ValidateResult {
	if ev.Str("request_id") == "" || ev.Str("key_id") == "" {
		return Invalid("transit_ack requires request_id and key_id")
	}
	known, err := signerKnown(q, ev.NetworkID, ev.Signer)
	if err != nil {
		return Invalid("signer check: " + err.Error())
	}
	if !known {
		return Invalid("transit_ack from unknown signer")
	}
	return Valid()
}

// projectTransitAck completes the issuer side: the pending secret leaves the
// TTL cache and becomes the installed pairwise key. A replayed or foreign
// ack finds no pending entry and is a no-op, so replicas stay unaffected.
func projectTransitAck(n *Node, tx *sql.Tx, ev *Event) error {
	secret, peer, ok := n.takeTransitSecret(ev.Str("request_id"))
	if !ok {
		return nil // expired, replayed, or not ours
	}
	sum := HashID(secret)
	if keyID := hex.EncodeToString(sum[:]); keyID != ev.Str("key_id") {
		n.logger.Warnf("transit_ack %s: key id mismatch, discarding", ev.Str("request_id"))
		return nil
	}
	if peer != ev.Signer {
		n.logger.Warnf("transit_ack %s: acked by %s, issued to %s", ev.Str("request_id"), ev.Signer, peer)
		return nil
	}
	_, err := tx.Exec(`INSERT OR REPLACE INTO transit_keys
		(key_id, secret, peer_pubkey, created_at_ms) VALUES (?, ?, ?, ?)`,
		ev.Str("key_id"), secret, peer, n.nowMS())
	return err
}

//---------------------------------------------------------------------
// address
//---------------------------------------------------------------------

func addressType() *EventType {
	return &EventType{
		Name:        "address",
		CommandName: "announce_address",
		Table:       "addresses",
		Schema: `
CREATE TABLE IF NOT EXISTS addresses (
    peer_pubkey   TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    ip            TEXT NOT NULL,
    port          INTEGER NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdAnnounceAddress,
		Validate: validateAddress,
		Project:  projectAddress,
	}
}

func cmdAnnounceAddress(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	ip, err := reqStr(params, "ip")
	if err != nil {
		return nil, err
	}
	port, _ := params["port"].(float64)
	if port == 0 {
		if p, ok := params["port"].(int); ok {
			port = float64(p)
		}
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("bad port %v", params["port"])
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("address", map[string]any{
		"network_id":    networkID,
		"ip":            ip,
		"port":          port,
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

func validateAddress(q Queryer, ev *Event) ValidateResult {
	if ev.Str("ip") == "" || ev.Int("port") <= 0 {
		return Invalid("address requires ip and port")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

// projectAddress applies last-writer-wins per peer: the larger
// (created_at_ms, event_id) pair survives, so every replica converges on
// the same row regardless of delivery order.
func projectAddress(n *Node, tx *sql.Tx, ev *Event) error {
	var curTS int64
	var curID string
	err := tx.QueryRow(`SELECT created_at_ms, event_id FROM addresses WHERE peer_pubkey = ?`,
		ev.Signer).Scan(&curTS, &curID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if curTS > ev.CreatedAtMS || (curTS == ev.CreatedAtMS && curID >= ev.ID) {
			return nil
		}
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO addresses
		(peer_pubkey, network_id, ip, port, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Signer, ev.NetworkID, ev.Str("ip"), ev.Int("port"), ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// helpers
//---------------------------------------------------------------------

// sealToHex box-seals msg to a hex-encoded X25519 public key.
func sealToHex(pubHex string, msg []byte) ([]byte, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != SealKeySize {
		return nil, fmt.Errorf("bad sealing key %q", pubHex)
	}
	var pubArr [SealKeySize]byte
	copy(pubArr[:], pub)
	return SealTo(&pubArr, msg)
}
