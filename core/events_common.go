package core

// events_common.go – helpers shared by the event type implementations.

import (
	"database/sql"
	"encoding/hex"
	"fmt"
)

// commandEnvelope builds the skeleton envelope a command emits.
func commandEnvelope(eventType string, payload map[string]any) *Envelope {
	return &Envelope{
		Origin:         OriginCommand,
		EventType:      eventType,
		EventPlaintext: payload,
	}
}

// reqStr pulls a required string parameter.
func reqStr(params map[string]any, key string) (string, error) {
	s, _ := params[key].(string)
	if s == "" {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	return s, nil
}

// optStr pulls an optional string parameter.
func optStr(params map[string]any, key, fallback string) string {
	if s, _ := params[key].(string); s != "" {
		return s
	}
	return fallback
}

//---------------------------------------------------------------------
// Signer resolution
//---------------------------------------------------------------------

// localIdentity picks the signing identity for a network. Commands fail fast
// when none exists; the front-end creates one first.
func localIdentity(q Queryer, networkID string) (id, signPub string, err error) {
	err = q.QueryRow(`SELECT identity_id, sign_pubkey FROM identities
		WHERE network_id = ? ORDER BY created_at_ms LIMIT 1`, networkID).Scan(&id, &signPub)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("no identity for network %s", networkID)
	}
	return id, signPub, err
}

// signerKnown reports whether a signer pubkey is an accepted author in the
// network: the network creator, a joined user, an invite key, a registered
// peer device, or any local identity's signing key.
func signerKnown(q Queryer, networkID, signer string) (bool, error) {
	var one int
	err := q.QueryRow(`
		SELECT 1 WHERE EXISTS (SELECT 1 FROM networks WHERE network_id = ? AND creator_pubkey = ?)
		   OR EXISTS (SELECT 1 FROM users    WHERE network_id = ? AND pubkey = ?)
		   OR EXISTS (SELECT 1 FROM users    WHERE network_id = ? AND invite_pubkey = ?)
		   OR EXISTS (SELECT 1 FROM invites  WHERE network_id = ? AND invite_pubkey = ?)
		   OR EXISTS (SELECT 1 FROM peers    WHERE network_id = ? AND pubkey = ?)
		   OR EXISTS (SELECT 1 FROM identities WHERE sign_pubkey = ?)`,
		networkID, signer, networkID, signer, networkID, signer,
		networkID, signer, networkID, signer, signer).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// signerRemoved reports whether the signer has been tombstoned.
func signerRemoved(q Queryer, networkID, signer string) (bool, error) {
	var one int
	err := q.QueryRow(`SELECT 1 FROM removed_peers WHERE network_id = ? AND peer_pubkey = ?`,
		networkID, signer).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// requireSigner applies the uniform signer rules: removed signers are
// invalid, unknown signers park the event until membership catches up.
func requireSigner(q Queryer, ev *Event) *ValidateResult {
	removed, err := signerRemoved(q, ev.NetworkID, ev.Signer)
	if err != nil {
		res := Invalid("signer check: " + err.Error())
		return &res
	}
	if removed {
		res := Invalid("signer removed from network")
		return &res
	}
	known, err := signerKnown(q, ev.NetworkID, ev.Signer)
	if err != nil {
		res := Invalid("signer check: " + err.Error())
		return &res
	}
	if !known {
		res := Block(ReasonUnknownSigner, ev.Signer)
		return &res
	}
	return nil
}

// userIDForPubkey resolves a signer pubkey to a user id, "" when absent.
func userIDForPubkey(q Queryer, networkID, pubkey string) string {
	var id string
	err := q.QueryRow(`SELECT user_id FROM users
		WHERE network_id = ? AND (pubkey = ? OR invite_pubkey = ?)`,
		networkID, pubkey, pubkey).Scan(&id)
	if err != nil {
		return ""
	}
	return id
}

// sealPubkeyFor finds the sealing key registered for a signer pubkey.
func sealPubkeyFor(q Queryer, networkID, pubkey string) (string, error) {
	var seal string
	err := q.QueryRow(`
		SELECT seal_pubkey FROM users WHERE network_id = ? AND (pubkey = ? OR invite_pubkey = ?)
		UNION
		SELECT seal_pubkey FROM peers WHERE network_id = ? AND pubkey = ?
		UNION
		SELECT creator_seal_pubkey FROM networks WHERE network_id = ? AND creator_pubkey = ?`,
		networkID, pubkey, pubkey, networkID, pubkey, networkID, pubkey).Scan(&seal)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no sealing key for %s", pubkey)
	}
	return seal, err
}

// openSealedWithLocalIdentity tries each local identity's sealing keypair
// against a sealed blob. Returns ok=false when no identity can open it.
func openSealedWithLocalIdentity(q Queryer, sealed []byte) ([]byte, bool, error) {
	rows, err := q.Query(`SELECT i.seal_pubkey, k.seal_privkey FROM identities i
		JOIN identity_keys k ON k.identity_id = i.identity_id`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var pubHex string
		var priv []byte
		if err := rows.Scan(&pubHex, &priv); err != nil {
			return nil, false, err
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil || len(pub) != SealKeySize || len(priv) != SealKeySize {
			continue
		}
		var pubArr, privArr [SealKeySize]byte
		copy(pubArr[:], pub)
		copy(privArr[:], priv)
		if plain, err := OpenSealed(&pubArr, &privArr, sealed); err == nil {
			return plain, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// hexKey renders key bytes for storage.
func hexKey(b []byte) string { return hex.EncodeToString(b) }
