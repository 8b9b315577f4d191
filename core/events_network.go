package core

// events_network.go – the bootstrap event types: network, identity and peer.
//
// A network event is self-certifying: its id becomes the network id and its
// signer becomes the creator. Identity events never leave the process; they
// carry only public keys, the private halves go straight into identity_keys.

import (
	"database/sql"
	"fmt"
)

func networkEventTypes() []*EventType {
	return []*EventType{networkType(), identityType(), peerType(), removePeerType()}
}

//---------------------------------------------------------------------
// network
//---------------------------------------------------------------------

func networkType() *EventType {
	return &EventType{
		Name:        "network",
		CommandName: "create_network",
		Table:       "networks",
		Schema: `
CREATE TABLE IF NOT EXISTS networks (
    network_id          TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    creator_pubkey      TEXT NOT NULL,
    creator_seal_pubkey TEXT NOT NULL DEFAULT '',
    event_id            TEXT NOT NULL,
    created_at_ms       INTEGER NOT NULL
);`,
		Command:  cmdCreateNetwork,
		Validate: validateNetwork,
		Project:  projectNetwork,
	}
}

// cmdCreateNetwork builds a network plus the creator's local identity. The
// network event is signed with the fresh identity keys; the identity event
// back-references the generated network id.
func cmdCreateNetwork(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	name, err := reqStr(params, "name")
	if err != nil {
		return nil, err
	}
	username := optStr(params, "username", "owner")

	signPub, signPriv, err := GenerateSignKeypair()
	if err != nil {
		return nil, err
	}
	sealPub, sealPriv, err := GenerateSealKeypair()
	if err != nil {
		return nil, err
	}
	now := n.nowMS()

	network := commandEnvelope("network", map[string]any{
		"name":                name,
		"username":            username,
		"creator_pubkey":      hexKey(signPub),
		"creator_seal_pubkey": hexKey(sealPub[:]),
		"created_at_ms":       now,
	})
	network.SignerPubkey = hexKey(signPub)
	network.signPriv = signPriv

	identity := commandEnvelope("identity", map[string]any{
		"name":          username,
		"network_id":    Placeholder("network", 0),
		"sign_pubkey":   hexKey(signPub),
		"seal_pubkey":   hexKey(sealPub[:]),
		"created_at_ms": now,
	})
	identity.SignerPubkey = hexKey(signPub)
	identity.signPriv = signPriv
	identity.sealPriv = sealPriv

	return []*Envelope{network, identity}, nil
}

func validateNetwork(q Queryer, ev *Event) ValidateResult {
	if ev.Str("name") == "" {
		return Invalid("network requires a name")
	}
	if ev.Str("creator_pubkey") != ev.Signer {
		return Invalid("network creator must sign the network event")
	}
	return Valid()
}

// projectNetwork materializes the network, its default group and the
// creator's user row in one pass.
func projectNetwork(n *Node, tx *sql.Tx, ev *Event) error {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO networks
		(network_id, name, creator_pubkey, creator_seal_pubkey, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Str("name"), ev.Str("creator_pubkey"), ev.Str("creator_seal_pubkey"),
		ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO groups
		(group_id, network_id, name, creator_id, event_id, created_at_ms)
		VALUES (?, ?, 'main', ?, ?, ?)`,
		ev.ID, ev.ID, ev.ID, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO users
		(user_id, network_id, name, pubkey, seal_pubkey, invite_pubkey, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		ev.ID, ev.ID, ev.Str("username"), ev.Str("creator_pubkey"),
		ev.Str("creator_seal_pubkey"), ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// identity (local-only)
//---------------------------------------------------------------------

func identityType() *EventType {
	return &EventType{
		Name:        "identity",
		CommandName: "create_identity",
		Table:       "identities",
		LocalOnly:   true,
		Schema: `
CREATE TABLE IF NOT EXISTS identities (
    identity_id   TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    sign_pubkey   TEXT NOT NULL,
    seal_pubkey   TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdCreateIdentity,
		Validate: validateIdentity,
		Project:  projectIdentity,
	}
}

func cmdCreateIdentity(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	name, err := reqStr(params, "name")
	if err != nil {
		return nil, err
	}
	networkID := optStr(params, "network_id", "")

	signPub, signPriv, err := GenerateSignKeypair()
	if err != nil {
		return nil, err
	}
	sealPub, sealPriv, err := GenerateSealKeypair()
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("identity", map[string]any{
		"name":          name,
		"network_id":    networkID,
		"sign_pubkey":   hexKey(signPub),
		"seal_pubkey":   hexKey(sealPub[:]),
		"created_at_ms": n.nowMS(),
	})
	env.SignerPubkey = hexKey(signPub)
	env.signPriv = signPriv
	env.sealPriv = sealPriv
	return []*Envelope{env}, nil
}

func validateIdentity(q Queryer, ev *Event) ValidateResult {
	if ev.Str("sign_pubkey") != ev.Signer {
		return Invalid("identity must be self-signed")
	}
	if len(ev.Str("seal_pubkey")) != SealKeySize*2 {
		return Invalid("identity requires a sealing key")
	}
	return Valid()
}

func projectIdentity(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO identities
		(identity_id, network_id, name, sign_pubkey, seal_pubkey, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("name"), ev.Str("sign_pubkey"), ev.Str("seal_pubkey"),
		ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// peer
//---------------------------------------------------------------------

func peerType() *EventType {
	return &EventType{
		Name:        "peer",
		CommandName: "register_peer",
		Table:       "peers",
		Schema: `
CREATE TABLE IF NOT EXISTS peers (
    peer_id       TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    pubkey        TEXT NOT NULL,
    seal_pubkey   TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdRegisterPeer,
		Validate: validatePeer,
		Project:  projectPeer,
	}
}

// cmdRegisterPeer announces a device keypair under the caller's user.
func cmdRegisterPeer(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	userID := userIDForPubkey(tx, networkID, signPub)
	if userID == "" {
		return nil, fmt.Errorf("no user for identity %s", identityID)
	}
	var sealPub string
	if err := tx.QueryRow(`SELECT seal_pubkey FROM identities WHERE identity_id = ?`,
		identityID).Scan(&sealPub); err != nil {
		return nil, err
	}
	env := commandEnvelope("peer", map[string]any{
		"network_id":    networkID,
		"user_id":       userID,
		"pubkey":        signPub,
		"seal_pubkey":   sealPub,
		"name":          optStr(params, "name", ""),
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID, userID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

func validatePeer(q Queryer, ev *Event) ValidateResult {
	if ev.Str("pubkey") != ev.Signer {
		return Invalid("peer must be announced by its own key")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectPeer(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO peers
		(peer_id, network_id, user_id, pubkey, seal_pubkey, name, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("user_id"), ev.Str("pubkey"), ev.Str("seal_pubkey"),
		ev.Str("name"), ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// remove_peer
//---------------------------------------------------------------------

func removePeerType() *EventType {
	return &EventType{
		Name:        "remove_peer",
		CommandName: "remove_peer",
		Table:       "removed_peers",
		Schema: `
CREATE TABLE IF NOT EXISTS removed_peers (
    peer_pubkey   TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    removed_by    TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    PRIMARY KEY (network_id, peer_pubkey)
);`,
		Command:  cmdRemovePeer,
		Validate: validateRemovePeer,
		Project:  projectRemovePeer,
	}
}

func cmdRemovePeer(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	target, err := reqStr(params, "peer_pubkey")
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("remove_peer", map[string]any{
		"network_id":    networkID,
		"peer_pubkey":   target,
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

// validateRemovePeer restricts removal to the network creator.
func validateRemovePeer(q Queryer, ev *Event) ValidateResult {
	var creator string
	err := q.QueryRow(`SELECT creator_pubkey FROM networks WHERE network_id = ?`,
		ev.NetworkID).Scan(&creator)
	if err == sql.ErrNoRows {
		return Block(ReasonMissingDep, ev.NetworkID)
	}
	if err != nil {
		return Invalid("creator lookup: " + err.Error())
	}
	if creator != ev.Signer {
		return Invalid("only the network creator removes peers")
	}
	return Valid()
}

// projectRemovePeer tombstones the signer and retroactively drops every
// projected row authored by it.
func projectRemovePeer(n *Node, tx *sql.Tx, ev *Event) error {
	target := ev.Str("peer_pubkey")
	if _, err := tx.Exec(`INSERT OR IGNORE INTO removed_peers
		(peer_pubkey, network_id, removed_by, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		target, ev.NetworkID, ev.Signer, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	return dropRowsBySigner(tx, ev.NetworkID, target)
}

// dropRowsBySigner is the re-projection pass: it deletes rows in every
// projection table whose originating event was signed by the removed key.
func dropRowsBySigner(tx *sql.Tx, networkID, signer string) error {
	for _, et := range eventTypes() {
		if et.Table == "" || et.Table == "removed_peers" || et.Table == "identities" {
			continue
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE event_id IN
			(SELECT event_id FROM events WHERE network_id = ? AND signer = ?)`, et.Table)
		if _, err := tx.Exec(q, networkID, signer); err != nil {
			return err
		}
	}
	return nil
}
