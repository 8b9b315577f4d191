package core

// events_invite.go – invitations. A link_invite publishes the public half of
// a derived invite keypair; the secret travels out of band inside a
// quiet://invite/ link. A direct invite seals the secret to a known peer.

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

func inviteEventTypes() []*EventType {
	return []*EventType{linkInviteType(), inviteType()}
}

//---------------------------------------------------------------------
// Invite links
//---------------------------------------------------------------------

// inviteLinkPrefix is the URI scheme for out-of-band invite codes.
const inviteLinkPrefix = "quiet://invite/"

// inviteSecretLen is the length of the random invite secret.
const inviteSecretLen = 32

// InviteLink is the decoded form of a quiet://invite/ code.
type InviteLink struct {
	NetworkID string
	GroupID   string
	Secret    []byte
}

// EncodeInviteLink renders network_id ‖ group_id ‖ secret as an invite URI.
func EncodeInviteLink(networkID, groupID string, secret []byte) (string, error) {
	nid, err := hex.DecodeString(networkID)
	if err != nil || len(nid) != IDSize {
		return "", fmt.Errorf("bad network id %q", networkID)
	}
	gid, err := hex.DecodeString(groupID)
	if err != nil || len(gid) != IDSize {
		return "", fmt.Errorf("bad group id %q", groupID)
	}
	raw := make([]byte, 0, IDSize*2+len(secret))
	raw = append(raw, nid...)
	raw = append(raw, gid...)
	raw = append(raw, secret...)
	return inviteLinkPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeInviteLink parses an invite URI back into its parts.
func DecodeInviteLink(code string) (*InviteLink, error) {
	body := strings.TrimPrefix(code, inviteLinkPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode invite link: %w", err)
	}
	if len(raw) <= IDSize*2 {
		return nil, fmt.Errorf("invite link too short")
	}
	return &InviteLink{
		NetworkID: hex.EncodeToString(raw[:IDSize]),
		GroupID:   hex.EncodeToString(raw[IDSize : IDSize*2]),
		Secret:    raw[IDSize*2:],
	}, nil
}

//---------------------------------------------------------------------
// link_invite
//---------------------------------------------------------------------

func linkInviteType() *EventType {
	return &EventType{
		Name:        "link_invite",
		CommandName: "create_invite",
		Table:       "invites",
		Schema: `
CREATE TABLE IF NOT EXISTS invites (
    invite_id     TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    group_id      TEXT NOT NULL,
    invite_pubkey TEXT NOT NULL,
    created_by    TEXT NOT NULL,
    secret        BLOB,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invites_pubkey ON invites(network_id, invite_pubkey);`,
		Command:  cmdCreateInvite,
		Validate: validateLinkInvite,
		Project:  projectLinkInvite,
		Unlocks:  unlocksInvite,
	}
}

// cmdCreateInvite mints an invite secret, publishes its derived pubkey and
// hands the link back through the command result.
func cmdCreateInvite(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
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
	secret := make([]byte, inviteSecretLen)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	invitePub, _, err := DeriveInviteKeypair(secret, []byte(networkID))
	if err != nil {
		return nil, err
	}
	link, err := EncodeInviteLink(networkID, groupID, secret)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("link_invite", map[string]any{
		"network_id":    networkID,
		"group_id":      groupID,
		"invite_pubkey": hexKey(invitePub),
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID, groupID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	env.meta = map[string]any{"invite_link": link}
	return []*Envelope{env}, nil
}

func validateLinkInvite(q Queryer, ev *Event) ValidateResult {
	if len(ev.Str("invite_pubkey")) != 64 {
		return Invalid("invite requires a derived pubkey")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectLinkInvite(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO invites
		(invite_id, network_id, group_id, invite_pubkey, created_by, secret, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("group_id"), ev.Str("invite_pubkey"), ev.Signer,
		ev.ID, ev.CreatedAtMS)
	return err
}

// unlocksInvite frees user events parked on the invite's signing key.
func unlocksInvite(ev *Event) []string {
	return []string{ev.Str("invite_pubkey")}
}

//---------------------------------------------------------------------
// invite (direct, sealed to a peer)
//---------------------------------------------------------------------

func inviteType() *EventType {
	return &EventType{
		Name:        "invite",
		CommandName: "invite_peer",
		Table:       "invites",
		Command:     cmdInvitePeer,
		Validate:    validateLinkInvite,
		Project:     projectDirectInvite,
		Unlocks:     unlocksInvite,
	}
}

// cmdInvitePeer seals an invite secret directly to a peer the caller already
// knows. The secret rides box-sealed inside the payload itself, so the
// stored event and every sync copy reveal it only to the recipient.
func cmdInvitePeer(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	groupID, err := reqStr(params, "group_id")
	if err != nil {
		return nil, err
	}
	peerPubkey, err := reqStr(params, "peer_pubkey")
	if err != nil {
		return nil, err
	}
	var networkID string
	if err := tx.QueryRow(`SELECT network_id FROM groups WHERE group_id = ?`, groupID).Scan(&networkID); err != nil {
		return nil, fmt.Errorf("unknown group %s", groupID)
	}
	sealPub, err := sealPubkeyFor(tx, networkID, peerPubkey)
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, inviteSecretLen)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	invitePub, _, err := DeriveInviteKeypair(secret, []byte(networkID))
	if err != nil {
		return nil, err
	}
	sealed, err := sealToHex(sealPub, secret)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("invite", map[string]any{
		"network_id":    networkID,
		"group_id":      groupID,
		"invite_pubkey": hexKey(invitePub),
		"sealed":        base64.StdEncoding.EncodeToString(sealed),
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID, groupID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	env.Recipient = peerPubkey
	env.SealTo = sealPub
	return []*Envelope{env}, nil
}

// projectDirectInvite records the invite. The secret column fills only when
// a local identity can open the sealed blob; everyone else stores the
// announcement alone.
func projectDirectInvite(n *Node, tx *sql.Tx, ev *Event) error {
	var secret []byte
	if s := ev.Str("sealed"); s != "" {
		sealed, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invite sealed blob: %w", err)
		}
		plain, ok, err := openSealedWithLocalIdentity(tx, sealed)
		if err != nil {
			return err
		}
		if ok {
			secret = plain
		}
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO invites
		(invite_id, network_id, group_id, invite_pubkey, created_by, secret, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("group_id"), ev.Str("invite_pubkey"), ev.Signer,
		secret, ev.ID, ev.CreatedAtMS)
	return err
}
