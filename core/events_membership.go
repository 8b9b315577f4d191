package core

// events_membership.go – user, group and group_member.

import (
	"database/sql"
	"fmt"
)

func membershipEventTypes() []*EventType {
	return []*EventType{userType(), groupType(), groupMemberType()}
}

//---------------------------------------------------------------------
// user
//---------------------------------------------------------------------

func userType() *EventType {
	return &EventType{
		Name:        "user",
		CommandName: "join_as_user",
		Table:       "users",
		Schema: `
CREATE TABLE IF NOT EXISTS users (
    user_id       TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    pubkey        TEXT NOT NULL,
    seal_pubkey   TEXT NOT NULL DEFAULT '',
    invite_pubkey TEXT NOT NULL DEFAULT '',
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_pubkey ON users(network_id, pubkey);`,
		Command:  cmdJoinAsUser,
		Validate: validateUser,
		Project:  projectUser,
		Unlocks:  unlocksUser,
	}
}

// cmdJoinAsUser redeems an invite link. The user event is signed with the
// keypair derived from the invite secret, proving possession; the member's
// own keys travel in the payload.
func cmdJoinAsUser(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	code, err := reqStr(params, "invite_code")
	if err != nil {
		return nil, err
	}
	name, err := reqStr(params, "name")
	if err != nil {
		return nil, err
	}
	link, err := DecodeInviteLink(code)
	if err != nil {
		return nil, err
	}
	invitePub, invitePriv, err := DeriveInviteKeypair(link.Secret, []byte(link.NetworkID))
	if err != nil {
		return nil, err
	}

	signPub, signPriv, err := GenerateSignKeypair()
	if err != nil {
		return nil, err
	}
	sealPub, sealPriv, err := GenerateSealKeypair()
	if err != nil {
		return nil, err
	}
	now := n.nowMS()

	user := commandEnvelope("user", map[string]any{
		"network_id":    link.NetworkID,
		"group_id":      link.GroupID,
		"name":          name,
		"pubkey":        hexKey(signPub),
		"seal_pubkey":   hexKey(sealPub[:]),
		"created_at_ms": now,
		"deps":          []any{link.NetworkID},
	})
	user.SignerPubkey = hexKey(invitePub)
	user.signPriv = invitePriv
	user.IsOutgoing = true

	identity := commandEnvelope("identity", map[string]any{
		"name":          name,
		"network_id":    link.NetworkID,
		"sign_pubkey":   hexKey(signPub),
		"seal_pubkey":   hexKey(sealPub[:]),
		"created_at_ms": now,
	})
	identity.SignerPubkey = hexKey(signPub)
	identity.signPriv = signPriv
	identity.sealPriv = sealPriv

	return []*Envelope{user, identity}, nil
}

// validateUser accepts users countersigned by a known invite key or created
// by the network creator.
func validateUser(q Queryer, ev *Event) ValidateResult {
	if ev.Str("pubkey") == "" || ev.Str("name") == "" {
		return Invalid("user requires a name and a pubkey")
	}
	var creator string
	if err := q.QueryRow(`SELECT creator_pubkey FROM networks WHERE network_id = ?`,
		ev.NetworkID).Scan(&creator); err == nil && creator == ev.Signer {
		return Valid()
	}
	var one int
	err := q.QueryRow(`SELECT 1 FROM invites WHERE network_id = ? AND invite_pubkey = ?`,
		ev.NetworkID, ev.Signer).Scan(&one)
	if err == sql.ErrNoRows {
		return Block(ReasonUnknownSigner, ev.Signer)
	}
	if err != nil {
		return Invalid("invite lookup: " + err.Error())
	}
	return Valid()
}

func projectUser(n *Node, tx *sql.Tx, ev *Event) error {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO users
		(user_id, network_id, name, pubkey, seal_pubkey, invite_pubkey, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("name"), ev.Str("pubkey"), ev.Str("seal_pubkey"),
		ev.Signer, ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	// invited users join their invite's group immediately
	if gid := ev.Str("group_id"); gid != "" {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO group_members
			(group_id, member_id, network_id, added_by, event_id, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			gid, ev.ID, ev.NetworkID, ev.Signer, ev.ID, ev.CreatedAtMS); err != nil {
			return err
		}
	}
	return nil
}

// unlocksUser frees envelopes parked on the member's own signing key.
func unlocksUser(ev *Event) []string {
	return []string{ev.Str("pubkey")}
}

//---------------------------------------------------------------------
// group
//---------------------------------------------------------------------

func groupType() *EventType {
	return &EventType{
		Name:        "group",
		CommandName: "create_group",
		Table:       "groups",
		Schema: `
CREATE TABLE IF NOT EXISTS groups (
    group_id      TEXT PRIMARY KEY,
    network_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    creator_id    TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdCreateGroup,
		Validate: validateGroup,
		Project:  projectGroup,
	}
}

func cmdCreateGroup(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	networkID, err := reqStr(params, "network_id")
	if err != nil {
		return nil, err
	}
	name, err := reqStr(params, "name")
	if err != nil {
		return nil, err
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	creatorID := userIDForPubkey(tx, networkID, signPub)
	if creatorID == "" {
		return nil, fmt.Errorf("identity %s has no user in network", identityID)
	}
	env := commandEnvelope("group", map[string]any{
		"network_id":    networkID,
		"name":          name,
		"creator_id":    creatorID,
		"created_at_ms": n.nowMS(),
		"deps":          []any{networkID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

// validateGroup enforces that the named creator is the signer's own user.
func validateGroup(q Queryer, ev *Event) ValidateResult {
	if ev.Str("name") == "" {
		return Invalid("group requires a name")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	if uid := userIDForPubkey(q, ev.NetworkID, ev.Signer); uid != "" && uid != ev.Str("creator_id") {
		return Invalid("group creator_id does not match signer")
	}
	return Valid()
}

func projectGroup(n *Node, tx *sql.Tx, ev *Event) error {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO groups
		(group_id, network_id, name, creator_id, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.NetworkID, ev.Str("name"), ev.Str("creator_id"), ev.ID, ev.CreatedAtMS); err != nil {
		return err
	}
	// the creator is a member from the start
	_, err := tx.Exec(`INSERT OR IGNORE INTO group_members
		(group_id, member_id, network_id, added_by, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Str("creator_id"), ev.NetworkID, ev.Signer, ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// group_member
//---------------------------------------------------------------------

func groupMemberType() *EventType {
	return &EventType{
		Name:        "group_member",
		CommandName: "add_group_member",
		Table:       "group_members",
		Schema: `
CREATE TABLE IF NOT EXISTS group_members (
    group_id      TEXT NOT NULL,
    member_id     TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    added_by      TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    PRIMARY KEY (group_id, member_id)
);`,
		Command:  cmdAddGroupMember,
		Validate: validateGroupMember,
		Project:  projectGroupMember,
	}
}

func cmdAddGroupMember(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	groupID, err := reqStr(params, "group_id")
	if err != nil {
		return nil, err
	}
	userID, err := reqStr(params, "user_id")
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
	env := commandEnvelope("group_member", map[string]any{
		"network_id":    networkID,
		"group_id":      groupID,
		"user_id":       userID,
		"created_at_ms": n.nowMS(),
		"deps":          []any{groupID, userID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

func validateGroupMember(q Queryer, ev *Event) ValidateResult {
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectGroupMember(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO group_members
		(group_id, member_id, network_id, added_by, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Str("group_id"), ev.Str("user_id"), ev.NetworkID, ev.Signer, ev.ID, ev.CreatedAtMS)
	return err
}
