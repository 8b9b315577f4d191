package core

// events_content.go – channels and messages.

import (
	"database/sql"
	"fmt"
)

func contentEventTypes() []*EventType {
	return []*EventType{channelType(), messageType()}
}

//---------------------------------------------------------------------
// channel
//---------------------------------------------------------------------

func channelType() *EventType {
	return &EventType{
		Name:        "channel",
		CommandName: "create_channel",
		Table:       "channels",
		Schema: `
CREATE TABLE IF NOT EXISTS channels (
    channel_id    TEXT PRIMARY KEY,
    group_id      TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    creator       TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);`,
		Command:  cmdCreateChannel,
		Validate: validateChannel,
		Project:  projectChannel,
	}
}

func cmdCreateChannel(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	groupID, err := reqStr(params, "group_id")
	if err != nil {
		return nil, err
	}
	name, err := reqStr(params, "name")
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
	env := commandEnvelope("channel", map[string]any{
		"network_id":    networkID,
		"group_id":      groupID,
		"name":          name,
		"created_at_ms": n.nowMS(),
		"deps":          []any{groupID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true
	return []*Envelope{env}, nil
}

func validateChannel(q Queryer, ev *Event) ValidateResult {
	if ev.Str("name") == "" {
		return Invalid("channel requires a name")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectChannel(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO channels
		(channel_id, group_id, network_id, name, creator, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Str("group_id"), ev.NetworkID, ev.Str("name"), ev.Signer, ev.ID, ev.CreatedAtMS)
	return err
}

//---------------------------------------------------------------------
// message
//---------------------------------------------------------------------

func messageType() *EventType {
	return &EventType{
		Name:        "message",
		CommandName: "create_message",
		Table:       "messages",
		Schema: `
CREATE TABLE IF NOT EXISTS messages (
    message_id    TEXT PRIMARY KEY,
    channel_id    TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    sender        TEXT NOT NULL,
    text          TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at_ms);`,
		Command:  cmdCreateMessage,
		Validate: validateMessage,
		Project:  projectMessage,
	}
}

// cmdCreateMessage posts into a channel. When the channel's group has a
// distributed key, outgoing copies are encrypted under it.
func cmdCreateMessage(n *Node, tx *sql.Tx, params map[string]any) ([]*Envelope, error) {
	channelID, err := reqStr(params, "channel_id")
	if err != nil {
		return nil, err
	}
	text, err := reqStr(params, "text")
	if err != nil {
		return nil, err
	}
	var networkID, groupID string
	if err := tx.QueryRow(`SELECT network_id, group_id FROM channels WHERE channel_id = ?`,
		channelID).Scan(&networkID, &groupID); err != nil {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	identityID, signPub, err := localIdentity(tx, networkID)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope("message", map[string]any{
		"network_id":    networkID,
		"channel_id":    channelID,
		"text":          text,
		"created_at_ms": n.nowMS(),
		"deps":          []any{channelID},
	})
	env.SignWith = identityID
	env.SignerPubkey = signPub
	env.IsOutgoing = true

	// prefer the group's newest distributed key for the wire copy
	var keyID string
	err = tx.QueryRow(`SELECT key_id FROM group_keys
		WHERE group_id = ? AND key IS NOT NULL
		ORDER BY created_at_ms DESC LIMIT 1`, groupID).Scan(&keyID)
	if err == nil {
		env.GroupKeyID = keyID
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	return []*Envelope{env}, nil
}

func validateMessage(q Queryer, ev *Event) ValidateResult {
	if ev.Str("text") == "" {
		return Invalid("message requires text")
	}
	if res := requireSigner(q, ev); res != nil {
		return *res
	}
	return Valid()
}

func projectMessage(n *Node, tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO messages
		(message_id, channel_id, network_id, sender, text, event_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Str("channel_id"), ev.NetworkID, ev.Signer, ev.Str("text"), ev.ID, ev.CreatedAtMS)
	return err
}
