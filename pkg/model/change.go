package model

import (
	"encoding/json"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Relation names carried on the change feed.
const (
	RelationConversations = "conversations"
	RelationMessages      = "messages"
	RelationReactions     = "message_reactions"
	RelationReceipts      = "message_receipts"
	RelationTyping        = "typing_indicators"
	RelationNotifications = "notifications"
	RelationPresence      = "presence"
)

// Row is a loosely typed record as it travels on the change feed. Fields may
// be absent, most often on deletes where only the key survives.
type Row map[string]any

// Change is one row-level change notification.
type Change struct {
	EventType       ChangeType `json:"eventType"`
	Table           string     `json:"table"`
	Old             Row        `json:"old,omitempty"`
	New             Row        `json:"new,omitempty"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}

// Record returns the row most representative of the change: new for inserts
// and updates, old for deletes, falling back to whichever is present.
func (c *Change) Record() Row {
	if c.EventType == ChangeDelete && c.Old != nil {
		return c.Old
	}
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// Matches reports whether the change's record satisfies the equality
// predicate column = value. An empty column matches everything.
func (c *Change) Matches(column, value string) bool {
	if column == "" {
		return true
	}
	for _, row := range []Row{c.New, c.Old} {
		if row == nil {
			continue
		}
		if v, ok := row[column].(string); ok && v == value {
			return true
		}
	}
	return false
}

// ToRow flattens a record struct into its wire Row using its json tags.
func ToRow(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Decode fills v from the row using the same json tags ToRow used.
func (r Row) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
