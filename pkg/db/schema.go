package db

type Table struct {
	Table string
	CQL   string
}

var Schema = []Table{
	{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id text,
			created_at timestamp,
			id text,
			sender_id text,
			sender_name text,
			text text,
			attachments text,
			delivery_state text,
			auto_delete_at timestamp,
			correlation_id text,
			PRIMARY KEY (conversation_id, created_at, id)
		) WITH CLUSTERING ORDER BY (created_at ASC, id ASC)`},
	{"messages_by_id", `
		CREATE TABLE IF NOT EXISTS messages_by_id (
			id text PRIMARY KEY,
			conversation_id text,
			created_at timestamp
		)`},
	{"user_conversations", `
		CREATE TABLE IF NOT EXISTS user_conversations (
			user_id text,
			conversation_id text,
			kind text,
			name text,
			icon text,
			other_user_id text,
			members set<text>,
			last_updated timestamp,
			PRIMARY KEY (user_id, conversation_id)
		)`},
	{"conversation_counters", `
		CREATE TABLE IF NOT EXISTS conversation_counters (
			user_id text,
			conversation_id text,
			unread_count counter,
			PRIMARY KEY (user_id, conversation_id)
		)`},
	{"message_reactions", `
		CREATE TABLE IF NOT EXISTS message_reactions (
			message_id text,
			user_id text,
			id text,
			conversation_id text,
			emoji text,
			PRIMARY KEY (message_id, user_id)
		)`},
	{"message_receipts", `
		CREATE TABLE IF NOT EXISTS message_receipts (
			message_id text,
			user_id text,
			conversation_id text,
			read_at timestamp,
			PRIMARY KEY (message_id, user_id)
		)`},
	{"notifications", `
		CREATE TABLE IF NOT EXISTS notifications (
			user_id text,
			id text,
			kind text,
			title text,
			body text,
			created_at timestamp,
			read boolean,
			PRIMARY KEY (user_id, id)
		)`},
}
