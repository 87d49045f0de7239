package store

// Message is one inbound or outbound chat message as persisted.
// Immutable once stored. Ordering is (timestamp, id).
type Message struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  string // RFC3339Nano; lexicographic order == chronological order
	IsFromMe   bool
	IsBot      bool // authored by the assistant; excluded from agent-bound queries
}

// Chat is per-conversation metadata kept up to date by channel callbacks.
type Chat struct {
	JID             string
	Name            string
	Channel         string
	IsGroup         bool
	LastMessageTime string
}

// RegisteredGroup is a conversation the router acts on.
// One JID maps to at most one RegisteredGroup.
type RegisteredGroup struct {
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requiresTrigger"`
	AddedAt         string `json:"added_at"`
}

// ScheduledTask is a time-based prompt fed into the same execution queue
// as chat messages.
type ScheduledTask struct {
	ID           string
	GroupFolder  string
	Prompt       string
	ScheduleType string // "cron" or "once"
	// ScheduleValue is a cron expression for cron tasks, an RFC3339
	// timestamp for one-shot tasks.
	ScheduleValue string
	Status        string // "active" or "completed"
	NextRun       string
	CreatedAt     string
	LastRun       string
	LastResult    string
}
