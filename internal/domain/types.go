// Package domain holds the data types shared across herald's services.
package domain

import "time"

// Bot is a validated Discord bot credential plus the identity Discord
// reported for it. The token is a secret; API responses must use the
// json shape below, which never echoes it back after validation.
type Bot struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Token     string `json:"-"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Guild is a Discord server the bot belongs to.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member is a guild member as returned by the Discord API, before any
// merging. Bot accounts are carried through here and filtered by the
// roster merge.
type Member struct {
	UserID     string
	Username   string
	GlobalName string
	Nick       string
	AvatarURL  string
	Bot        bool
}

// User is a bot-visible guild member after merging. User ids are
// Discord-scoped, not unique across bots; every record is tagged with
// the bot that fetched it.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Status      string `json:"status,omitempty"`
	BotID       string `json:"botId"`
}

// MessageRecord is an append-only history entry: either an outbound
// batch summary (RecipientCount set) or an inbound reply (Reply set,
// with sender identity). Ids are assigned by the store and increase
// monotonically within a process lifetime.
type MessageRecord struct {
	ID             int64     `json:"id"`
	BotID          string    `json:"botId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	RecipientCount int       `json:"recipientCount"`
	Reply          bool      `json:"isReply,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderUsername string    `json:"senderUsername,omitempty"`
}

// SendOutcome is the per-recipient result of one bulk dispatch.
type SendOutcome struct {
	UserID  string         `json:"userId"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}
