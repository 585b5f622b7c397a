// Package chat is the desk's bot transport: webhook updates in, rendered
// Markdown replies out. The wire format is the Telegram Bot API (sendMessage,
// getChat, secret-token webhooks), which is also what self-hosted gateways
// speak. Lifecycle decisions stay in the escrow engine; this package only
// parses commands, renders notification outcomes, and delivers messages.
package chat

// Update is one webhook delivery from the bot gateway.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is one chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
	Date      int64  `json:"date,omitempty"`
	Text      string `json:"text,omitempty"`
}

// User is the account a message came from.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat type labels as the gateway reports them.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
)

// Chat is a conversation: a group the desk operates in or a private chat
// with one account. getChat on an account id fills the username/first-name
// fields, which is how mention labels get resolved.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// IsGroup reports whether the chat is a multi-party conversation.
func (c *Chat) IsGroup() bool {
	return c != nil && (c.Type == ChatTypeGroup || c.Type == ChatTypeSupergroup)
}

// Label returns the mention text for a chat: "@username" when one is set,
// otherwise the first name or title.
func (c *Chat) Label() string {
	switch {
	case c == nil:
		return ""
	case c.Username != "":
		return "@" + c.Username
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.Title
	}
}
