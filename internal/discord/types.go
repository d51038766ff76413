package discord

import "encoding/json"

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	DefaultAPIBase    = "https://discord.com/api/v10"

	// MaxMessageLength is Discord's per-message content ceiling.
	MaxMessageLength = 2000
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway intents.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentMessageContent
)

// Channel types the relay distinguishes.
const (
	ChannelGuildText          = 0
	ChannelAnnouncementThread = 10
	ChannelPublicThread       = 11
	ChannelPrivateThread      = 12
)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the READY dispatch.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             User   `json:"user"`
}

// User is a Discord user or bot account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Message is a MESSAGE_CREATE payload or a REST message.
type Message struct {
	ID              string `json:"id"`
	ChannelID       string `json:"channel_id"`
	GuildID         string `json:"guild_id,omitempty"`
	Author          User   `json:"author"`
	Content         string `json:"content"`
	Mentions        []User `json:"mentions,omitempty"`
	MentionEveryone bool   `json:"mention_everyone"`
}

// Channel is the subset of channel fields the relay reads.
type Channel struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	Name     string `json:"name,omitempty"`
	GuildID  string `json:"guild_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	// OwnerID is set for threads: the user that created the thread.
	OwnerID string `json:"owner_id,omitempty"`
}

// IsThread reports whether the channel is any kind of thread.
func (c *Channel) IsThread() bool {
	switch c.Type {
	case ChannelAnnouncementThread, ChannelPublicThread, ChannelPrivateThread:
		return true
	}
	return false
}

type createMessageRequest struct {
	Content          string            `json:"content"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
	AllowedMentions  *allowedMentions  `json:"allowed_mentions,omitempty"`
}

type messageReference struct {
	MessageID       string `json:"message_id"`
	FailIfNotExists bool   `json:"fail_if_not_exists"`
}

type allowedMentions struct {
	Parse       []string `json:"parse"`
	RepliedUser bool     `json:"replied_user"`
}

type startThreadRequest struct {
	Name                string `json:"name"`
	AutoArchiveDuration int    `json:"auto_archive_duration"`
}
