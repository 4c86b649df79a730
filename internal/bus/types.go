package bus

import (
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

// Platform identifies a chat source. The set is closed; adapters for other
// services do not exist.
type Platform string

const (
	PlatformPumpFun Platform = "pumpfun"
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
	PlatformTwitter Platform = "twitter"
)

// Tag returns the uppercase platform tag used in prompt lines. Pumpfun is
// the historical default and carries no tag.
func (p Platform) Tag() string {
	if p == PlatformPumpFun {
		return ""
	}
	return strings.ToUpper(string(p))
}

// ChatMessage is one normalized chat line from any platform. Immutable once
// published to the coordinator.
type ChatMessage struct {
	ID         string   `json:"id"`      // adapter-unique, platform-native when available
	ShortID    string   `json:"shortId"` // 6-char handle the agent uses to address replies
	Platform   Platform `json:"platform"`
	Username   string   `json:"username"`
	Text       string   `json:"text"`
	ReceivedAt int64    `json:"receivedAt"` // unix ms
	Meta       ChatMeta `json:"meta,omitempty"`
}

// ChatMeta carries optional per-platform decorations for the overlay.
type ChatMeta struct {
	AvatarURL       string `json:"avatarUrl,omitempty"`
	Moderator       bool   `json:"moderator,omitempty"`
	Member          bool   `json:"member,omitempty"`
	SuperChatAmount string `json:"superChatAmount,omitempty"`
	SuperChatColor  string `json:"superChatColor,omitempty"`
}

// NewShortID mints a 6-character lowercase handle for a chat message.
func NewShortID() string {
	return strings.ToLower(shortuuid.New()[:6])
}

// Overlay channel names. The crawd: prefix is part of the wire contract.
const (
	// server → overlay
	ChannelTalk      = "crawd:talk"
	ChannelReplyTurn = "crawd:reply-turn"
	ChannelChat      = "crawd:chat"
	ChannelStatus    = "crawd:status"
	ChannelMcap      = "crawd:mcap"
	ChannelPlan      = "crawd:plan"

	// overlay → server
	ChannelTalkDone = "crawd:talk:done"
	ChannelMockChat = "crawd:mock-chat"
)

// Event is one overlay bus frame: a channel name plus a JSON payload. The
// same shape travels both directions.
type Event struct {
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventEmitter fans an event out to every overlay subscriber. Broadcast is
// best-effort; slow or absent subscribers never block the caller.
type EventEmitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the EventEmitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// NopEmitter discards all events. Useful before the overlay server is up.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
