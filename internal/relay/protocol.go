package relay

import (
	"encoding/json"

	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
)

// Inbound message kinds. Anything else is ignored and logged.
const (
	kindFindMatch   = "find_match"
	kindOffer       = "offer"
	kindAnswer      = "answer"
	kindICE         = "ice-candidate"
	kindChatMessage = "chat_message"
	kindSkip        = "skip"
	kindDisconnect  = "disconnect"
)

// Outbound message kinds.
const (
	kindMatched             = "matched"
	kindWaiting             = "waiting"
	kindMessageBlocked      = "message_blocked"
	kindPartnerDisconnected = "partner_disconnected"
	kindReadyToMatch        = "ready_to_match"
)

type findMatchMessage struct {
	Interests   []string `json:"interests"`
	PreferVideo bool     `json:"prefer_video"`
	UseTrial    bool     `json:"use_trial"`
	// Honored only for premium profiles.
	GenderPreference string `json:"gender_preference"`
}

// signalMessage carries offer/answer/ice-candidate payloads. The data field
// is opaque to this layer.
type signalMessage struct {
	PartnerID string          `json:"partner_id"`
	Data      json.RawMessage `json:"data"`
}

type chatMessage struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	PartnerID string `json:"partner_id"`
}

type endMessage struct {
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
}

type matchedNotice struct {
	Type       string                   `json:"type"`
	SessionID  string                   `json:"session_id"`
	PartnerID  string                   `json:"partner_id"`
	ChatType   string                   `json:"chat_type"`
	ICEServers []config.ICEServerConfig `json:"ice_servers"`
}

type waitingNotice struct {
	Type      string `json:"type"`
	QueueSize int    `json:"queue_size"`
}

type signalNotice struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	From string          `json:"from"`
}

type chatNotice struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	From     string `json:"from"`
	IsWarned bool   `json:"is_warned"`
}

type blockedNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type eventNotice struct {
	Type string `json:"type"`
}
