package bus

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TurnEvent is one conversation turn observed by the session: a buyer
// message received or a reply sent.
type TurnEvent struct {
	Direction      Direction         `json:"direction"`
	Kind           string            `json:"kind"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	ListingID      string            `json:"listing_id,omitempty"`
	Text           string            `json:"text"`
	Intent         string            `json:"intent,omitempty"`
	At             time.Time         `json:"at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
