package hub

import "github.com/epic1st/optionstream/backend/internal/domain"

// clientMessage is the single inbound frame shape: subscribe/unsubscribe
// carry tokens, ping carries none.
type clientMessage struct {
	Action string   `json:"action"`
	Tokens []uint32 `json:"tokens,omitempty"`
}

type connectedFrame struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

type subscribedFrame struct {
	Type   string   `json:"type"`
	Tokens []uint32 `json:"tokens"`
}

type unsubscribedFrame struct {
	Type   string   `json:"type"`
	Tokens []uint32 `json:"tokens"`
}

type tickFrame struct {
	Type string                `json:"type"`
	Tick domain.OptionSnapshot `json:"tick"`
}

type barFrame struct {
	Type string               `json:"type"`
	Bar  domain.UnderlyingBar `json:"bar"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
