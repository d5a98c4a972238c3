package events

import "context"

// Event types
const (
	EventOnChainStateChanged  = "on_chain_state_changed"
	EventTransactionSubmitted = "transaction_submitted"
	EventTransactionTimedOut  = "transaction_timed_out"
	EventManualActionRequired = "manual_action_required"
	EventAgentRegistryChanged = "agent_registry_changed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
