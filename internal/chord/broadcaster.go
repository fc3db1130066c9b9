package chord

// Ring update event types
const (
	EventNodeJoin           = "node_join"
	EventNodeLeave          = "node_leave"
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventSpliceOut          = "splice_out"
)

// RingUpdateBroadcaster receives ring topology events, e.g. to fan them out to
// websocket subscribers, without the ring logic depending on the consumer.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change seen by one node.
type RingUpdateEvent struct {
	Type      string `json:"type"`      // One of the Event* constants
	NodeID    string `json:"node_id"`   // Hex id of the reporting node
	Address   string `json:"address"`   // host:port of the reporting node
	Timestamp int64  `json:"timestamp"` // Unix timestamp
	Message   string `json:"message"`   // Human-readable message
}
