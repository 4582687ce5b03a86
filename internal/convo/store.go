package convo

import "context"

// Store is the Conversation Store's operation set. Every operation is
// scoped to a (partition, instance) pair unless noted otherwise; no
// implementation may let a query cross that boundary.
type Store interface {
	// StoreMessage inserts m and returns its node id. Idempotent by
	// (trace_id, role, timestamp, content_hash): a repeat call with
	// identical fields returns the original id rather than creating a
	// second node.
	StoreMessage(ctx context.Context, m Message) (string, error)

	// LinkResponse creates the permanent RESPONDED_WITH edge from userID
	// to assistantID. Fails if either endpoint is missing or userID
	// already has an outbound edge.
	LinkResponse(ctx context.Context, partition, instance, userID, assistantID string) error

	// Recent returns the n most recent messages, newest first.
	Recent(ctx context.Context, partition, instance string, n int) ([]Message, error)

	// Similar returns the top-k nearest neighbors by cosine similarity
	// with score >= threshold, deduplicated by node id.
	Similar(ctx context.Context, partition, instance string, vector []float32, k int, threshold float64) ([]Scored, error)

	// ThreadOf performs a breadth-first traversal from nodeID along
	// RESPONDED_WITH and SYNAPSE edges up to hops steps.
	ThreadOf(ctx context.Context, partition, instance, nodeID string, hops int) ([]Message, error)

	// UpdateSynapses applies the sequential and topical synapse rules to
	// newNodeID, then prunes sequential edges that fall below threshold.
	UpdateSynapses(ctx context.Context, partition, instance, newNodeID string, threshold float64, topK int) error

	Close() error
}
