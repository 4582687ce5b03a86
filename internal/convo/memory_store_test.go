package convo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(x float32) []float32 { return []float32{x, float32(1 - x*x)} }

func TestStoreMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Now().UTC()
	m := Message{TraceID: "t1", Partition: "alice", Instance: "demo", Role: RoleUser, Content: "hello", Timestamp: ts}

	id1, err := s.StoreMessage(ctx, m)
	require.NoError(t, err)
	id2, err := s.StoreMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, s.messages, 1)
}

func TestLinkResponseRejectsSecondEdge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ts := time.Now().UTC()
	uid, _ := s.StoreMessage(ctx, Message{TraceID: "t1", Partition: "a", Instance: "b", Role: RoleUser, Content: "hi", Timestamp: ts})
	aid, _ := s.StoreMessage(ctx, Message{TraceID: "t1", Partition: "a", Instance: "b", Role: RoleAssistant, Content: "hey", Timestamp: ts.Add(time.Millisecond)})
	aid2, _ := s.StoreMessage(ctx, Message{TraceID: "t1", Partition: "a", Instance: "b", Role: RoleAssistant, Content: "hey again", Timestamp: ts.Add(2 * time.Millisecond)})

	require.NoError(t, s.LinkResponse(ctx, "a", "b", uid, aid))
	assert.Error(t, s.LinkResponse(ctx, "a", "b", uid, aid2))
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := s.StoreMessage(ctx, Message{
			TraceID: "t", Partition: "a", Instance: "b", Role: RoleUser,
			Content: "msg", Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}
	recent, err := s.Recent(ctx, "a", "b", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Timestamp.After(recent[1].Timestamp))
}

func TestSimilarFiltersByThresholdAndScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()
	close, _ := s.StoreMessage(ctx, Message{TraceID: "t", Partition: "a", Instance: "b", Role: RoleUser, Content: "x", Timestamp: base, Embedding: []float32{1, 0}})
	_, _ = s.StoreMessage(ctx, Message{TraceID: "t", Partition: "a", Instance: "b", Role: RoleUser, Content: "y", Timestamp: base.Add(time.Millisecond), Embedding: []float32{0, 1}})
	_, _ = s.StoreMessage(ctx, Message{TraceID: "t", Partition: "other", Instance: "b", Role: RoleUser, Content: "z", Timestamp: base, Embedding: []float32{1, 0}})

	out, err := s.Similar(ctx, "a", "b", []float32{1, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, close, out[0].Message.ID)
}

func TestUpdateSynapsesSequentialAndPruning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	firstID, _ := s.StoreMessage(ctx, Message{TraceID: "t1", Partition: "a", Instance: "b", Role: RoleUser, Content: "hello", Timestamp: base, Embedding: []float32{1, 0}})
	require.NoError(t, s.UpdateSynapses(ctx, "a", "b", firstID, 0.85, 5))

	// Second message highly similar: sequential synapse survives.
	secondID, _ := s.StoreMessage(ctx, Message{TraceID: "t2", Partition: "a", Instance: "b", Role: RoleUser, Content: "hello again", Timestamp: base.Add(time.Millisecond), Embedding: []float32{0.99, 0.01}})
	require.NoError(t, s.UpdateSynapses(ctx, "a", "b", secondID, 0.85, 5))
	_, ok := s.synapses[edgeKey{from: firstID, to: secondID}]
	assert.True(t, ok)

	// Third message unrelated: sequential synapse to second should be pruned.
	thirdID, _ := s.StoreMessage(ctx, Message{TraceID: "t3", Partition: "a", Instance: "b", Role: RoleUser, Content: "capital of france", Timestamp: base.Add(2 * time.Millisecond), Embedding: []float32{0, 1}})
	require.NoError(t, s.UpdateSynapses(ctx, "a", "b", thirdID, 0.85, 5))
	_, ok = s.synapses[edgeKey{from: secondID, to: thirdID}]
	assert.False(t, ok)
}

func TestThreadOfFollowsRespondedWithAndSynapse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()
	uid, _ := s.StoreMessage(ctx, Message{TraceID: "t", Partition: "a", Instance: "b", Role: RoleUser, Content: "hi", Timestamp: base, Embedding: []float32{1, 0}})
	aid, _ := s.StoreMessage(ctx, Message{TraceID: "t", Partition: "a", Instance: "b", Role: RoleAssistant, Content: "hey", Timestamp: base.Add(time.Millisecond), Embedding: []float32{1, 0}})
	require.NoError(t, s.LinkResponse(ctx, "a", "b", uid, aid))

	thread, err := s.ThreadOf(ctx, "a", "b", uid, 1)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, aid, thread[0].ID)
}
