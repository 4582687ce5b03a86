package convo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// idemKey is store_message's idempotency key.
type idemKey struct {
	traceID     string
	role        Role
	timestampNs int64
	contentHash string
}

type edgeKey struct {
	from, to string
}

// MemoryStore is an in-process Store, used as the test double for the
// pipeline and the synapse rules. cmd/reservoir always uses Neo4jStore and
// has no setting that selects MemoryStore.
type MemoryStore struct {
	mu sync.RWMutex

	messages map[string]Message
	byIdem   map[idemKey]string
	order    map[string][]string // (partition|instance) -> message ids in insertion order

	respondedFrom map[string]string // userID -> assistantID
	respondedTo   map[string]string // assistantID -> userID

	synapses map[edgeKey]float64
	seqEdge  map[string]string // messageID -> id of the sequential-synapse target, if any
}

// NewMemoryStore constructs an empty in-memory Conversation Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]Message),
		byIdem:        make(map[idemKey]string),
		order:         make(map[string][]string),
		respondedFrom: make(map[string]string),
		respondedTo:   make(map[string]string),
		synapses:      make(map[edgeKey]float64),
		seqEdge:       make(map[string]string),
	}
}

func scopeKey(partition, instance string) string { return partition + "|" + instance }

func (s *MemoryStore) StoreMessage(_ context.Context, m Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey{traceID: m.TraceID, role: m.Role, timestampNs: m.Timestamp.UnixNano(), contentHash: m.ContentHash()}
	if id, ok := s.byIdem[key]; ok {
		return id, nil
	}

	if m.ID == "" {
		m.ID = fmt.Sprintf("msg-%d", len(s.messages)+1)
	}
	s.messages[m.ID] = m
	s.byIdem[key] = m.ID
	sk := scopeKey(m.Partition, m.Instance)
	s.order[sk] = append(s.order[sk], m.ID)
	return m.ID, nil
}

func (s *MemoryStore) LinkResponse(_ context.Context, partition, instance, userID, assistantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.messages[userID]
	if !ok || user.Partition != partition || user.Instance != instance {
		return fmt.Errorf("link_response: user node %s not found in scope", userID)
	}
	assistant, ok := s.messages[assistantID]
	if !ok || assistant.Partition != partition || assistant.Instance != instance {
		return fmt.Errorf("link_response: assistant node %s not found in scope", assistantID)
	}
	if _, exists := s.respondedFrom[userID]; exists {
		return fmt.Errorf("link_response: user node %s already has a response", userID)
	}
	s.respondedFrom[userID] = assistantID
	s.respondedTo[assistantID] = userID
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, partition, instance string, n int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[scopeKey(partition, instance)]
	out := make([]Message, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.messages[ids[i]])
	}
	return out, nil
}

func (s *MemoryStore) Similar(_ context.Context, partition, instance string, vector []float32, k int, threshold float64) ([]Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}
	qnorm := l2norm(vector)
	var scored []Scored
	for _, id := range s.order[scopeKey(partition, instance)] {
		m := s.messages[id]
		if len(m.Embedding) == 0 {
			continue
		}
		score := cosine(vector, m.Embedding, qnorm)
		if score >= threshold {
			scored = append(scored, Scored{Message: m, Score: score})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemoryStore) ThreadOf(_ context.Context, partition, instance, nodeID string, hops int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []Message
	for step := 0; step < hops && len(frontier) > 0; step++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range s.neighbors(id) {
				m, ok := s.messages[nb]
				if !ok || m.Partition != partition || m.Instance != instance || visited[nb] {
					continue
				}
				visited[nb] = true
				out = append(out, m)
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *MemoryStore) neighbors(id string) []string {
	var out []string
	if to, ok := s.respondedFrom[id]; ok {
		out = append(out, to)
	}
	if from, ok := s.respondedTo[id]; ok {
		out = append(out, from)
	}
	for ek := range s.synapses {
		if ek.from == id {
			out = append(out, ek.to)
		} else if ek.to == id {
			out = append(out, ek.from)
		}
	}
	return out
}

func (s *MemoryStore) UpdateSynapses(_ context.Context, partition, instance, newNodeID string, threshold float64, topK int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[newNodeID]
	if !ok {
		return fmt.Errorf("update_synapses: node %s not found", newNodeID)
	}
	ids := s.order[scopeKey(partition, instance)]

	// Sequential synapse: the immediately preceding message in scope.
	var prevID string
	for i, id := range ids {
		if id == newNodeID && i > 0 {
			prevID = ids[i-1]
		}
	}
	if prevID != "" && len(m.Embedding) > 0 {
		prev := s.messages[prevID]
		if len(prev.Embedding) > 0 {
			score := cosine(m.Embedding, prev.Embedding, 0)
			s.synapses[edgeKey{from: prevID, to: newNodeID}] = score
			s.seqEdge[newNodeID] = prevID
		}
	}

	// Topical synapse: top-K most similar prior messages, threshold-gated.
	if len(m.Embedding) > 0 {
		type cand struct {
			id    string
			score float64
		}
		var cands []cand
		qnorm := l2norm(m.Embedding)
		for _, id := range ids {
			if id == newNodeID {
				continue
			}
			other := s.messages[id]
			if len(other.Embedding) == 0 {
				continue
			}
			score := cosine(m.Embedding, other.Embedding, qnorm)
			if score >= threshold {
				cands = append(cands, cand{id, score})
			}
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		if len(cands) > topK {
			cands = cands[:topK]
		}
		for _, c := range cands {
			ek := edgeKey{from: c.id, to: newNodeID}
			revEk := edgeKey{from: newNodeID, to: c.id}
			if _, exists := s.synapses[ek]; exists {
				continue
			}
			if _, exists := s.synapses[revEk]; exists {
				continue
			}
			s.synapses[ek] = c.score
		}
	}

	// Pruning: drop the sequential edge touching newNodeID if it has
	// fallen below threshold. RESPONDED_WITH is never touched here.
	if target, ok := s.seqEdge[newNodeID]; ok {
		if score, exists := s.synapses[edgeKey{from: target, to: newNodeID}]; exists && score < threshold {
			delete(s.synapses, edgeKey{from: target, to: newNodeID})
			delete(s.seqEdge, newNodeID)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = l2norm(a)
	}
	bnorm := l2norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}
