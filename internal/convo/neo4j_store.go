package convo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/semaphore"

	"reservoir/internal/reservoir/kinderr"
)

const vectorIndexName = "message_embedding_index"

// Neo4jStore is the primary Conversation Store backend: Message nodes with
// a native cosine vector index over their embedding property, queried with
// inline Cypher literals passed straight to the driver.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	sessions *semaphore.Weighted
	timeout  time.Duration
}

// NewNeo4jStore opens a driver against uri and bounds concurrent sessions
// to poolSize, so checkout failure under load surfaces as Overloaded rather
// than queueing unboundedly (per the shared connection pool contract).
func NewNeo4jStore(uri, user, password string, poolSize int, timeout time.Duration) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Neo4jStore{driver: driver, sessions: semaphore.NewWeighted(int64(poolSize)), timeout: timeout}, nil
}

func (s *Neo4jStore) acquire(ctx context.Context) (neo4j.SessionWithContext, error) {
	if err := s.sessions.Acquire(ctx, 1); err != nil {
		return nil, kinderr.New(kinderr.Overloaded, "graph session pool exhausted", err)
	}
	return s.driver.NewSession(ctx, neo4j.SessionConfig{}), nil
}

func (s *Neo4jStore) release(ctx context.Context, sess neo4j.SessionWithContext) {
	_ = sess.Close(ctx)
	s.sessions.Release(1)
}

// withDeadline bounds a graph query by the configured store timeout, surfacing
// a timeout as StorageUnavailable rather than hanging the caller indefinitely.
func (s *Neo4jStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func storageTimeoutErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return kinderr.New(kinderr.StorageUnavailable, fmt.Sprintf("%s: graph store deadline exceeded", op), err)
	}
	return err
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// EnsureSchema applies the unique constraint, vector index and recency
// index idempotently. Called once by cmd/reservoir-migrate.
func (s *Neo4jStore) EnsureSchema(ctx context.Context, dims int) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(ctx, sess)

	stmts := []string{
		`CREATE CONSTRAINT message_id_unique IF NOT EXISTS FOR (m:Message) REQUIRE m.id IS UNIQUE`,
		fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS FOR (m:Message) ON (m.embedding)
OPTIONS {indexConfig: {` + "`vector.dimensions`" + `: %d, ` + "`vector.similarity_function`" + `: 'cosine'}}`, vectorIndexName, dims),
		`CREATE INDEX message_scope_time IF NOT EXISTS FOR (m:Message) ON (m.partition, m.instance, m.timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
			return tx.Run(ctx, stmt, nil)
		}); err != nil {
			return storageTimeoutErr("ensure_schema", fmt.Errorf("ensure schema: %w", err))
		}
	}
	return nil
}

func (s *Neo4jStore) StoreMessage(ctx context.Context, m Message) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer s.release(ctx, sess)

	if m.ID == "" {
		m.ID = fmt.Sprintf("%s-%s-%d", m.TraceID, m.Role, m.Timestamp.UnixNano())
	}

	const query = `
MERGE (m:Message {trace_id: $trace_id, role: $role, timestamp: $timestamp, content_hash: $content_hash})
ON CREATE SET
  m.id = $id,
  m.partition = $partition,
  m.instance = $instance,
  m.content = $content,
  m.embedding = $embedding,
  m.url = $url
RETURN m.id AS id`

	params := map[string]any{
		"trace_id":     m.TraceID,
		"role":         string(m.Role),
		"timestamp":    m.Timestamp.UnixMicro(),
		"content_hash": m.ContentHash(),
		"id":           m.ID,
		"partition":    m.Partition,
		"instance":     m.Instance,
		"content":      m.Content,
		"embedding":    float32SliceToAny(m.Embedding),
		"url":          m.URL,
	}

	id, err := neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := rec.Get("id")
		return v, nil
	})
	if err != nil {
		return "", storageTimeoutErr("store_message", fmt.Errorf("store_message: %w", err))
	}
	return id.(string), nil
}

func (s *Neo4jStore) LinkResponse(ctx context.Context, partition, instance, userID, assistantID string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(ctx, sess)

	const query = `
MATCH (u:Message {id: $user_id, partition: $partition, instance: $instance})
MATCH (a:Message {id: $assistant_id, partition: $partition, instance: $instance})
WHERE NOT (u)-[:RESPONDED_WITH]->()
MERGE (u)-[:RESPONDED_WITH]->(a)
RETURN u.id AS id`

	params := map[string]any{
		"user_id": userID, "assistant_id": assistantID,
		"partition": partition, "instance": instance,
	}
	_, err = neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("missing endpoint or user already answered: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		return storageTimeoutErr("link_response", fmt.Errorf("link_response: %w", err))
	}
	return nil
}

func (s *Neo4jStore) Recent(ctx context.Context, partition, instance string, n int) ([]Message, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, sess)

	const query = `
MATCH (m:Message {partition: $partition, instance: $instance})
RETURN m ORDER BY m.timestamp DESC LIMIT $n`

	recs, err := neo4j.ExecuteRead(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"partition": partition, "instance": instance, "n": n})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, storageTimeoutErr("recent", fmt.Errorf("recent: %w", err))
	}
	return recordsToMessages(recs.([]*neo4j.Record))
}

func (s *Neo4jStore) Similar(ctx context.Context, partition, instance string, vector []float32, k int, threshold float64) ([]Scored, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, sess)

	const query = `
CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node, score
WHERE node.partition = $partition AND node.instance = $instance AND score >= $threshold
RETURN node, score`

	params := map[string]any{
		"index": vectorIndexName, "k": k, "vector": float32SliceToAny(vector),
		"partition": partition, "instance": instance, "threshold": threshold,
	}
	recs, err := neo4j.ExecuteRead(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, storageTimeoutErr("similar", fmt.Errorf("similar: %w", err))
	}

	records := recs.([]*neo4j.Record)
	out := make([]Scored, 0, len(records))
	for _, rec := range records {
		node, _ := rec.Get("node")
		score, _ := rec.Get("score")
		n, ok := node.(neo4j.Node)
		if !ok {
			continue
		}
		m := messageFromProps(n.Props)
		out = append(out, Scored{Message: m, Score: score.(float64)})
	}
	return out, nil
}

func (s *Neo4jStore) ThreadOf(ctx context.Context, partition, instance, nodeID string, hops int) ([]Message, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, sess)

	if hops <= 0 {
		hops = 1
	}
	query := fmt.Sprintf(`
MATCH (start:Message {id: $node_id})
MATCH (start)-[:RESPONDED_WITH|SYNAPSE*1..%d]-(m:Message)
WHERE m.partition = $partition AND m.instance = $instance
RETURN DISTINCT m`, hops)

	recs, err := neo4j.ExecuteRead(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"node_id": nodeID, "partition": partition, "instance": instance})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, storageTimeoutErr("thread_of", fmt.Errorf("thread_of: %w", err))
	}
	return recordsToMessages(recs.([]*neo4j.Record))
}

func (s *Neo4jStore) UpdateSynapses(ctx context.Context, partition, instance, newNodeID string, threshold float64, topK int) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(ctx, sess)

	newMsg, err := s.fetchOne(ctx, sess, newNodeID)
	if err != nil {
		return fmt.Errorf("update_synapses: %w", err)
	}
	if len(newMsg.Embedding) == 0 {
		return nil
	}

	prev, err := s.fetchPrevious(ctx, sess, partition, instance, newMsg.Timestamp, newNodeID)
	if err == nil && prev.ID != "" && len(prev.Embedding) > 0 {
		score := cosine(newMsg.Embedding, prev.Embedding, 0)
		if err := s.mergeSynapse(ctx, sess, prev.ID, newNodeID, score); err != nil {
			return fmt.Errorf("update_synapses: sequential: %w", err)
		}
		if score < threshold {
			if err := s.pruneSynapse(ctx, sess, prev.ID, newNodeID); err != nil {
				return fmt.Errorf("update_synapses: prune: %w", err)
			}
		}
	}

	candidates, err := s.Similar(ctx, partition, instance, newMsg.Embedding, topK+1, threshold)
	if err != nil {
		return fmt.Errorf("update_synapses: topical: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	count := 0
	for _, c := range candidates {
		if c.Message.ID == newNodeID || count >= topK {
			continue
		}
		if err := s.mergeSynapseIfAbsent(ctx, sess, c.Message.ID, newNodeID, c.Score); err != nil {
			return fmt.Errorf("update_synapses: topical merge: %w", err)
		}
		count++
	}
	return nil
}

// Get fetches a single message by node id, acquiring its own session. It
// exists for backends (see VectorIndexStore) that resolve hits from an
// external vector index back to full Message records.
func (s *Neo4jStore) Get(ctx context.Context, id string) (Message, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	sess, err := s.acquire(ctx)
	if err != nil {
		return Message{}, err
	}
	defer s.release(ctx, sess)
	return s.fetchOne(ctx, sess, id)
}

func (s *Neo4jStore) fetchOne(ctx context.Context, sess neo4j.SessionWithContext, id string) (Message, error) {
	const query = `MATCH (m:Message {id: $id}) RETURN m`
	rec, err := neo4j.ExecuteRead(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		return res.Single(ctx)
	})
	if err != nil {
		return Message{}, err
	}
	node, _ := rec.(*neo4j.Record).Get("m")
	n, ok := node.(neo4j.Node)
	if !ok {
		return Message{}, fmt.Errorf("node %s not found", id)
	}
	return messageFromProps(n.Props), nil
}

func (s *Neo4jStore) fetchPrevious(ctx context.Context, sess neo4j.SessionWithContext, partition, instance string, before time.Time, excludeID string) (Message, error) {
	const query = `
MATCH (m:Message {partition: $partition, instance: $instance})
WHERE m.timestamp < $before AND m.id <> $exclude
RETURN m ORDER BY m.timestamp DESC LIMIT 1`
	rec, err := neo4j.ExecuteRead(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"partition": partition, "instance": instance,
			"before": before.UnixMicro(), "exclude": excludeID,
		})
		if err != nil {
			return nil, err
		}
		return res.Single(ctx)
	})
	if err != nil {
		return Message{}, err
	}
	node, _ := rec.(*neo4j.Record).Get("m")
	n, ok := node.(neo4j.Node)
	if !ok {
		return Message{}, fmt.Errorf("no previous node")
	}
	return messageFromProps(n.Props), nil
}

func (s *Neo4jStore) mergeSynapse(ctx context.Context, sess neo4j.SessionWithContext, fromID, toID string, score float64) error {
	const query = `
MATCH (a:Message {id: $from}), (b:Message {id: $to})
MERGE (a)-[r:SYNAPSE]->(b)
SET r.score = $score`
	_, err := neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{"from": fromID, "to": toID, "score": score})
	})
	return err
}

func (s *Neo4jStore) mergeSynapseIfAbsent(ctx context.Context, sess neo4j.SessionWithContext, fromID, toID string, score float64) error {
	const query = `
MATCH (a:Message {id: $from}), (b:Message {id: $to})
WHERE NOT (a)-[:SYNAPSE]-(b)
MERGE (a)-[r:SYNAPSE]->(b)
SET r.score = $score`
	_, err := neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{"from": fromID, "to": toID, "score": score})
	})
	return err
}

func (s *Neo4jStore) pruneSynapse(ctx context.Context, sess neo4j.SessionWithContext, fromID, toID string) error {
	const query = `
MATCH (a:Message {id: $from})-[r:SYNAPSE]->(b:Message {id: $to})
DELETE r`
	_, err := neo4j.ExecuteWrite(ctx, sess, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{"from": fromID, "to": toID})
	})
	return err
}

func recordsToMessages(recs []*neo4j.Record) ([]Message, error) {
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		node, ok := rec.Get("m")
		if !ok {
			continue
		}
		n, ok := node.(neo4j.Node)
		if !ok {
			continue
		}
		out = append(out, messageFromProps(n.Props))
	}
	return out, nil
}

func messageFromProps(props map[string]any) Message {
	m := Message{
		ID:        stringProp(props, "id"),
		TraceID:   stringProp(props, "trace_id"),
		Partition: stringProp(props, "partition"),
		Instance:  stringProp(props, "instance"),
		Role:      Role(stringProp(props, "role")),
		Content:   stringProp(props, "content"),
		URL:       stringProp(props, "url"),
	}
	if ts, ok := props["timestamp"].(int64); ok {
		m.Timestamp = time.UnixMicro(ts).UTC()
	}
	if emb, ok := props["embedding"].([]any); ok {
		m.Embedding = anySliceToFloat32(emb)
	}
	return m
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func float32SliceToAny(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}

func anySliceToFloat32(v []any) []float32 {
	out := make([]float32, 0, len(v))
	for _, x := range v {
		switch f := x.(type) {
		case float64:
			out = append(out, float32(f))
		case float32:
			out = append(out, f)
		}
	}
	return out
}
