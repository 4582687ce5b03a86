// Command reservoir-migrate applies the Conversation Store's Neo4j schema:
// the Message id constraint, the cosine vector index, and the recency
// index. It is idempotent and safe to run against an already-migrated
// database.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"reservoir/internal/config"
	"reservoir/internal/convo"
	"reservoir/internal/observability"
)

func main() {
	observability.InitLogger("", "info")

	dims := flag.Int("dims", 0, "embedding dimensionality for the vector index (defaults to RESERVOIR_EMBEDDING_DIMS)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	if *dims <= 0 {
		*dims = cfg.EmbeddingDims
	}

	store, err := convo.NewNeo4jStore(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, 1, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to neo4j")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx, *dims); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}
	log.Info().Int("dims", *dims).Msg("schema applied")
}
