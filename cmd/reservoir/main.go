// Command reservoir runs the transparent chat completions proxy: the
// Request Router in front of the Enrichment Pipeline, backed by the
// Conversation Store, Token Accountant, and Embedding Client.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"reservoir/internal/admin"
	"reservoir/internal/config"
	"reservoir/internal/convo"
	"reservoir/internal/embedding"
	"reservoir/internal/observability"
	"reservoir/internal/persistence/databases"
	"reservoir/internal/pipeline"
	"reservoir/internal/router"
	"reservoir/internal/tokenaccountant"
	"reservoir/internal/upstream"
)

func main() {
	observability.InitLogger("", "info")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	observability.InitLogger("", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graphStore, err := convo.NewNeo4jStore(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, 10, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("connect conversation store")
	}
	defer graphStore.Close()

	var store convo.Store = graphStore
	if cfg.Vector.Backend != "" {
		vecMgr, err := databases.NewManager(ctx, cfg.Vector)
		if err != nil {
			log.Fatal().Err(err).Msg("connect vector index backend")
		}
		defer vecMgr.Close()
		store = convo.NewVectorIndexStore(graphStore, vecMgr.Vector)
		log.Info().Str("backend", cfg.Vector.Backend).Msg("similarity index split out of the graph database")
	}

	accountant, err := tokenaccountant.New(cfg.Redis.URL, time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("build token accountant")
	}

	embedder := embedding.New(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.OpenAIAPIKey, cfg.EmbeddingTimeout, 16)

	routeTable, err := config.LoadRouteTable(cfg.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load route table")
	}
	var routes []upstream.Route
	for _, r := range routeTable.Routes {
		routes = append(routes, upstream.Route{Prefix: r.Prefix, BaseURL: r.BaseURL, Kind: upstream.Kind(r.Kind)})
	}
	dispatcher := upstream.New(routes, cfg.Upstream.OpenAIBaseURL, cfg.Upstream.OllamaBaseURL)

	var mirror *admin.Mirror
	if cfg.AdminDSN != "" {
		pool, err := databases.OpenPool(ctx, cfg.AdminDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect admin mirror database")
		}
		mirror, err = admin.NewMirror(ctx, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("init admin mirror schema")
		}
		defer mirror.Close()
	}

	pipe := pipeline.New(store, accountant, embedder, dispatcher, mirrorOrNil(mirror), pipeline.Config{
		KSim:            cfg.EnrichKSim,
		KRec:            cfg.EnrichKRec,
		SynapseThresh:   cfg.SynapseThresh,
		MaxTokens:       cfg.MaxTokens,
		InputCeiling:    cfg.InputCeiling,
		UpstreamTimeout: cfg.UpstreamTimeout,
	})

	e := router.New(pipe, dispatcher, mirror)

	go func() {
		addr := ":" + strconv.Itoa(portOrDefault(cfg.Port))
		log.Info().Str("addr", addr).Msg("reservoir listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// mirrorOrNil adapts a possibly-nil *admin.Mirror to pipeline.Mirror,
// since a non-nil interface wrapping a nil pointer is not the same as a
// nil interface.
func mirrorOrNil(m *admin.Mirror) pipeline.Mirror {
	if m == nil {
		return nil
	}
	return m
}

func portOrDefault(p int) int {
	if p <= 0 {
		return 3017
	}
	return p
}
