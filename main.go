package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"golang.org/x/sync/errgroup"

	"github.com/bedah-kym/chatcore/agent/connectors"
	"github.com/bedah-kym/chatcore/agent/deferred"
	"github.com/bedah-kym/chatcore/agent/gateway"
	"github.com/bedah-kym/chatcore/agent/intent"
	"github.com/bedah-kym/chatcore/agent/orchestrator"
	"github.com/bedah-kym/chatcore/agent/prompt"
	"github.com/bedah-kym/chatcore/agent/quota"
	"github.com/bedah-kym/chatcore/agent/resultcache"
	routerx "github.com/bedah-kym/chatcore/agent/router"
	"github.com/bedah-kym/chatcore/agent/stream"
	configx "github.com/bedah-kym/chatcore/pkg/config"
	_ "github.com/bedah-kym/chatcore/pkg/logger/autoload"
	openrouterx "github.com/bedah-kym/chatcore/pkg/openrouter"
	qstashx "github.com/bedah-kym/chatcore/pkg/qstash"
	"github.com/bedah-kym/chatcore/pkg/realtime"
	upstashx "github.com/bedah-kym/chatcore/pkg/upstash"
)

type AppConfig struct {
	ListenAddr      string `envconfig:"LISTEN_ADDR" split_words:"true" default:":8080"`
	PostgresDSN     string `envconfig:"POSTGRES_DSN" split_words:"true"`
	WorkflowBaseURL string `envconfig:"WORKFLOW_BASE_URL" split_words:"true" required:"true"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("")

	upstashCfg := configx.MustNew[upstashx.Config]("UPSTASH")
	store := upstashx.MustNew(*upstashCfg)

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	model := openrouterx.MustNew(*openRouterCfg)

	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	qstashClient := qstashx.MustNew(*qstashCfg)

	starter, err := connectors.NewQStashStarter(qstashClient, appCfg.WorkflowBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("workflow starter init failed")
	}

	quotaCfg := configx.MustNew[quota.Config]("QUOTA")
	ledger := quota.NewLedger(store, *quotaCfg)
	cache := resultcache.New(store)

	hub := realtime.NewHub()
	synthesizer := stream.NewSynthesizer(hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deferredStore, db := newDeferredStore(ctx, appCfg.PostgresDSN)
	engine := deferred.NewEngine(deferredStore, starter, hub)

	router := routerx.New(ledger, cache, engine)
	if err := router.Register("workflow.trigger", connectors.NewWorkflowConnector(starter)); err != nil {
		log.Fatal().Err(err).Msg("connector registration failed")
	}
	if db != nil {
		reminders := connectors.NewReminderConnector(db)
		if err := reminders.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("reminders schema init failed")
		}
		if err := router.Register("reminder.create", reminders); err != nil {
			log.Fatal().Err(err).Msg("connector registration failed")
		}
	}

	prompts := prompt.LoadPromptSet()
	classifier := intent.NewClassifier(model, prompts.Classifier)

	orch, err := orchestrator.New(ledger, classifier, router, model, synthesizer, prompts.Chat)
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator init failed")
	}

	server := &http.Server{
		Addr:              appCfg.ListenAddr,
		Handler:           gateway.NewServer(orch, ledger, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", appCfg.ListenAddr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := engine.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("deferred engine: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("shutdown with error")
	}
	log.Info().Msg("shutdown complete")
}

// newDeferredStore prefers Postgres; without a DSN it falls back to the
// in-memory store, which loses deferred work on restart. The bun handle
// is returned for connectors that need the database directly.
func newDeferredStore(ctx context.Context, dsn string) (deferred.Store, *bun.DB) {
	if dsn == "" {
		log.Warn().Msg("POSTGRES_DSN not set, deferred executions are in-memory only")
		return deferred.NewMemoryStore(), nil
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres unreachable")
	}

	store := deferred.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("deferred schema init failed")
	}
	return store, db
}
