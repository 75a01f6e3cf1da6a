// Command relay runs the conversation-turn relay: it accepts GroupMe bot
// callbacks, drives one durable workflow instance per message against the run
// service and posts the answers back to the group.
//
// # Configuration
//
// Environment variables (an optional YAML file named by RELAY_CONFIG is read
// first):
//
//	RELAY_HTTP_ADDR           - listen address (default: ":8080")
//	RUN_SERVICE_KIND          - "http" or "griptape" (default: "http")
//	RUN_SERVICE_URL           - run service base URL
//	RUN_SERVICE_API_KEY       - run service credentials
//	GRIPTAPE_APP_ID           - Griptape Cloud app id
//	STORE_BACKEND             - "memory", "mongo" or "redis" (default: "memory")
//	MONGO_URI, MONGO_DATABASE - MongoDB connection (default database: "relay")
//	REDIS_URL, REDIS_PASSWORD - Redis address for history and lifecycle events
//	SESSION_TIMEOUT           - session idle timeout (default: "5m")
//	CHUNK_SIZE                - delivery segment size (default: 800)
//	POLL_RETRY_CEILING        - attempts per call (default: 5)
//	POLL_BACKOFF              - initial backoff and poll interval (default: "1s")
//	POLL_TIMEOUT              - total poll bound (default: "10m")
//	MAX_CONCURRENT_INSTANCES  - engine concurrency (default: 64)
//	GROUPME_BOT_ID            - bot posting the answers
//	GROUPME_API_TOKEN         - GroupMe API token
//	TRIGGER_PHRASE            - prefix selecting relayed messages
//	DELIVERY_RATE             - outbound posts, e.g. "1/s" (default: "1/s")
//	DEBUG                     - enable debug logs
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/relay/config"
	"goa.design/relay/features/ingress/groupme"
	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/engine/replay"
	"goa.design/relay/runtime/relay/session"
	"goa.design/relay/runtime/relay/telemetry"
	"goa.design/relay/runtime/relay/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close(context.Background())

	runs, err := newRunService(cfg)
	if err != nil {
		return err
	}
	router, err := newRouter(cfg)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	retryPolicy := engine.RetryPolicy{
		MaxAttempts:     cfg.Poll.RetryCeiling,
		InitialInterval: cfg.Poll.Backoff,
	}
	eng, err := replay.New(replay.Options{
		Store:         b.history,
		Logger:        logger,
		Metrics:       telemetry.NewClueMetrics(),
		Tracer:        telemetry.NewClueTracer(),
		Sink:          b.sink,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		DefaultRetry:  retryPolicy,
	})
	if err != nil {
		return err
	}
	if err := workflow.Register(ctx, eng, workflow.Options{
		Runs:         runs,
		Sessions:     b.sessions,
		Delivery:     router,
		Policy:       session.Policy{Timeout: cfg.Session.Timeout},
		PollInterval: cfg.Poll.Backoff,
		PollTimeout:  cfg.Poll.Timeout,
		Retry:        retryPolicy,
		TouchOnReuse: cfg.Session.TouchOnReuse,
	}); err != nil {
		return err
	}
	if err := eng.Recover(ctx); err != nil {
		return err
	}

	ingress, err := groupme.New(groupme.Options{
		Engine:        eng,
		Sessions:      b.sessions,
		TriggerPhrase: cfg.GroupMe.TriggerPhrase,
		PollTimeout:   cfg.Poll.Timeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	srv := newServer(ctx, cfg, ingress, b.pingers)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Errorf(ctx, err, "HTTP server stopped")
	}

	log.Printf(ctx, "shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(sctx, err, "failed to shutdown HTTP server")
	}
	if err := eng.Close(sctx); err != nil {
		log.Errorf(sctx, err, "failed to stop engine")
	}
	log.Printf(ctx, "exited")
	return nil
}
