package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/relay/config"
	groupmedelivery "goa.design/relay/features/delivery/groupme"
	historymongo "goa.design/relay/features/history/mongo"
	historyredis "goa.design/relay/features/history/redis"
	"goa.design/relay/features/ingress/groupme"
	"goa.design/relay/features/runservice/griptape"
	sessionmongo "goa.design/relay/features/session/mongo"
	clientsmongo "goa.design/relay/features/session/mongo/clients/mongo"
	streampulse "goa.design/relay/features/stream/pulse"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/relay/delivery"
	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	historyinmem "goa.design/relay/runtime/relay/history/inmem"
	"goa.design/relay/runtime/relay/runservice"
	"goa.design/relay/runtime/relay/runservice/httpclient"
	"goa.design/relay/runtime/relay/session"
	sessioninmem "goa.design/relay/runtime/relay/session/inmem"
)

// backends holds the stores and connections shared by the engine, the
// workflow and the ingress.
type backends struct {
	history  history.Store
	sessions session.Store
	sink     engine.Sink
	pingers  []health.Pinger
	closers  []func(context.Context) error
}

// connect opens the configured stores. Sessions live in MongoDB whenever
// MONGO_URI is set and in memory otherwise. Lifecycle events are published
// to Pulse whenever REDIS_URL is set.
func connect(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	var (
		mc  *mongo.Client
		rdb *redis.Client
	)
	if cfg.Mongo.URI != "" {
		c, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		mc = c
		b.closers = append(b.closers, mc.Disconnect)
	}
	if cfg.Redis.URL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			b.close(ctx)
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
	}

	if err := b.openSessions(cfg, mc); err != nil {
		b.close(ctx)
		return nil, err
	}
	if err := b.openHistory(cfg, mc, rdb); err != nil {
		b.close(ctx)
		return nil, err
	}
	if rdb != nil {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 10000})
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		b.sink = sink
	}
	return b, nil
}

func (b *backends) openSessions(cfg *config.Config, mc *mongo.Client) error {
	if mc == nil {
		b.sessions = sessioninmem.New()
		return nil
	}
	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	store, err := sessionmongo.NewStore(client)
	if err != nil {
		return err
	}
	b.sessions = store
	b.pingers = append(b.pingers, client)
	return nil
}

func (b *backends) openHistory(cfg *config.Config, mc *mongo.Client, rdb *redis.Client) error {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		store, err := historymongo.New(historymongo.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		b.history = store
		b.pingers = append(b.pingers, store)
	case config.BackendRedis:
		store, err := historyredis.New(historyredis.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		b.history = store
		b.pingers = append(b.pingers, store)
	default:
		b.history = historyinmem.New()
	}
	return nil
}

func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			log.Errorf(ctx, err, "failed to close backend")
		}
	}
	b.closers = nil
}

func newRunService(cfg *config.Config) (runservice.Client, error) {
	if cfg.RunService.Kind == config.RunServiceGriptape {
		return griptape.New(griptape.Options{
			BaseURL: cfg.RunService.URL,
			APIKey:  cfg.RunService.APIKey,
			AppID:   cfg.RunService.AppID,
		})
	}
	return httpclient.New(cfg.RunService.URL, httpclient.WithBearerToken(cfg.RunService.APIKey))
}

func newRouter(cfg *config.Config) (delivery.Router, error) {
	sender, err := groupmedelivery.New(groupmedelivery.Options{
		BotID: cfg.GroupMe.BotID,
		Token: cfg.GroupMe.APIToken,
		Rate:  cfg.Delivery.Rate,
		Burst: cfg.Delivery.Burst,
	})
	if err != nil {
		return nil, err
	}
	d, err := delivery.New(sender, delivery.Options{ChunkSize: cfg.Delivery.ChunkSize})
	if err != nil {
		return nil, err
	}
	return delivery.Router{groupme.DeliveryType: d}, nil
}
