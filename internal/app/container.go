package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/lead-call-engine/internal/bridge"
	"github.com/acme/lead-call-engine/internal/callstate"
	"github.com/acme/lead-call-engine/internal/config"
	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/infra/db"
	"github.com/acme/lead-call-engine/internal/infra/redis"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/normalizer"
	"github.com/acme/lead-call-engine/internal/queue"
	"github.com/acme/lead-call-engine/internal/repository"
	pgrepo "github.com/acme/lead-call-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-call-engine/internal/repository/scylla"
	"github.com/acme/lead-call-engine/internal/rotation"
	"github.com/acme/lead-call-engine/internal/service/concurrency"
	"github.com/acme/lead-call-engine/internal/voiceai"
	"github.com/acme/lead-call-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		dispatchers  *dispatchers
		engine       *engine
		limiters     *limiters
	}
}

type repositories struct {
	Leads     repository.LeadRepository
	CallStore repository.CallStore
}

type dispatchers struct {
	CallDispatcher  *queue.CallDispatcher
	StatusPublisher *queue.StatusPublisher
	RetryScheduler  *queue.RetryScheduler
	// DeadLetter is nil when no dead-letter topic is configured.
	DeadLetter *queue.DeadLetterPublisher
}

type engine struct {
	Normalizer *normalizer.Normalizer
	Monitor    monitor.Sink
	Broadcast  *monitor.Broadcaster
	Tracker    *callstate.Tracker
	Bridges    *bridge.Manager
	VoiceAI    *voiceai.Client
	Rotation   *rotation.Scheduler
}

type limiters struct {
	Streams *concurrency.Limiter
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Leads:     pgrepo.NewLeadRepository(c.Postgres.DB()),
			CallStore: scyllarepo.NewCallStore(c.Scylla.Session()),
		}

		disp := &dispatchers{
			CallDispatcher:  queue.NewCallDispatcher(c.Kafka, cfg.Kafka.CallTopic),
			StatusPublisher: queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic),
			RetryScheduler:  queue.NewRetryScheduler(c.Kafka, cfg.Kafka.RetryTopics),
		}
		if cfg.Kafka.DeadLetterTopic != "" {
			disp.DeadLetter = queue.NewDeadLetterPublisher(c.Kafka, cfg.Kafka.DeadLetterTopic)
		}

		eng := &engine{
			Normalizer: normalizer.New(c.Logger.Named("normalizer"), normalizer.Options{
				Infer:   cfg.Normalizer.InferUnknown,
				Default: domain.CallStatus(cfg.Normalizer.DefaultStatus),
			}),
			Monitor: monitor.Nop{},
			Rotation: rotation.NewScheduler(domain.RetryPolicy{
				MaxAttempts: cfg.Rotation.MaxAttempts,
				RetryDelay:  cfg.Rotation.RetryDelay,
				CycleDelay:  cfg.Rotation.CycleDelay,
			}),
		}
		if cfg.Monitor.Enabled {
			eng.Broadcast = monitor.NewBroadcaster(c.Redis.Inner(), cfg.Monitor, c.Logger.Named("monitor"))
			eng.Monitor = eng.Broadcast
		}
		eng.Tracker = callstate.NewTracker(disp.StatusPublisher, eng.Monitor, cfg.Rotation.SessionRetention, c.Logger.Named("callstate"))
		eng.VoiceAI = voiceai.NewClient(cfg.VoiceAI, c.Logger.Named("voiceai"))
		dialer := bridge.VoiceDialerFunc(func(ctx context.Context, session voiceai.Session) (bridge.VoiceConn, error) {
			conn, err := eng.VoiceAI.Dial(ctx, session)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
		eng.Bridges = bridge.NewManager(bridge.ManagerConfigFrom(cfg.Bridge, cfg.VoiceAI), dialer, eng.Monitor, c.Logger.Named("bridge"))

		lim := &limiters{
			Streams: concurrency.NewLimiter(c.Redis.Inner(), cfg.Throttle),
		}

		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.engine = eng
		c.components.limiters = lim
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Engine exposes the call session engine components.
func (c *Container) Engine() *engine {
	c.initComponents()
	return c.components.engine
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if e := c.components.engine; e != nil && e.Bridges != nil {
		if err := e.Bridges.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridges close: %w", err))
		}
	}
	if d := c.components.dispatchers; d != nil {
		if d.CallDispatcher != nil {
			if err := d.CallDispatcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
			}
		}
		if d.StatusPublisher != nil {
			if err := d.StatusPublisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status publisher close: %w", err))
			}
		}
		if d.RetryScheduler != nil {
			if err := d.RetryScheduler.Close(); err != nil {
				errs = append(errs, fmt.Errorf("retry scheduler close: %w", err))
			}
		}
		if d.DeadLetter != nil {
			if err := d.DeadLetter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dead letter close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CallTopic, c.Config.Kafka.StatusTopic}
	if err := c.Kafka.EnsureTopics(ctx, topics, 48, 1); err != nil {
		return err
	}

	if len(c.Config.Kafka.RetryTopics) > 0 {
		if err := c.Kafka.EnsureTopics(ctx, c.Config.Kafka.RetryTopics, 48, 1); err != nil {
			return err
		}
	}

	if c.Config.Kafka.DeadLetterTopic != "" {
		if err := c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.DeadLetterTopic}, 12, 1); err != nil {
			return err
		}
	}

	return nil
}
