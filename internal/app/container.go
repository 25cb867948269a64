// Package app wires configuration, infrastructure and components into a
// single container shared by the binaries.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-dispatch/internal/compliance"
	"github.com/acme/outbound-dispatch/internal/config"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/infra/db"
	"github.com/acme/outbound-dispatch/internal/infra/redis"
	"github.com/acme/outbound-dispatch/internal/initiator"
	initiatorMock "github.com/acme/outbound-dispatch/internal/initiator/mock"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	pgrepo "github.com/acme/outbound-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dispatch/internal/repository/scylla"
	"github.com/acme/outbound-dispatch/internal/retry"
	"github.com/acme/outbound-dispatch/internal/service/concurrency"
	queuesvc "github.com/acme/outbound-dispatch/internal/service/queue"
	"github.com/acme/outbound-dispatch/pkg/logger"
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
		publishers   *publishers
		services     *services
		providers    *providers
		limiters     *limiters
		gate         *compliance.Gate
		retryPolicy  *retry.Policy
	}
}

type repositories struct {
	Queue    repository.QueueStore
	Settings repository.OutboundSettingsRepository
	DNC      repository.DNCRepository
	Attempts repository.DispatchAttemptStore
}

type publishers struct {
	Outcome *queue.OutcomePublisher
}

type services struct {
	Queue *queuesvc.Service
}

type providers struct {
	Voice initiator.Initiator
}

type limiters struct {
	Tenant *concurrency.Limiter
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

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Queue:    pgrepo.NewQueueRepository(c.Postgres.DB()),
			Settings: pgrepo.NewSettingsRepository(c.Postgres.DB()),
			DNC:      pgrepo.NewDNCRepository(c.Postgres.DB()),
			Attempts: scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Outcome: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
		}

		gate := compliance.NewGate(repos.Settings, repos.DNC, repos.Queue)

		policy := retry.NewPolicy(domain.RetryPolicy{
			MaxAttempts: c.Config.Retry.MaxAttempts,
			BaseDelay:   c.Config.Retry.BaseDelay,
			MaxDelay:    c.Config.Retry.MaxDelay,
			Jitter:      c.Config.Retry.Jitter,
		})

		provs := &providers{
			Voice: initiatorMock.NewProvider(c.Config.VoiceBridge),
		}

		lims := &limiters{
			Tenant: concurrency.NewLimiter(c.Redis.Inner(), c.Config.Throttle.PerTenantConcurrency, c.Config.Throttle.SlotTTL),
		}

		svcs := &services{
			Queue: queuesvc.NewService(
				repos.Queue,
				repos.Settings,
				repos.Attempts,
				gate,
				provs.Voice,
				c.Config.Retry.MaxAttempts,
			),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.providers = provs
		c.components.limiters = lims
		c.components.gate = gate
		c.components.retryPolicy = policy
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// Gate exposes the shared admission gate.
func (c *Container) Gate() *compliance.Gate {
	c.initComponents()
	return c.components.gate
}

// RetryPolicy exposes the configured retry policy.
func (c *Container) RetryPolicy() *retry.Policy {
	c.initComponents()
	return c.components.retryPolicy
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.OutcomeTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil && p.Outcome != nil {
		if err := p.Outcome.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
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
