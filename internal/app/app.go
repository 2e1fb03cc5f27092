package app

import (
	"fmt"

	"teamchat-core/internal/cleaner"
	"teamchat-core/internal/counters"
	"teamchat-core/internal/delivery"
	"teamchat-core/internal/fastcounters"
	"teamchat-core/internal/fixer"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/messaging"
	"teamchat-core/internal/metrics"
	"teamchat-core/internal/notify"
	"teamchat-core/internal/queue"
	"teamchat-core/internal/rooms"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"
	"teamchat-core/internal/watch"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Role string

const (
	RoleAPI      Role = "api"
	RoleDelivery Role = "delivery"
	RoleFixer    Role = "fixer"
	RoleCleaner  Role = "cleaner"
)

// Counter providers selectable with COUNTERS_PROVIDER
const (
	ProviderPrecalculated = "precalculated"
	ProviderDialogState   = "dialog_state"
)

// EnvConfig defines process-wide settings, parsed from environment variables
type EnvConfig struct {
	Roles               []string `env:"APP_ROLES" envDefault:"api,delivery,fixer,cleaner" envSeparator:"," validate:"min=1,dive,oneof=api delivery fixer cleaner"`
	DeliveryWorkers     int      `env:"DELIVERY_WORKERS" envDefault:"8" validate:"min=1,max=1024"`
	FanOutConcurrency   int      `env:"DELIVERY_FANOUT_CONCURRENCY" envDefault:"16" validate:"min=1,max=1024"`
	FixerConcurrency    int      `env:"FIXER_DIALOG_CONCURRENCY" envDefault:"8" validate:"min=1,max=1024"`
	HandledMessageGuard bool     `env:"COUNTERS_HANDLED_MESSAGE_GUARD" envDefault:"true"`
	CounterProvider     string   `env:"COUNTERS_PROVIDER" envDefault:"precalculated" validate:"oneof=precalculated dialog_state"`
}

var validate = validator.New()

// Validate checks parsed values against their bounds
func (c EnvConfig) Validate() error {
	return validate.Struct(c)
}

// ParseRoles validates configured roles and drops duplicates
func (c EnvConfig) ParseRoles() ([]Role, error) {
	seen := make(map[Role]struct{}, len(c.Roles))
	var out []Role
	for _, r := range c.Roles {
		role := Role(r)
		switch role {
		case RoleAPI, RoleDelivery, RoleFixer, RoleCleaner:
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no roles configured")
	}
	return out, nil
}

// Components is the wired graph of repositories and mediators sharing one store
type Components struct {
	Users            *userstate.Repository
	Messages         *messages.Repository
	Rooms            *rooms.Repository
	Metrics          *metrics.Repository
	Counters         *counters.Repository
	CountersMediator *counters.Mediator
	FastCounters     *fastcounters.Repository
	Settings         *fastcounters.Settings
	Provider         fastcounters.CounterProvider
	Delivery         *delivery.Mediator
	Fixer            *fixer.Repository
	Messaging        *messaging.MessagingMediator
	RoomMediator     *messaging.RoomMediator

	store storage.Transactor
}

// Build wires every component over store and the given transports
func Build(logger *zap.SugaredLogger, store storage.Transactor, q queue.Queue, sink notify.Sink, notifier watch.Notifier, cfg EnvConfig) *Components {
	c := &Components{
		store:        store,
		Users:        userstate.New(logger.Named("userstate"), store),
		Messages:     messages.New(logger.Named("messages"), store),
		Rooms:        rooms.New(logger.Named("rooms"), store),
		FastCounters: fastcounters.New(logger.Named("fastcounters"), store),
		Settings:     fastcounters.NewSettings(store),
	}
	c.Metrics = metrics.New(logger.Named("metrics"), store, c.Users)
	c.Counters = counters.NewRepository(logger.Named("counters"), store, c.Users, c.Messages,
		counters.WithHandledMessageGuard(cfg.HandledMessageGuard))
	c.CountersMediator = counters.NewMediator(logger.Named("counters"), store, c.Counters, c.Users, sink)
	c.Provider = newProvider(store, c, cfg.CounterProvider)

	deliveryOpts := []delivery.Option{}
	if cfg.FanOutConcurrency > 0 {
		deliveryOpts = append(deliveryOpts, delivery.Concurrency(cfg.FanOutConcurrency))
	}
	c.Delivery = delivery.NewMediator(
		logger.Named("delivery"),
		store,
		delivery.NewRepository(logger.Named("delivery"), store, c.Users, notifier),
		c.CountersMediator,
		c.Metrics,
		c.Rooms,
		c.Messages,
		q,
		deliveryOpts...,
	)
	c.Fixer = fixer.New(logger.Named("fixer"), store, c.Users, c.Messages, cfg.FixerConcurrency)
	c.Messaging = messaging.NewMessagingMediator(logger.Named("messaging"), store, c.Messages, c.Rooms, c.FastCounters, c.Delivery, c.Metrics)
	c.RoomMediator = messaging.NewRoomMediator(logger.Named("messaging"), store, c.Rooms, c.Messages, c.FastCounters, c.Delivery, c.Metrics)
	return c
}

// newProvider falls back to precalculated counters when name is empty
func newProvider(store storage.Transactor, c *Components, name string) fastcounters.CounterProvider {
	if name == ProviderDialogState {
		return fastcounters.NewDialogStateProvider(store, c.Users, c.Settings)
	}
	return fastcounters.NewPrecalculatedProvider(store, c.FastCounters, c.Users, c.Settings)
}

func (c *Components) Cleaner(logger *zap.SugaredLogger, cfg cleaner.Config) *cleaner.Cleaner {
	return cleaner.New(logger.Named("cleaner"), c.store, c.Users, cfg)
}

func (c *Components) FixerJob(logger *zap.SugaredLogger, cfg fixer.JobConfig) *fixer.Job {
	return fixer.NewJob(logger.Named("fixer"), c.Fixer, c.Users, cfg)
}
