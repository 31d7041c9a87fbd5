// Package failover decides which transport feeds a subscription. It tries the
// push channel first, falls back to the cursor-resumable poller, and degrades
// further to fixed-interval snapshot polling when the server cannot resume.
package failover

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/api"
	"github.com/dgnsrekt/gridsync/internal/backoff"
	"github.com/dgnsrekt/gridsync/internal/channel"
	"github.com/dgnsrekt/gridsync/internal/model"
	"github.com/dgnsrekt/gridsync/internal/reconcile"
	"github.com/dgnsrekt/gridsync/internal/status"
)

const (
	DefaultPollBudget    = 30 * time.Second
	DefaultFixedInterval = 5 * time.Second
)

// DefaultSnapshotEvents are the push events whose payload is a full snapshot.
var DefaultSnapshotEvents = []string{"state", "update"}

// ChannelClient is the part of *channel.Client the controller drives.
type ChannelClient interface {
	Connect(ctx context.Context) (<-chan channel.Event, error)
	Push(ctx context.Context, event string, payload any) (string, error)
	Disconnect()
	Err() error
}

// ChannelFactory builds a channel client for one topic.
type ChannelFactory func(topic string) ChannelClient

// Config tunes the controller. Zero values take defaults.
type Config struct {
	PollBudget        time.Duration
	FixedInterval     time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	SnapshotEvents    []string
}

func (c Config) withDefaults() Config {
	if c.PollBudget <= 0 {
		c.PollBudget = DefaultPollBudget
	}
	if c.FixedInterval <= 0 {
		c.FixedInterval = DefaultFixedInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = backoff.DefaultMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = backoff.DefaultMax
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = backoff.DefaultMultiplier
	}
	if len(c.SnapshotEvents) == 0 {
		c.SnapshotEvents = DefaultSnapshotEvents
	}
	return c
}

// Controller creates subscriptions. It holds no per-subscription state.
type Controller struct {
	poller   api.Poller
	channels ChannelFactory
	store    *status.Store
	cfg      Config
	logger   *zap.Logger

	seq atomic.Uint64
}

// New builds a controller. channels may be nil, in which case every
// subscription goes straight to polling.
func New(poller api.Poller, channels ChannelFactory, store *status.Store, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = status.NewStore(logger)
	}
	return &Controller{
		poller:   poller,
		channels: channels,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Store returns the status store this controller publishes to.
func (c *Controller) Store() *status.Store {
	return c.store
}

// Subscribe starts watching res. The subscription runs until Close is called,
// ctx is done, or the server reports the caller is unauthenticated.
func (c *Controller) Subscribe(ctx context.Context, res model.Resource) *Subscription {
	owner := res.String() + "#" + strconv.FormatUint(c.seq.Add(1), 10)
	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		res:     res,
		ctrl:    c,
		owner:   owner,
		updates: make(chan Update),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  c.logger.With(zap.Stringer("resource", res), zap.String("subscription", owner)),
	}

	if err := res.Validate(); err != nil {
		s.err = err
		cancel()
		close(s.updates)
		close(s.done)
		return s
	}

	s.writer = c.store.Acquire(owner)
	s.reconciler = reconcile.NewReconciler()
	s.backoff = backoff.New(c.cfg.BackoffMin, c.cfg.BackoffMax, c.cfg.BackoffMultiplier)

	go s.run(ctx)
	return s
}
