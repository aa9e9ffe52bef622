package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/services"
)

// Pool is one channel's delivery loop: a single claimer goroutine pulls due
// items from the queue in batches and a fixed set of workers carries them
// through the preference gate and the sender. Claim leases make items
// invisible to other pools and other instances of this pool; the sweep
// releases leases a crashed worker left behind.
type Pool struct {
	Channel domain.Channel
	Cfg     config.ChannelConfig

	DB     *gorm.DB
	Queue  *services.NotificationService
	Prefs  *services.PreferenceService
	Sender Sender

	ClaimTimeout time.Duration
	PollInterval time.Duration
	SendTimeout  time.Duration

	limiter *rate.Limiter
}

// NewPool wires a delivery pool for one channel from the dispatch config.
func NewPool(db *gorm.DB, dc config.DispatchConfig, channel domain.Channel, queue *services.NotificationService, prefs *services.PreferenceService, sender Sender) *Pool {
	cfg := dc.ChannelFor(string(channel))
	p := &Pool{
		Channel:      channel,
		Cfg:          cfg,
		DB:           db,
		Queue:        queue,
		Prefs:        prefs,
		Sender:       sender,
		ClaimTimeout: dc.ClaimTimeout,
		PollInterval: dc.PollInterval,
		SendTimeout:  dc.SendTimeout,
	}
	if cfg.RateRPS > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), burst)
	}
	return p
}

// Run blocks until ctx is cancelled, then drains in-flight work and
// returns. Items claimed but not yet resolved when the process dies are
// re-claimed after the lease expires.
func (p *Pool) Run(ctx context.Context) {
	workers := p.Cfg.Workers
	if workers < 1 {
		workers = 1
	}
	items := make(chan domain.NotificationItem, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for item := range items {
				p.process(ctx, item)
			}
		}()
	}

	log.Info().
		Str("channel", string(p.Channel)).
		Int("workers", workers).
		Int("batch_size", p.Cfg.BatchSize).
		Msg("dispatch pool started")

	p.claimLoop(ctx, items)
	close(items)
	wg.Wait()

	log.Info().Str("channel", string(p.Channel)).Msg("dispatch pool stopped")
}

// claimLoop pulls due items in batches and hands them to workers. An empty
// batch sleeps for the poll interval; a full batch claims again immediately
// so a backlog drains at worker speed.
func (p *Pool) claimLoop(ctx context.Context, items chan<- domain.NotificationItem) {
	poll := p.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := repo.ClaimBatch(ctx, p.DB, p.Channel, p.Cfg.BatchSize, p.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("channel", string(p.Channel)).Msg("claim batch failed")
			batch = nil
		}
		claimedTotal.WithLabelValues(string(p.Channel)).Add(float64(len(batch)))

		for _, item := range batch {
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}

		if len(batch) == p.Cfg.BatchSize && p.Cfg.BatchSize > 0 {
			continue
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return
		}
	}
}

// process carries one claimed item through the preference gate and the
// sender, then resolves it. Every claimed item ends in exactly one of:
// sent, rescheduled, failed, suppressed, or deferred.
func (p *Pool) process(ctx context.Context, item domain.NotificationItem) {
	decision, deferUntil, err := p.Prefs.Evaluate(ctx, &item, time.Now().UTC())
	if err != nil {
		// Preferences unreadable: release the claim by retrying transiently
		// rather than guessing the user's settings.
		p.resolve(ctx, item, services.TransientFailure("preference lookup failed: "+err.Error()))
		return
	}

	switch decision {
	case services.GateSuppress:
		suppressedTotal.WithLabelValues(string(p.Channel)).Inc()
		if err := p.Queue.Suppress(ctx, item.ID); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("suppress failed")
		}
		return

	case services.GateDefer:
		deferredTotal.WithLabelValues(string(p.Channel)).Inc()
		if err := p.Queue.DeferUntil(ctx, item.ID, deferUntil); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("defer failed")
		}
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.resolve(ctx, item, services.TransientFailure("shutdown before send"))
			return
		}
	}

	sctx := ctx
	var cancel context.CancelFunc
	if p.SendTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, p.SendTimeout)
	}
	inflight.Inc()
	start := time.Now()
	sendErr := p.Sender.Send(sctx, &item)
	sendDuration.WithLabelValues(string(p.Channel)).Observe(time.Since(start).Seconds())
	inflight.Dec()
	if cancel != nil {
		cancel()
	}

	switch {
	case sendErr == nil:
		sendsTotal.WithLabelValues(string(p.Channel), "delivered").Inc()
		p.resolve(ctx, item, services.Delivered())
	case IsPermanent(sendErr):
		sendsTotal.WithLabelValues(string(p.Channel), "permanent").Inc()
		p.resolve(ctx, item, services.PermanentFailure(sendErr.Error()))
	default:
		sendsTotal.WithLabelValues(string(p.Channel), "transient").Inc()
		p.resolve(ctx, item, services.TransientFailure(sendErr.Error()))
	}
}

// resolve reports the outcome, falling back to a background context when the
// pool's own context is already cancelled so a completed send is never lost.
func (p *Pool) resolve(ctx context.Context, item domain.NotificationItem, outcome services.Outcome) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := p.Queue.ReportOutcome(ctx, item.ID, outcome); err != nil {
		log.Error().
			Err(err).
			Str("item_id", item.ID).
			Str("channel", string(p.Channel)).
			Msg("outcome report failed")
	}
}
