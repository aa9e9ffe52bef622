// Package sweep schedules the background maintenance jobs that keep the
// queue and the assistant honest over time:
//
//   - releasing claim leases left behind by crashed dispatch workers, so
//     stranded items become claimable again
//   - abandoning conversations idle past the configured window
//   - flushing buffered knowledge-article counters to the store
//
// Jobs run on cron specs, write structured logs, and tolerate individual
// failures: a failed run is logged and retried on the next tick.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/services"
)

// jobTimeout bounds one maintenance run.
const jobTimeout = time.Minute

// Sweeper owns the cron engine and the three maintenance jobs.
type Sweeper struct {
	DB            *gorm.DB
	Cfg           config.SweepConfig
	ClaimTimeout  time.Duration
	Conversations *services.ConversationService
	Knowledge     *services.KnowledgeService

	engine *cron.Cron
}

// New constructs a Sweeper. Jobs are registered on Start.
func New(db *gorm.DB, cfg config.SweepConfig, claimTimeout time.Duration, convs *services.ConversationService, kb *services.KnowledgeService) *Sweeper {
	return &Sweeper{
		DB:            db,
		Cfg:           cfg,
		ClaimTimeout:  claimTimeout,
		Conversations: convs,
		Knowledge:     kb,
		engine:        cron.New(),
	}
}

// Start registers the jobs and launches the cron engine. It returns an
// error when a cron spec fails to parse; a misconfigured schedule is a
// deployment bug, not something to run degraded around.
func (s *Sweeper) Start() error {
	if _, err := s.engine.AddFunc(s.Cfg.ReclaimSpec, s.runReclaim); err != nil {
		return err
	}
	if _, err := s.engine.AddFunc(s.Cfg.AbandonSpec, s.runAbandon); err != nil {
		return err
	}
	if _, err := s.engine.AddFunc(s.Cfg.FlushSpec, s.runFlush); err != nil {
		return err
	}
	s.engine.Start()
	log.Info().
		Str("reclaim", s.Cfg.ReclaimSpec).
		Str("abandon", s.Cfg.AbandonSpec).
		Str("flush", s.Cfg.FlushSpec).
		Msg("maintenance sweeper started")
	return nil
}

// Stop halts the cron engine and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()
	// one final flush so buffered counters survive shutdown
	fctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.Knowledge.FlushCounters(fctx); err != nil {
		log.Error().Err(err).Msg("final counter flush failed")
	}
	log.Info().Msg("maintenance sweeper stopped")
}

func (s *Sweeper) runReclaim() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := repo.ReleaseExpiredClaims(ctx, s.DB, s.ClaimTimeout)
	if err != nil {
		log.Error().Err(err).Msg("claim reclaim sweep failed")
		return
	}
	if n > 0 {
		log.Warn().Int64("released", n).Msg("released expired claim leases")
	}
}

func (s *Sweeper) runAbandon() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.Conversations.SweepAbandoned(ctx)
	if err != nil {
		log.Error().Err(err).Msg("abandon sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("abandoned", n).Msg("abandoned idle conversations")
	}
}

func (s *Sweeper) runFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.Knowledge.FlushCounters(ctx)
	if err != nil {
		log.Error().Err(err).Int("flushed", n).Msg("counter flush incomplete")
		return
	}
	if n > 0 {
		log.Debug().Int("flushed", n).Msg("flushed article counters")
	}
}
