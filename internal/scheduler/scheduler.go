// internal/scheduler/scheduler.go

// Package scheduler starts campaigns whose scheduled_at has come due.
package scheduler

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/repository"
)

// Starter is the slice of the control plane the scheduler needs.
type Starter interface {
	Start(campaignID int) error
}

type Scheduler struct {
	cron      *cron.Cron
	campaigns repository.CampaignRepositoryInterface
	starter   Starter
	log       zerolog.Logger
}

func New(campaigns repository.CampaignRepositoryInterface, starter Starter, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		campaigns: campaigns,
		starter:   starter,
		log:       log,
	}
}

// Run begins polling for due campaigns once a minute.
func (s *Scheduler) Run() error {
	if _, err := s.cron.AddFunc("@every 1m", s.tick); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the poller and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	due, err := s.campaigns.DueScheduled(time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query due campaigns")
		return
	}
	for _, c := range due {
		err := s.starter.Start(c.ID)
		var concurrency *apperr.ConcurrencyError
		var invalid *apperr.InvalidStateTransitionError
		switch {
		case err == nil:
			s.log.Info().Int("campaign", c.ID).Msg("scheduled campaign started")
		case errors.As(err, &concurrency), errors.As(err, &invalid):
			// Another path started it between the query and now.
			s.log.Debug().Err(err).Int("campaign", c.ID).Msg("scheduled campaign already handled")
		default:
			s.log.Error().Err(err).Int("campaign", c.ID).Msg("failed to start scheduled campaign")
		}
	}
}
