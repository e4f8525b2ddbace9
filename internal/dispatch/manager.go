// internal/dispatch/manager.go
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/progress"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/sendport"
)

// Manager is the process-wide table of active dispatchers: one entry
// per running campaign, created on start, removed when the loop exits.
// It also owns the per-inbox rate limiters shared by campaigns on the
// same provider account.
type Manager struct {
	campaigns repository.CampaignRepositoryInterface
	contacts  repository.CampaignContactRepositoryInterface
	sender    sendport.Sender
	events    events.Publisher
	log       zerolog.Logger

	maxAttempts        int
	inboxRatePerMinute int

	mu       sync.Mutex
	active   map[int]*Dispatcher
	limiters map[int]*rate.Limiter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(
	campaigns repository.CampaignRepositoryInterface,
	contacts repository.CampaignContactRepositoryInterface,
	sender sendport.Sender,
	publisher events.Publisher,
	log zerolog.Logger,
	maxAttempts int,
	inboxRatePerMinute int,
) *Manager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		campaigns:          campaigns,
		contacts:           contacts,
		sender:             sender,
		events:             publisher,
		log:                log,
		maxAttempts:        maxAttempts,
		inboxRatePerMinute: inboxRatePerMinute,
		active:             map[int]*Dispatcher{},
		limiters:           map[int]*rate.Limiter{},
		baseCtx:            ctx,
		cancel:             cancel,
	}
}

// Start activates a dispatcher for the campaign. Exactly one may be
// active per campaign id; a duplicate activation is rejected with
// ConcurrencyError, never queued.
func (m *Manager) Start(c *model.Campaign, tracker *progress.Tracker) (*Dispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[c.ID]; ok {
		return nil, &apperr.ConcurrencyError{CampaignID: c.ID}
	}

	d := &Dispatcher{
		campaignID:  c.ID,
		inboxID:     c.InboxID,
		template:    c.BaseTemplate,
		campaigns:   m.campaigns,
		contacts:    m.contacts,
		sender:      m.sender,
		events:      m.events,
		limiter:     m.limiterLocked(c.InboxID),
		tracker:     tracker,
		log:         m.log.With().Int("campaign", c.ID).Logger(),
		maxAttempts: m.maxAttempts,
		clock:       time.Now,
		cfg: Config{
			DelayMinSeconds: c.DelayMinSeconds,
			DelayMaxSeconds: c.DelayMaxSeconds,
			Window:          c.SendingWindow,
		},
		pauseCh:  make(chan struct{}),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.onExit = func() { m.remove(c.ID) }

	m.active[c.ID] = d
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		d.run(m.baseCtx)
	}()
	return d, nil
}

func (m *Manager) remove(campaignID int) {
	m.mu.Lock()
	delete(m.active, campaignID)
	m.mu.Unlock()
}

func (m *Manager) get(campaignID int) *Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[campaignID]
}

// Active reports whether a dispatcher is live for the campaign.
func (m *Manager) Active(campaignID int) bool {
	return m.get(campaignID) != nil
}

// Pause signals the campaign's dispatcher. Returns false when none is
// active, in which case the caller transitions the status itself.
func (m *Manager) Pause(campaignID int) bool {
	d := m.get(campaignID)
	if d == nil {
		return false
	}
	d.Pause()
	return true
}

// Cancel signals a terminal stop. Returns false when no dispatcher is
// active.
func (m *Manager) Cancel(campaignID int) bool {
	d := m.get(campaignID)
	if d == nil {
		return false
	}
	d.Cancel()
	return true
}

// UpdateConfig swaps the live config snapshot of an active dispatcher.
// No-op when the campaign is not running.
func (m *Manager) UpdateConfig(campaignID int, cfg Config) {
	if d := m.get(campaignID); d != nil {
		d.SetConfig(cfg)
	}
}

// Snapshot returns the live progress aggregate, if a dispatcher is
// active.
func (m *Manager) Snapshot(campaignID int) (progress.Snapshot, bool) {
	d := m.get(campaignID)
	if d == nil {
		return progress.Snapshot{}, false
	}
	return d.tracker.Snapshot(), true
}

// limiterLocked returns the shared limiter for an inbox, creating it on
// first use. Caller holds m.mu.
func (m *Manager) limiterLocked(inboxID int) *rate.Limiter {
	if m.inboxRatePerMinute <= 0 {
		return nil
	}
	lim, ok := m.limiters[inboxID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(m.inboxRatePerMinute)/60.0), 1)
		m.limiters[inboxID] = lim
	}
	return lim
}

// Shutdown stops all dispatchers and waits for their loops to exit or
// the context to expire. Running campaigns keep status running and
// resume from persisted contact state on restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
