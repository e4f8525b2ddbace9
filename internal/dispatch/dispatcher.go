// internal/dispatch/dispatcher.go

// Package dispatch drives the per-campaign sending loop: pop the oldest
// pending contact, send it, record the outcome, wait a humanized delay,
// repeat. All waits are interruptible so pause and cancel requests take
// effect without riding out a delay or a closed sending window.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/pacing"
	"github.com/waveline/campaign-engine/internal/progress"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/sendport"
	"github.com/waveline/campaign-engine/internal/window"
)

// Config is the slice of campaign configuration the loop consults every
// cycle. Updates swap the whole value under a mutex so a cycle never
// sees half of an update.
type Config struct {
	DelayMinSeconds int
	DelayMaxSeconds int
	Window          *model.SendingWindow
}

type action int

const (
	actionNone action = iota
	actionPause
	actionCancel
	actionShutdown
)

// Dispatcher owns one campaign's sending loop. Exactly one exists per
// running campaign; the Manager enforces that.
type Dispatcher struct {
	campaignID int
	inboxID    int
	template   string

	campaigns repository.CampaignRepositoryInterface
	contacts  repository.CampaignContactRepositoryInterface
	sender    sendport.Sender
	events    events.Publisher
	limiter   *rate.Limiter
	tracker   *progress.Tracker
	log       zerolog.Logger

	maxAttempts int
	clock       func() time.Time

	cfgMu sync.Mutex
	cfg   Config

	pauseOnce  sync.Once
	cancelOnce sync.Once
	pauseCh    chan struct{}
	cancelCh   chan struct{}
	done       chan struct{}

	onExit func()
}

// Pause requests the loop to stop after the current step, persisting
// status paused. Safe to call more than once.
func (d *Dispatcher) Pause() {
	d.pauseOnce.Do(func() { close(d.pauseCh) })
}

// Cancel requests a terminal stop, leaving remaining pending contacts
// untouched for audit.
func (d *Dispatcher) Cancel() {
	d.cancelOnce.Do(func() { close(d.cancelCh) })
}

// Done is closed when the loop has exited and its status transition has
// been persisted.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Tracker exposes the live progress aggregate for observers.
func (d *Dispatcher) Tracker() *progress.Tracker { return d.tracker }

// SetConfig atomically replaces the configuration the loop reads on its
// next cycle.
func (d *Dispatcher) SetConfig(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) configSnapshot() Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

func (d *Dispatcher) run(ctx context.Context) {
	defer func() {
		d.onExit()
		close(d.done)
	}()

	// Contacts stuck in sending from a previous crash resume as pending.
	if n, err := d.contacts.ResetStuckSending(d.campaignID); err != nil {
		d.log.Error().Err(err).Msg("failed to reset stuck contacts")
	} else if n > 0 {
		d.log.Info().Int64("contacts", n).Msg("reset mid-send contacts to pending")
	}

	d.log.Info().Msg("dispatcher started")

	for {
		if act := d.poll(ctx); act != actionNone {
			d.exitWith(act)
			return
		}

		cfg := d.configSnapshot()
		now := d.clock()

		if cfg.Window != nil && !window.Open(cfg.Window, now) {
			wake := window.NextOpen(cfg.Window, now)
			d.log.Info().Time("wake", wake).Msg("sending window closed, suspending")
			if act := d.sleep(ctx, wake.Sub(now)); act != actionNone {
				d.exitWith(act)
				return
			}
			continue
		}

		ct, err := d.contacts.NextPending(d.campaignID)
		if err != nil {
			d.log.Error().Err(err).Msg("failed to fetch next pending contact")
			if act := d.sleep(ctx, 5*time.Second); act != actionNone {
				d.exitWith(act)
				return
			}
			continue
		}
		if ct == nil {
			d.complete()
			return
		}

		if providerDown := d.sendContact(ctx, ct); providerDown {
			d.pauseForProvider()
			return
		}

		delay, err := pacing.Delay(cfg.DelayMinSeconds, cfg.DelayMaxSeconds)
		if err != nil {
			// Config is validated before it reaches the loop; fall back to
			// the slowest legal minimum rather than halting.
			delay = time.Second
		}
		if act := d.sleep(ctx, delay); act != actionNone {
			d.exitWith(act)
			return
		}
	}
}

// sendContact performs one send attempt and records the outcome. It
// returns true when the provider itself is unavailable and the whole
// campaign must pause.
func (d *Dispatcher) sendContact(ctx context.Context, ct *model.CampaignContact) bool {
	ref := progress.ContactRef{ContactID: ct.ContactID, Phone: ct.Phone, Name: ct.Name}

	claimed, err := d.contacts.MarkSending(ct.ID)
	if err != nil {
		d.log.Error().Err(err).Int("contact", ct.ContactID).Msg("failed to claim contact")
		return false
	}
	if !claimed {
		return false
	}
	d.tracker.StartContact(ref)

	// Shared per-inbox limiter: campaigns on the same provider account
	// must not collectively exceed its rate even though each one paces
	// itself.
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.abandonAttempt(ct)
			return false
		}
	}

	body := ct.RenderedContent
	if body == "" {
		body = RenderContact(d.template, ct)
	}
	res, err := d.sender.Send(ctx, sendport.Message{
		InboxID:        d.inboxID,
		Phone:          ct.Phone,
		Body:           body,
		IdempotencyKey: uuid.NewString(),
	})
	if err == nil {
		sentAt := d.clock()
		if err := d.contacts.MarkSent(ct.ID, sentAt); err != nil {
			d.log.Error().Err(err).Int("contact", ct.ContactID).Msg("failed to persist sent status")
		}
		d.tracker.Sent(ref)
		d.publish(model.EventContactSent, ct, "", res.ProviderMessageID)
		d.log.Info().Int("contact", ct.ContactID).Str("provider_message_id", res.ProviderMessageID).Msg("message sent")
		return false
	}

	if ctx.Err() != nil {
		d.abandonAttempt(ct)
		return false
	}

	if apperr.IsProviderUnavailable(err) {
		// Capability-wide outage, not a rejection of this recipient: put
		// the contact back untouched and stop before draining the queue.
		if reqErr := d.contacts.Requeue(ct.ID, ct.AttemptCount, apperr.ErrorType(err), err.Error()); reqErr != nil {
			d.log.Error().Err(reqErr).Int("contact", ct.ContactID).Msg("failed to requeue contact")
		}
		d.tracker.ClearCurrent()
		d.log.Error().Err(err).Msg("provider unavailable")
		return true
	}

	if apperr.IsTransient(err) && ct.AttemptCount+1 < d.maxAttempts {
		attempts := ct.AttemptCount + 1
		if reqErr := d.contacts.Requeue(ct.ID, attempts, apperr.ErrorType(err), err.Error()); reqErr != nil {
			d.log.Error().Err(reqErr).Int("contact", ct.ContactID).Msg("failed to requeue contact")
		}
		d.tracker.ClearCurrent()
		d.log.Warn().Err(err).Int("contact", ct.ContactID).Int("attempt", attempts).Msg("transient send failure, will retry")
		return false
	}

	errType := apperr.ErrorType(err)
	if markErr := d.contacts.MarkFailed(ct.ID, errType, err.Error()); markErr != nil {
		d.log.Error().Err(markErr).Int("contact", ct.ContactID).Msg("failed to persist failed status")
	}
	d.tracker.Failed(ref, errType, err.Error())
	d.publish(model.EventContactFailed, ct, errType, err.Error())
	d.log.Warn().Err(err).Int("contact", ct.ContactID).Msg("contact failed")
	return false
}

// abandonAttempt reverts a claimed contact without recording an outcome
// so a restart sees it as pending.
func (d *Dispatcher) abandonAttempt(ct *model.CampaignContact) {
	if err := d.contacts.Requeue(ct.ID, ct.AttemptCount, ct.ErrorType, ct.ErrorMessage); err != nil {
		d.log.Error().Err(err).Int("contact", ct.ContactID).Msg("failed to release contact")
	}
	d.tracker.ClearCurrent()
}

func (d *Dispatcher) complete() {
	ok, err := d.campaigns.TransitionStatus(d.campaignID, []model.CampaignStatus{model.StatusRunning}, model.StatusCompleted)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to persist completed status")
		return
	}
	if ok {
		d.publish(model.EventCampaignCompleted, nil, "", "")
		d.log.Info().Msg("campaign completed")
	}
}

func (d *Dispatcher) pauseForProvider() {
	ok, err := d.campaigns.TransitionStatus(d.campaignID, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to persist paused status")
		return
	}
	if ok {
		d.publish(model.EventProviderDown, nil, "provider_unavailable", "campaign paused: sending provider unavailable")
		d.log.Warn().Msg("campaign paused, provider unavailable")
	}
}

func (d *Dispatcher) exitWith(act action) {
	if act == actionPause {
		// A pending cancel outranks a simultaneous pause.
		select {
		case <-d.cancelCh:
			act = actionCancel
		default:
		}
	}

	switch act {
	case actionPause:
		if ok, err := d.campaigns.TransitionStatus(d.campaignID, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused); err != nil {
			d.log.Error().Err(err).Msg("failed to persist paused status")
		} else if ok {
			d.publish(model.EventCampaignPaused, nil, "", "")
			d.log.Info().Msg("campaign paused")
		}
	case actionCancel:
		if ok, err := d.campaigns.TransitionStatus(d.campaignID, []model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCanceled); err != nil {
			d.log.Error().Err(err).Msg("failed to persist canceled status")
		} else if ok {
			d.publish(model.EventCampaignCanceled, nil, "", "")
			d.log.Info().Msg("campaign canceled")
		}
	case actionShutdown:
		// Status stays running; the campaign is resumable from persisted
		// contact state after restart.
		d.log.Info().Msg("dispatcher interrupted by shutdown")
	}
}

// poll checks control signals without blocking. Cancel wins over pause.
func (d *Dispatcher) poll(ctx context.Context) action {
	select {
	case <-d.cancelCh:
		return actionCancel
	default:
	}
	select {
	case <-d.pauseCh:
		return actionPause
	default:
	}
	select {
	case <-ctx.Done():
		return actionShutdown
	default:
	}
	return actionNone
}

// sleep waits for the duration or until a control signal arrives,
// whichever comes first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) action {
	if dur <= 0 {
		return actionNone
	}
	tmr := time.NewTimer(dur)
	defer tmr.Stop()
	select {
	case <-d.cancelCh:
		return actionCancel
	case <-d.pauseCh:
		return actionPause
	case <-ctx.Done():
		return actionShutdown
	case <-tmr.C:
		return actionNone
	}
}

func (d *Dispatcher) publish(kind model.EventKind, ct *model.CampaignContact, errType, message string) {
	ev := model.CampaignEvent{
		ID:         uuid.NewString(),
		CampaignID: d.campaignID,
		Kind:       kind,
		ErrorType:  errType,
		Message:    message,
		At:         d.clock(),
	}
	if ct != nil {
		ev.ContactID = ct.ContactID
		ev.Phone = ct.Phone
	}
	if err := d.events.Publish(ev); err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to publish campaign event")
	}
}

// RenderContact substitutes the queue-level placeholders when a contact
// row carries no pre-rendered content.
func RenderContact(template string, ct *model.CampaignContact) string {
	r := strings.NewReplacer("{name}", ct.Name, "{phone}", ct.Phone)
	return r.Replace(template)
}
