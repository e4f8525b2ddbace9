package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/progress"
	"github.com/waveline/campaign-engine/internal/sendport"
)

// fakeCampaignRepo keeps campaign statuses in memory with the same
// guarded transition semantics as the SQL implementation.
type fakeCampaignRepo struct {
	mu       sync.Mutex
	statuses map[int]model.CampaignStatus
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{statuses: map[int]model.CampaignStatus{}}
}

func (r *fakeCampaignRepo) status(id int) model.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

func (r *fakeCampaignRepo) Create(c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[c.ID] = c.Status
	return nil
}

func (r *fakeCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[id]
	if !ok {
		return nil, apperr.NewCampaignNotFound(id)
	}
	return &model.Campaign{ID: id, Status: st}, nil
}

func (r *fakeCampaignRepo) List(offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}

func (r *fakeCampaignRepo) TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.statuses[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if cur == f {
			r.statuses[id] = to
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeCampaignRepo) UpdateConfig(id, delayMin, delayMax int, win *model.SendingWindow) error {
	return nil
}

func (r *fakeCampaignRepo) DueScheduled(now time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

// fakeQueue is an in-memory campaign_contacts table.
type fakeQueue struct {
	mu   sync.Mutex
	rows []*model.CampaignContact
}

func (q *fakeQueue) byID(id int) *model.CampaignContact {
	for _, ct := range q.rows {
		if ct.ID == id {
			return ct
		}
	}
	return nil
}

func (q *fakeQueue) BulkInsert(campaignID int, rows []model.CampaignContact) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range rows {
		ct := rows[i]
		ct.ID = len(q.rows) + 1
		ct.CampaignID = campaignID
		ct.Status = model.ContactPending
		q.rows = append(q.rows, &ct)
	}
	return len(rows), nil
}

func (q *fakeQueue) NextPending(campaignID int) (*model.CampaignContact, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ct := range q.rows {
		if ct.CampaignID == campaignID && ct.Status == model.ContactPending {
			cp := *ct
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) MarkSending(id int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ct := q.byID(id)
	if ct == nil || ct.Status != model.ContactPending {
		return false, nil
	}
	ct.Status = model.ContactSending
	return true, nil
}

func (q *fakeQueue) MarkSent(id int, sentAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ct := q.byID(id); ct != nil {
		ct.Status = model.ContactSent
		ct.SentAt = &sentAt
	}
	return nil
}

func (q *fakeQueue) MarkFailed(id int, errType, errMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ct := q.byID(id); ct != nil {
		ct.Status = model.ContactFailed
		ct.AttemptCount++
		ct.ErrorType = errType
		ct.ErrorMessage = errMessage
	}
	return nil
}

func (q *fakeQueue) Requeue(id, attemptCount int, errType, errMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ct := q.byID(id); ct != nil {
		ct.Status = model.ContactPending
		ct.AttemptCount = attemptCount
		ct.ErrorType = errType
		ct.ErrorMessage = errMessage
	}
	return nil
}

func (q *fakeQueue) ResetStuckSending(campaignID int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, ct := range q.rows {
		if ct.CampaignID == campaignID && ct.Status == model.ContactSending {
			ct.Status = model.ContactPending
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) CountByStatus(campaignID int) (map[model.ContactStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[model.ContactStatus]int{}
	for _, ct := range q.rows {
		if ct.CampaignID == campaignID {
			counts[ct.Status]++
		}
	}
	return counts, nil
}

func (q *fakeQueue) statusOf(id int) model.ContactStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ct := q.byID(id); ct != nil {
		return ct.Status
	}
	return ""
}

// scriptedFakeSender replays a per-phone sequence of errors; an
// exhausted or missing script means success.
type scriptedFakeSender struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   int
}

func (s *scriptedFakeSender) script(phone string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phone] = append(s.scripts[phone], errs...)
}

func (s *scriptedFakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedFakeSender) Send(ctx context.Context, msg sendport.Message) (*sendport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if queued := s.scripts[msg.Phone]; len(queued) > 0 {
		next := queued[0]
		s.scripts[msg.Phone] = queued[1:]
		if next != nil {
			return nil, next
		}
	}
	return &sendport.Result{ProviderMessageID: fmt.Sprintf("pm-%s-%d", msg.Phone, s.calls)}, nil
}

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []model.CampaignEvent
}

func (p *capturePublisher) Publish(ev model.CampaignEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func (p *capturePublisher) count(kind model.EventKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	campaigns *fakeCampaignRepo
	queue     *fakeQueue
	sender    *scriptedFakeSender
	pub       *capturePublisher
	manager   *Manager
}

func waitDone(t *testing.T, d *Dispatcher, within time.Duration) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(within):
		t.Fatal("dispatcher did not exit in time")
	}
}

func newEnv(t *testing.T, maxAttempts int) *testEnv {
	t.Helper()
	env := &testEnv{
		campaigns: newFakeCampaignRepo(),
		queue:     &fakeQueue{},
		sender:    &scriptedFakeSender{scripts: map[string][]error{}},
		pub:       &capturePublisher{},
	}
	env.manager = NewManager(env.campaigns, env.queue, env.sender, env.pub, zerolog.Nop(), maxAttempts, 0)
	return env
}

func (e *testEnv) runningCampaign(id, delayMin, delayMax int) *model.Campaign {
	c := &model.Campaign{
		ID:              id,
		InboxID:         1,
		Status:          model.StatusRunning,
		BaseTemplate:    "Hi {name}",
		DelayMinSeconds: delayMin,
		DelayMaxSeconds: delayMax,
	}
	e.campaigns.Create(c)
	return c
}

func (e *testEnv) enqueue(campaignID int, phones ...string) {
	rows := make([]model.CampaignContact, len(phones))
	for i, phone := range phones {
		rows[i] = model.CampaignContact{
			ContactID:       i + 1,
			Phone:           phone,
			Name:            fmt.Sprintf("contact %d", i+1),
			RenderedContent: "Hi contact " + phone,
		}
	}
	e.queue.BulkInsert(campaignID, rows)
}

func (e *testEnv) start(t *testing.T, c *model.Campaign) *Dispatcher {
	t.Helper()
	counts, err := e.queue.CountByStatus(c.ID)
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	tracker := progress.NewTracker(total, counts[model.ContactSent],
		counts[model.ContactPending]+counts[model.ContactSending],
		counts[model.ContactFailed], counts[model.ContactSkipped])
	d, err := e.manager.Start(c, tracker)
	require.NoError(t, err)
	return d
}

func TestDispatcherRunsCampaignToCompletion(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 1, 1)
	env.enqueue(1, "+111", "+222", "+333")
	env.sender.script("+333", &apperr.PermanentSendError{Code: "invalid_number", Message: "unknown recipient"})

	d := env.start(t, c)
	waitDone(t, d, 15*time.Second)

	assert.Equal(t, model.StatusCompleted, env.campaigns.status(1))

	s := d.Tracker().Snapshot()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Sent)
	assert.Equal(t, 1, s.Failed)
	assert.Zero(t, s.Pending)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	require.Len(t, s.RecentErrors, 1)
	assert.Equal(t, "permanent", s.RecentErrors[0].ErrorType)

	assert.Equal(t, 2, env.pub.count(model.EventContactSent))
	assert.Equal(t, 1, env.pub.count(model.EventContactFailed))
	assert.Equal(t, 1, env.pub.count(model.EventCampaignCompleted))
	assert.False(t, env.manager.Active(1), "dispatcher must deregister on exit")
}

func TestPauseInterruptsLongDelay(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)

	// After the first send the loop sits in a 300s humanized delay.
	require.Eventually(t, func() bool {
		return d.Tracker().Snapshot().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	paused := env.manager.Pause(1)
	require.True(t, paused)
	waitDone(t, d, 2*time.Second)

	assert.Equal(t, model.StatusPaused, env.campaigns.status(1))
	assert.Equal(t, model.ContactPending, env.queue.statusOf(2), "unsent contact stays pending")
	assert.Equal(t, 1, env.pub.count(model.EventCampaignPaused))

	// Signalling again after exit is a no-op.
	assert.False(t, env.manager.Pause(1))
}

func TestCancelIsTerminalAndLeavesQueueForAudit(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222", "+333")

	d := env.start(t, c)
	require.Eventually(t, func() bool {
		return d.Tracker().Snapshot().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, env.manager.Cancel(1))
	waitDone(t, d, 2*time.Second)

	assert.Equal(t, model.StatusCanceled, env.campaigns.status(1))
	counts, err := env.queue.CountByStatus(1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.ContactSent])
	assert.Equal(t, 2, counts[model.ContactPending], "remaining contacts stay pending for audit")
	assert.Equal(t, 1, env.pub.count(model.EventCampaignCanceled))
}

func TestCancelOutranksSimultaneousPause(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)
	require.Eventually(t, func() bool {
		return d.Tracker().Snapshot().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	d.Pause()
	d.Cancel()
	waitDone(t, d, 2*time.Second)

	assert.Equal(t, model.StatusCanceled, env.campaigns.status(1))
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 1, 1)
	env.enqueue(1, "+111")
	env.sender.script("+111", &apperr.TransientSendError{Code: "timeout", Message: "provider timeout"})

	d := env.start(t, c)
	waitDone(t, d, 10*time.Second)

	assert.Equal(t, model.StatusCompleted, env.campaigns.status(1))
	assert.Equal(t, model.ContactSent, env.queue.statusOf(1))

	env.queue.mu.Lock()
	attempt := env.queue.rows[0].AttemptCount
	env.queue.mu.Unlock()
	assert.Equal(t, 1, attempt, "the transient failure consumed one attempt")

	s := d.Tracker().Snapshot()
	assert.Equal(t, 1, s.Sent)
	assert.Zero(t, s.Failed)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	env := newEnv(t, 1)
	c := env.runningCampaign(1, 1, 1)
	env.enqueue(1, "+111")
	env.sender.script("+111", &apperr.TransientSendError{Code: "timeout", Message: "provider timeout"})

	d := env.start(t, c)
	waitDone(t, d, 10*time.Second)

	assert.Equal(t, model.StatusCompleted, env.campaigns.status(1))
	assert.Equal(t, model.ContactFailed, env.queue.statusOf(1))

	s := d.Tracker().Snapshot()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, "transient", s.RecentErrors[0].ErrorType)
}

func TestProviderOutagePausesWithoutConsumingContacts(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 1, 1)
	env.enqueue(1, "+111", "+222")
	env.sender.script("+111", &apperr.ProviderUnavailableError{Message: "gateway down"})

	d := env.start(t, c)
	waitDone(t, d, 10*time.Second)

	assert.Equal(t, model.StatusPaused, env.campaigns.status(1))
	assert.Equal(t, model.ContactPending, env.queue.statusOf(1), "the contact keeps its attempts")
	assert.Equal(t, model.ContactPending, env.queue.statusOf(2))
	assert.Equal(t, 1, env.pub.count(model.EventProviderDown))

	env.queue.mu.Lock()
	attempt := env.queue.rows[0].AttemptCount
	env.queue.mu.Unlock()
	assert.Zero(t, attempt, "an outage does not burn a send attempt")
}

func TestCrashedSendResumesAsPending(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 1, 1)
	env.enqueue(1, "+111")

	// Simulate a crash that left the row claimed mid-send.
	env.queue.mu.Lock()
	env.queue.rows[0].Status = model.ContactSending
	env.queue.mu.Unlock()

	d := env.start(t, c)
	waitDone(t, d, 10*time.Second)

	assert.Equal(t, model.StatusCompleted, env.campaigns.status(1))
	assert.Equal(t, model.ContactSent, env.queue.statusOf(1))
}

func TestDuplicateStartRejected(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)

	_, err := env.manager.Start(c, progress.NewTracker(2, 0, 2, 0, 0))
	var concErr *apperr.ConcurrencyError
	require.ErrorAs(t, err, &concErr)
	assert.Equal(t, 1, concErr.CampaignID)

	env.manager.Cancel(1)
	waitDone(t, d, 2*time.Second)
}

func TestClosedWindowSuspendsWithoutSending(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 1, 1)
	// A window whose only day is three days from now keeps the loop
	// suspended for the whole test.
	day := (int(time.Now().Weekday()) + 3) % 7
	c.SendingWindow = &model.SendingWindow{Start: "09:00", End: "18:00", Days: []int{day}}
	env.enqueue(1, "+111")

	d := env.start(t, c)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, env.sender.callCount(), "no sends while the window is closed")
	assert.Equal(t, model.ContactPending, env.queue.statusOf(1))
	assert.Equal(t, model.StatusRunning, env.campaigns.status(1))

	require.True(t, env.manager.Cancel(1))
	waitDone(t, d, 2*time.Second)
	assert.Equal(t, model.StatusCanceled, env.campaigns.status(1))
}

func TestShutdownLeavesCampaignResumable(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)
	require.Eventually(t, func() bool {
		return d.Tracker().Snapshot().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.manager.Shutdown(ctx))

	// Status stays running so a restart can recover the campaign.
	assert.Equal(t, model.StatusRunning, env.campaigns.status(1))
	assert.Equal(t, model.ContactPending, env.queue.statusOf(2))
	assert.Zero(t, env.pub.count(model.EventCampaignPaused))
}

func TestUpdateConfigSwapsLiveDispatcher(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)
	require.Eventually(t, func() bool {
		return d.Tracker().Snapshot().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	win := &model.SendingWindow{Start: "09:00", End: "18:00", Days: []int{1, 2, 3, 4, 5}}
	env.manager.UpdateConfig(1, Config{DelayMinSeconds: 10, DelayMaxSeconds: 20, Window: win})

	got := d.configSnapshot()
	assert.Equal(t, 10, got.DelayMinSeconds)
	assert.Equal(t, 20, got.DelayMaxSeconds)
	assert.Equal(t, win, got.Window)

	env.manager.Cancel(1)
	waitDone(t, d, 2*time.Second)
}

func TestManagerSnapshotOnlyWhileActive(t *testing.T) {
	env := newEnv(t, 2)
	c := env.runningCampaign(1, 300, 300)
	env.enqueue(1, "+111", "+222")

	d := env.start(t, c)
	require.Eventually(t, func() bool {
		s, ok := env.manager.Snapshot(1)
		return ok && s.Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	env.manager.Cancel(1)
	waitDone(t, d, 2*time.Second)

	_, ok := env.manager.Snapshot(1)
	assert.False(t, ok)
}

func TestLimiterSharedAcrossCampaignsOnOneInbox(t *testing.T) {
	env := newEnv(t, 2)
	env.manager.inboxRatePerMinute = 20

	env.manager.mu.Lock()
	a := env.manager.limiterLocked(1)
	b := env.manager.limiterLocked(1)
	c := env.manager.limiterLocked(2)
	env.manager.mu.Unlock()

	assert.Same(t, a, b, "campaigns on one inbox share a limiter")
	assert.NotSame(t, a, c, "distinct inboxes get distinct limiters")
}

func TestRenderContactFallback(t *testing.T) {
	ct := &model.CampaignContact{Phone: "+111", Name: "Ada"}
	assert.Equal(t, "Hi Ada at +111", RenderContact("Hi {name} at {phone}", ct))
}
