// internal/service/campaign_service.go
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/dispatch"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/pacing"
	"github.com/waveline/campaign-engine/internal/progress"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/window"
)

// CampaignService is the control plane: every externally visible
// campaign operation goes through here. Dispatch loops are owned by the
// Manager; this layer only validates, transitions persisted state and
// signals.
type CampaignService struct {
	Campaigns repository.CampaignRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Queue     repository.CampaignContactRepositoryInterface
	Dispatch  *dispatch.Manager
	Events    events.Publisher
	Log       zerolog.Logger
}

type CreateCampaignParams struct {
	Name            string
	InboxID         int
	BaseTemplate    string
	DelayMinSeconds int
	DelayMaxSeconds int
	SendingWindow   *model.SendingWindow
	ScheduledAt     *time.Time
}

// ConfigUpdate replaces a campaign's pacing and window configuration
// wholesale; a nil SendingWindow removes any configured window.
type ConfigUpdate struct {
	DelayMinSeconds int
	DelayMaxSeconds int
	SendingWindow   *model.SendingWindow
}

// ProgressReport is a campaign's status plus its progress snapshot.
type ProgressReport struct {
	CampaignID int                  `json:"campaign_id"`
	Status     model.CampaignStatus `json:"status"`
	progress.Snapshot
}

func (s *CampaignService) CreateCampaign(p CreateCampaignParams) (*model.Campaign, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperr.NewValidation("name", "must not be empty")
	}
	if strings.TrimSpace(p.BaseTemplate) == "" {
		return nil, apperr.NewValidation("base_template", "must not be empty")
	}
	if err := validateConfig(p.DelayMinSeconds, p.DelayMaxSeconds, p.SendingWindow); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		Name:            p.Name,
		InboxID:         p.InboxID,
		BaseTemplate:    p.BaseTemplate,
		DelayMinSeconds: p.DelayMinSeconds,
		DelayMaxSeconds: p.DelayMaxSeconds,
		SendingWindow:   p.SendingWindow,
		ScheduledAt:     p.ScheduledAt,
		Status:          model.StatusDraft,
	}
	if p.ScheduledAt != nil {
		c.Status = model.StatusScheduled
	}
	if err := s.Campaigns.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddContacts composes the campaign queue. Contacts already enqueued
// for this campaign are skipped; content is rendered once here so the
// dispatcher sends exactly what was composed.
func (s *CampaignService) AddContacts(campaignID int, contactIDs []int) (int, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return 0, s.invalidTransition(c, "add contacts to")
	}

	contacts, err := s.Contacts.ListByIDs(contactIDs)
	if err != nil {
		return 0, err
	}
	rows := make([]model.CampaignContact, 0, len(contacts))
	for _, ct := range contacts {
		rows = append(rows, model.CampaignContact{
			ContactID:       ct.ID,
			Phone:           ct.Phone,
			Name:            strings.TrimSpace(ct.FirstName + " " + ct.LastName),
			RenderedContent: RenderForContact(c.BaseTemplate, &ct),
		})
	}
	return s.Queue.BulkInsert(campaignID, rows)
}

// Start activates a dispatcher for the campaign. Duplicate activation
// is rejected with ConcurrencyError; starting from any status other
// than draft or scheduled is an invalid transition.
func (s *CampaignService) Start(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if s.Dispatch.Active(campaignID) {
		return &apperr.ConcurrencyError{CampaignID: campaignID}
	}
	ok, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusDraft, model.StatusScheduled}, model.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidTransition(c, "start")
	}
	c.Status = model.StatusRunning
	return s.activate(c, model.EventCampaignStarted)
}

// Pause stops a running campaign at its next suspension point. Pausing
// an already paused campaign is a no-op.
func (s *CampaignService) Pause(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.StatusPaused {
		return nil
	}
	if c.Status != model.StatusRunning {
		return s.invalidTransition(c, "pause")
	}
	if s.Dispatch.Pause(campaignID) {
		// The dispatcher persists the transition when it stops.
		return nil
	}
	// Running status but no live dispatcher: the process hosting it died.
	ok, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusRunning}, model.StatusPaused)
	if err != nil {
		return err
	}
	if ok {
		s.publish(model.EventCampaignPaused, campaignID)
	}
	return nil
}

// Resume continues a paused campaign from the same oldest-pending
// contact. Resuming a running campaign is a no-op.
func (s *CampaignService) Resume(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.StatusRunning {
		return nil
	}
	if c.Status != model.StatusPaused {
		return s.invalidTransition(c, "resume")
	}
	if s.Dispatch.Active(campaignID) {
		return &apperr.ConcurrencyError{CampaignID: campaignID}
	}
	ok, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusPaused}, model.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidTransition(c, "resume")
	}
	c.Status = model.StatusRunning
	return s.activate(c, model.EventCampaignResumed)
}

// Cancel terminally stops a campaign from any non-terminal status,
// leaving unprocessed contacts pending for audit. Cancel on a terminal
// campaign is rejected, not swallowed: it carries audit meaning.
func (s *CampaignService) Cancel(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return s.invalidTransition(c, "cancel")
	}
	if s.Dispatch.Cancel(campaignID) {
		return nil
	}
	ok, err := s.Campaigns.TransitionStatus(campaignID,
		[]model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusRunning, model.StatusPaused},
		model.StatusCanceled)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidTransition(c, "cancel")
	}
	s.publish(model.EventCampaignCanceled, campaignID)
	return nil
}

// UpdateConfig validates and persists new pacing/window configuration,
// then swaps the live dispatcher's snapshot so the next cycle reads a
// consistent value. Validation failure leaves everything untouched.
func (s *CampaignService) UpdateConfig(campaignID int, upd ConfigUpdate) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusScheduled, model.StatusRunning, model.StatusPaused:
	default:
		return s.invalidTransition(c, "update config of")
	}
	if err := validateConfig(upd.DelayMinSeconds, upd.DelayMaxSeconds, upd.SendingWindow); err != nil {
		return err
	}
	if err := s.Campaigns.UpdateConfig(campaignID, upd.DelayMinSeconds, upd.DelayMaxSeconds, upd.SendingWindow); err != nil {
		return err
	}
	s.Dispatch.UpdateConfig(campaignID, dispatch.Config{
		DelayMinSeconds: upd.DelayMinSeconds,
		DelayMaxSeconds: upd.DelayMaxSeconds,
		Window:          upd.SendingWindow,
	})
	return nil
}

// Progress returns the live snapshot when a dispatcher is active, or an
// aggregate rebuilt from persisted contact statuses otherwise. Safe to
// poll frequently; it never touches the dispatch loop's internals.
func (s *CampaignService) Progress(campaignID int) (*ProgressReport, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if snap, ok := s.Dispatch.Snapshot(campaignID); ok {
		return &ProgressReport{CampaignID: campaignID, Status: c.Status, Snapshot: snap}, nil
	}
	tracker, err := s.seedTracker(campaignID)
	if err != nil {
		return nil, err
	}
	return &ProgressReport{CampaignID: campaignID, Status: c.Status, Snapshot: tracker.Snapshot()}, nil
}

func (s *CampaignService) ListCampaigns(page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.List(offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}
	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

// CampaignDetails is a campaign row plus its per-status contact counts.
type CampaignDetails struct {
	model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) GetCampaignDetails(campaignID int) (*CampaignDetails, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Queue.CountByStatus(campaignID)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{"total": 0, "pending": 0, "sending": 0, "sent": 0, "failed": 0, "skipped": 0}
	for status, n := range counts {
		stats[string(status)] = n
		stats["total"] += n
	}
	return &CampaignDetails{Campaign: *c, Stats: stats}, nil
}

// RenderPreview renders the campaign template (or an override) against
// one contact for the composer UI.
func (s *CampaignService) RenderPreview(campaignID, contactID int, overrideTemplate *string) (string, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return "", err
	}
	contact, err := s.Contacts.GetByID(contactID)
	if err != nil {
		return "", err
	}
	if contact == nil {
		return "", fmt.Errorf("contact %d not found", contactID)
	}

	template := c.BaseTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}
	if strings.TrimSpace(template) == "" {
		return "", apperr.NewValidation("template", "must not be empty")
	}
	return RenderForContact(template, contact), nil
}

// RecoverRunning reactivates dispatchers for campaigns left in status
// running by a crashed or restarted process. Contacts interrupted
// mid-send resume as pending inside the dispatcher. Returns the number
// of campaigns recovered.
func (s *CampaignService) RecoverRunning() (int, error) {
	ptrs, _, err := s.Campaigns.List(0, 1000, string(model.StatusRunning))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, c := range ptrs {
		if s.Dispatch.Active(c.ID) {
			continue
		}
		if err := s.activate(c, model.EventCampaignResumed); err != nil {
			s.Log.Error().Err(err).Int("campaign", c.ID).Msg("failed to recover running campaign")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// activate seeds a tracker from persisted counts and launches the
// dispatcher.
func (s *CampaignService) activate(c *model.Campaign, kind model.EventKind) error {
	tracker, err := s.seedTracker(c.ID)
	if err != nil {
		return err
	}
	if _, err := s.Dispatch.Start(c, tracker); err != nil {
		return err
	}
	s.publish(kind, c.ID)
	return nil
}

func (s *CampaignService) seedTracker(campaignID int) (*progress.Tracker, error) {
	counts, err := s.Queue.CountByStatus(campaignID)
	if err != nil {
		return nil, err
	}
	// A contact interrupted mid-send counts as pending.
	pending := counts[model.ContactPending] + counts[model.ContactSending]
	sent := counts[model.ContactSent]
	failed := counts[model.ContactFailed]
	skipped := counts[model.ContactSkipped]
	total := pending + sent + failed + skipped
	return progress.NewTracker(total, sent, pending, failed, skipped), nil
}

func (s *CampaignService) invalidTransition(c *model.Campaign, op string) error {
	return &apperr.InvalidStateTransitionError{CampaignID: c.ID, From: string(c.Status), Op: op}
}

func (s *CampaignService) publish(kind model.EventKind, campaignID int) {
	if s.Events == nil {
		return
	}
	ev := model.CampaignEvent{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Kind:       kind,
		At:         time.Now(),
	}
	if err := s.Events.Publish(ev); err != nil {
		s.Log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to publish campaign event")
	}
}

func validateConfig(delayMin, delayMax int, win *model.SendingWindow) error {
	if err := pacing.ValidateRange(delayMin, delayMax); err != nil {
		return apperr.NewValidation("delay", err.Error())
	}
	return window.Validate(win)
}
