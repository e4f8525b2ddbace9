package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/controller"
	"github.com/waveline/campaign-engine/internal/dispatch"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/sendport"
	"github.com/waveline/campaign-engine/internal/service"
)

type stubCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
}

func (r *stubCampaignRepo) Create(c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = len(r.campaigns) + 1
	r.campaigns[c.ID] = c
	return nil
}

func (r *stubCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, apperr.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *stubCampaignRepo) List(offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range r.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (r *stubCampaignRepo) TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *stubCampaignRepo) UpdateConfig(id, delayMin, delayMax int, win *model.SendingWindow) error {
	return nil
}

func (r *stubCampaignRepo) DueScheduled(now time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

type stubContactRepo struct {
	contacts map[int]model.Contact
}

func (r *stubContactRepo) GetByID(id int) (*model.Contact, error) {
	c, ok := r.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *stubContactRepo) ListByIDs(ids []int) ([]model.Contact, error) {
	out := []model.Contact{}
	for _, id := range ids {
		if c, ok := r.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type stubQueueRepo struct {
	counts map[model.ContactStatus]int
	added  int
}

func (q *stubQueueRepo) BulkInsert(campaignID int, rows []model.CampaignContact) (int, error) {
	q.added += len(rows)
	return len(rows), nil
}

func (q *stubQueueRepo) NextPending(campaignID int) (*model.CampaignContact, error) {
	return nil, nil
}

func (q *stubQueueRepo) MarkSending(id int) (bool, error) { return false, nil }

func (q *stubQueueRepo) MarkSent(id int, sentAt time.Time) error { return nil }

func (q *stubQueueRepo) MarkFailed(id int, errType, errMessage string) error { return nil }

func (q *stubQueueRepo) Requeue(id, attemptCount int, errType, errMessage string) error { return nil }

func (q *stubQueueRepo) ResetStuckSending(campaignID int) (int64, error) { return 0, nil }

func (q *stubQueueRepo) CountByStatus(campaignID int) (map[model.ContactStatus]int, error) {
	if q.counts == nil {
		return map[model.ContactStatus]int{}, nil
	}
	return q.counts, nil
}

type webFixture struct {
	campaigns *stubCampaignRepo
	contacts  *stubContactRepo
	queue     *stubQueueRepo
	router    chi.Router
}

func newWebFixture() *webFixture {
	f := &webFixture{
		campaigns: &stubCampaignRepo{campaigns: map[int]*model.Campaign{}},
		contacts:  &stubContactRepo{contacts: map[int]model.Contact{}},
		queue:     &stubQueueRepo{},
	}
	manager := dispatch.NewManager(f.campaigns, f.queue, &sendport.MockSender{}, events.NopPublisher{}, zerolog.Nop(), 2, 0)
	svc := &service.CampaignService{
		Campaigns: f.campaigns,
		Contacts:  f.contacts,
		Queue:     f.queue,
		Dispatch:  manager,
		Log:       zerolog.Nop(),
	}
	ctl := &controller.CampaignController{CampaignService: svc, Log: zerolog.Nop()}
	r := chi.NewRouter()
	ctl.Routes(r)
	f.router = r
	return f
}

func (f *webFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateCampaignEndpoint(t *testing.T) {
	f := newWebFixture()

	rec := f.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name":              "promo",
		"inbox_id":          1,
		"base_template":     "Hi {first_name}",
		"delay_min_seconds": 5,
		"delay_max_seconds": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "promo", body["name"])
	assert.Equal(t, "draft", body["status"])
	assert.NotZero(t, body["id"])
}

func TestCreateCampaignRejectsBadDelayRange(t *testing.T) {
	f := newWebFixture()

	rec := f.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name":              "promo",
		"base_template":     "Hi",
		"delay_min_seconds": 30,
		"delay_max_seconds": 5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "delay")
}

func TestCreateCampaignRejectsMalformedBody(t *testing.T) {
	f := newWebFixture()
	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressEndpoint(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Status: model.StatusPaused}
	f.queue.counts = map[model.ContactStatus]int{
		model.ContactSent:    2,
		model.ContactFailed:  1,
		model.ContactPending: 3,
	}

	rec := f.do(t, http.MethodGet, "/campaigns/1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["campaign_id"])
	assert.Equal(t, "paused", body["status"])
	assert.Equal(t, float64(6), body["total"])
	assert.Equal(t, float64(2), body["sent"])
	assert.Equal(t, float64(3), body["pending"])
}

func TestProgressUnknownCampaign(t *testing.T) {
	f := newWebFixture()
	rec := f.do(t, http.MethodGet, "/campaigns/999/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressInvalidID(t *testing.T) {
	f := newWebFixture()
	rec := f.do(t, http.MethodGet, "/campaigns/abc/progress", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartConflictFromTerminalStatus(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Status: model.StatusCompleted}

	rec := f.do(t, http.MethodPost, "/campaigns/1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateConfigEndpoint(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Status: model.StatusPaused, DelayMinSeconds: 1, DelayMaxSeconds: 5}

	rec := f.do(t, http.MethodPatch, "/campaigns/1/config", map[string]interface{}{
		"delay_min_seconds": 2,
		"delay_max_seconds": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	rec = f.do(t, http.MethodPatch, "/campaigns/1/config", map[string]interface{}{
		"delay_min_seconds": 8,
		"delay_max_seconds": 2,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAddContactsEndpoint(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Status: model.StatusDraft, BaseTemplate: "Hi {first_name}"}
	f.contacts.contacts[7] = model.Contact{ID: 7, Phone: "+111", FirstName: "Ada"}

	rec := f.do(t, http.MethodPost, "/campaigns/1/contacts", map[string]interface{}{
		"contact_ids": []int{7},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["contacts_added"])
	assert.Equal(t, 1, f.queue.added)
}

func TestPersonalizedPreviewEndpoint(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Status: model.StatusDraft, BaseTemplate: "Hi {first_name}"}
	f.contacts.contacts[7] = model.Contact{ID: 7, Phone: "+111", FirstName: "Ada"}

	rec := f.do(t, http.MethodPost, "/campaigns/1/personalized-preview", map[string]interface{}{
		"contact_id": 7,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hi Ada", decode(t, rec)["rendered_message"])
}

func TestListCampaignsEndpoint(t *testing.T) {
	f := newWebFixture()
	f.campaigns.campaigns[1] = &model.Campaign{ID: 1, Name: "promo", Status: model.StatusDraft}

	rec := f.do(t, http.MethodGet, "/campaigns?page=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotNil(t, body["data"])
	pagination, ok := body["pagination"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), pagination["total_count"])
}
