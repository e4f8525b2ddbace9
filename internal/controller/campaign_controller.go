// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             zerolog.Logger
}

// Routes mounts every campaign endpoint on the router.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/{id}", c.GetCampaign)
	r.Post("/campaigns/{id}/contacts", c.AddContacts)
	r.Post("/campaigns/{id}/start", c.StartCampaign)
	r.Post("/campaigns/{id}/pause", c.PauseCampaign)
	r.Post("/campaigns/{id}/resume", c.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
	r.Patch("/campaigns/{id}/config", c.UpdateConfig)
	r.Get("/campaigns/{id}/progress", c.GetProgress)
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string               `json:"name"`
		InboxID         int                  `json:"inbox_id"`
		BaseTemplate    string               `json:"base_template"`
		DelayMinSeconds int                  `json:"delay_min_seconds"`
		DelayMaxSeconds int                  `json:"delay_max_seconds"`
		SendingWindow   *model.SendingWindow `json:"sending_window"`
		ScheduledAt     *string              `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	params := service.CreateCampaignParams{
		Name:            body.Name,
		InboxID:         body.InboxID,
		BaseTemplate:    body.BaseTemplate,
		DelayMinSeconds: body.DelayMinSeconds,
		DelayMaxSeconds: body.DelayMaxSeconds,
		SendingWindow:   body.SendingWindow,
	}
	if body.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *body.ScheduledAt)
		if err != nil {
			http.Error(w, "scheduled_at must be RFC3339", http.StatusBadRequest)
			return
		}
		params.ScheduledAt = &t
	}

	campaign, err := c.CampaignService.CreateCampaign(params)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(page, pageSize, status)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	details, err := c.CampaignService.GetCampaignDetails(id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) AddContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		ContactIDs []int `json:"contact_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	added, err := c.CampaignService.AddContacts(id, body.ContactIDs)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"contacts_added": added})
}

func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	c.controlOp(w, r, c.CampaignService.Start)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.controlOp(w, r, c.CampaignService.Pause)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.controlOp(w, r, c.CampaignService.Resume)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c.controlOp(w, r, c.CampaignService.Cancel)
}

func (c *CampaignController) controlOp(w http.ResponseWriter, r *http.Request, op func(int) error) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := op(id); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "ok": true})
}

func (c *CampaignController) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		DelayMinSeconds int                  `json:"delay_min_seconds"`
		DelayMaxSeconds int                  `json:"delay_max_seconds"`
		SendingWindow   *model.SendingWindow `json:"sending_window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	err := c.CampaignService.UpdateConfig(id, service.ConfigUpdate{
		DelayMinSeconds: body.DelayMinSeconds,
		DelayMaxSeconds: body.DelayMaxSeconds,
		SendingWindow:   body.SendingWindow,
	})
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "ok": true})
}

func (c *CampaignController) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	report, err := c.CampaignService.Progress(id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		ContactID        int     `json:"contact_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rendered, err := c.CampaignService.RenderPreview(id, body.ContactID, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"contact_id":       body.ContactID,
	})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	var (
		validation  *apperr.ValidationError
		invalidRng  *apperr.InvalidRangeError
		concurrency *apperr.ConcurrencyError
		transition  *apperr.InvalidStateTransitionError
		notFound    *apperr.NotFoundError
		unavailable *apperr.ProviderUnavailableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation), errors.As(err, &invalidRng):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &concurrency), errors.As(err, &transition):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &unavailable):
		status = http.StatusServiceUnavailable
	default:
		c.Log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
