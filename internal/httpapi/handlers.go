package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chatfabric/internal/campaign"
	"chatfabric/internal/messaging"
	"chatfabric/internal/redemption"
	"chatfabric/pkg/logx"
)

const maxBody = 1 << 20

type handlers struct {
	svc Service
	log logx.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var m messaging.Message
	if !decode(w, r, &m) {
		return
	}
	if strings.TrimSpace(m.ChannelID) == "" || m.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("channelId and text are required"))
		return
	}
	if err := h.svc.SendMessage(r.Context(), m); err != nil {
		if errors.Is(err, messaging.ErrInvalidChannel) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.log.Warn("send failed", logx.String("channel", m.ChannelID), logx.Err(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type followUpRequest struct {
	ID      string            `json:"id"`
	Delay   string            `json:"delay"`
	Message messaging.Message `json:"message"`
}

func (h *handlers) followUp(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	if !decode(w, r, &req) {
		return
	}
	delay, err := time.ParseDuration(req.Delay)
	if err != nil || delay < 0 {
		writeError(w, http.StatusBadRequest, errors.New("delay must be a non-negative duration like 30s"))
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Message.ChannelID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and message.channelId are required"))
		return
	}
	if !h.svc.ScheduleFollowUp(req.ID, delay, req.Message) {
		writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "scheduled": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": req.ID, "scheduled": true})
}

func campaignStatus(err error) int {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound), errors.Is(err, campaign.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrScheduleCampaign), errors.Is(err, campaign.ErrKeyInUse):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrInvalidSchedule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) putSchedule(w http.ResponseWriter, r *http.Request) {
	var spec campaign.ScheduleSpec
	if !decode(w, r, &spec) {
		return
	}
	spec.CampaignID = chi.URLParam(r, "campaignID")
	spec.ScheduleID = chi.URLParam(r, "scheduleID")
	sch, err := h.svc.UpsertSchedule(r.Context(), spec)
	if err != nil {
		status := campaignStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("upsert schedule failed", logx.String("schedule", spec.ScheduleID), logx.Err(err))
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteSchedule(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, campaignStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) queueCampaign(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.QueueCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, campaignStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "duplicate": job.Duplicate})
}

func (h *handlers) redeem(w http.ResponseWriter, r *http.Request) {
	var req redemption.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Redeem(r.Context(), req)
	if err != nil {
		if errors.Is(err, redemption.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.log.Error("redeem failed", logx.String("tenant", req.Tenant), logx.String("rule", req.RuleID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("redemption unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
