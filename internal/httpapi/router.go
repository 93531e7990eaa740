// Package httpapi exposes the fabric to collaborating services over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatfabric/internal/campaign"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/messaging"
	"chatfabric/internal/redemption"
	"chatfabric/pkg/logx"
)

// Service is what the routes call into.
type Service interface {
	// SendMessage sends through the channel throttle and waits for the result.
	SendMessage(ctx context.Context, m messaging.Message) error
	// ScheduleFollowUp reports false when a follow-up with id is already pending.
	ScheduleFollowUp(id string, delay time.Duration, m messaging.Message) bool
	UpsertSchedule(ctx context.Context, spec campaign.ScheduleSpec) (*campaign.Schedule, error)
	DeleteSchedule(ctx context.Context, campaignID, scheduleID string) error
	QueueCampaign(ctx context.Context, campaignID string) (jobstore.Job, error)
	Redeem(ctx context.Context, req redemption.Request) (redemption.Result, error)
	Ready(ctx context.Context) error
}

type Options struct {
	// Events serves the tenant event stream; the tenant is read from the
	// {tenant} path parameter.
	Events      func(tenantOf func(*http.Request) string) http.Handler
	MetricsPath string
	Pprof       bool
}

// NewRouter builds the API routes.
func NewRouter(svc Service, opts Options, log logx.Logger) http.Handler {
	h := &handlers{svc: svc, log: log.With(logx.Component("http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sends", h.send)
		r.Post("/followups", h.followUp)
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/queue", h.queueCampaign)
			r.Put("/schedules/{scheduleID}", h.putSchedule)
			r.Delete("/schedules/{scheduleID}", h.deleteSchedule)
		})
		r.Post("/redemptions", h.redeem)
		if opts.Events != nil {
			r.Method(http.MethodGet, "/tenants/{tenant}/events", opts.Events(func(r *http.Request) string {
				return chi.URLParam(r, "tenant")
			}))
		}
	})
	return r
}
