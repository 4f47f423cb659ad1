package httpapi

import (
	"net/http"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

// NewRouter mounts every route on a chi mux.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/cron/notifications", h.trigger)
		api.Post("/cron/notifications", h.trigger)

		api.Route("/settings/notifications", func(s chi.Router) {
			s.Get("/", h.getSettings)
			s.Patch("/", h.updateSettings)
			s.Put("/", h.updateSettings)
			s.Post("/test", h.testChannel)
		})

		api.Post("/leads", h.createLead)
		api.Post("/leads/{id}/reminders", h.createReminder(crm.KindLead))
		api.Get("/leads/{id}/reminders", h.listReminders(crm.KindLead))

		api.Post("/deals", h.createDeal)
		api.Post("/deals/{id}/reminders", h.createReminder(crm.KindDeal))
		api.Get("/deals/{id}/reminders", h.listReminders(crm.KindDeal))

		api.Put("/assignees/{id}", h.putAssignee)

		api.Post("/reminders/{kind}/{id}/complete", h.completeReminder)
		api.Delete("/reminders/{kind}/{id}", h.deleteReminder)
	})
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Warn("http request", fields...)
			case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
				log.Debug("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}
