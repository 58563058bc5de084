/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer token on /rpc and /api (not /healthz)

ROUTE GROUPS:
  /rpc/*       Attendance, ledger and sequence operations
  /api/*       Summaries, job runs, manual job triggers
  /healthz     Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticator
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/logger"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		// RPC routes
		r.Route("/rpc", func(r chi.Router) {
			r.Post("/recordAttendance", h.RecordAttendance)
			r.Post("/saveSessionAttendance", h.SaveSessionAttendance)
			r.Post("/addSessionParticipant", h.AddSessionParticipant)
			r.Post("/createReceivable", h.CreateReceivable)
			r.Post("/previewPayment", h.PreviewPayment)
			r.Post("/applyPayment", h.ApplyPayment)
			r.Post("/nextSequence", h.NextSequence)
		})

		r.Route("/api", func(r chi.Router) {
			r.Get("/tenants/{tenant}/branches/{branch}/summaries/{kind}", h.GetSummary)

			// Job routes
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", h.ListJobs)
				r.Get("/runs", h.ListJobRuns)
				r.Post("/{name}/run", h.RunJob)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through logrus.
func requestLogger(l logrus.FieldLogger) func(http.Handler) http.Handler {
	log := logger.Or(l)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logrus.Fields{
					"component":  "http",
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"durationMs": time.Since(start).Milliseconds(),
					"requestId":  middleware.GetReqID(r.Context()),
					"remote":     r.RemoteAddr,
				}).Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
