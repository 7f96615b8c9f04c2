/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the load balancer
  3. Logger:     zap request logging (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the intake frontend
  6. Timeout:    Per-request deadline, propagated to collaborators

ROUTE GROUPS:
  /api/*           Bearer token required (identity is opaque)
  /api/admin/*     Admin token required; not mounted when unset
  /health          Public
  /metrics         Public, prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// AdminToken guards /api/admin. Empty leaves the admin routes unmounted.
	AdminToken string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders: []string{"Content-Disposition", "Retry-After"},
		MaxAge:         300,
	}))
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requireBearer)

		// Pricing routes
		r.Route("/pricing", func(r chi.Router) {
			r.Get("/tiers", h.GetTiers)
			r.Post("/quote", h.Quote)
		})

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Post("/validate", h.ValidateBatch)
			r.Post("/import", h.ImportBatch)
		})

		// Submission routes
		r.Route("/submissions", func(r chi.Router) {
			r.Get("/", h.ListSubmissions)
			r.Post("/", h.CreateSubmission)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSubmission)
				r.Get("/upgrade-quote", h.GetUpgradeQuote)
				r.Post("/upgrade", h.UpgradeSubmission)
				r.Post("/payment-status", h.UpdatePaymentStatus)
				r.Get("/receipt.pdf", h.GetReceipt)
				r.Get("/summary.csv", h.GetSummaryCSV)
				r.Get("/summary.xlsx", h.GetSummaryXLSX)
			})
		})

		// Admin routes
		if opts.AdminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin(opts.AdminToken))
				r.Post("/pricing/reload", h.ReloadPricing)
				r.Post("/reconcile", h.Reconcile)
			})
		}
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type principalKey struct{}

// Principal returns the bearer token that authenticated the request.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requireBearer rejects requests without a bearer token. The token is not
// verified here; the session layer in front of this service owns identity.
func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Missing bearer token", Code: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, token)))
	})
}

func requireAdmin(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(adminToken)) != 1 {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Admin token required", Code: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
