package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/kluret-checkout/api/controllers"
	"github.com/angelmondragon/kluret-checkout/api/middleware"
	checkoutsvc "github.com/angelmondragon/kluret-checkout/internal/checkout"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/redis"
)

// NewRouter wires the public checkout API. redisClient may be nil, in which
// case idempotency and rate limiting are skipped.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	deps map[string]controllers.Pinger,
	redisClient *redis.Client,
	checkoutService checkoutsvc.Service,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.AllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	beginPolicy := middleware.NewRateLimitPolicy("begin", cfg.HTTP.BeginRateWindow, 0, cfg.HTTP.BeginRateLimit)

	r.Route("/api/v1/checkout", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		if redisClient != nil {
			r.Use(middleware.Idempotency(redisClient, logg))
		}

		begin := r.With()
		if redisClient != nil {
			begin = r.With(middleware.RateLimit(beginPolicy, redisClient, logg))
		}
		begin.Post("/sessions", controllers.BeginCheckoutSession(checkoutService, logg))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", controllers.CurrentCheckoutSession(checkoutService, logg))
			r.Post("/resume", controllers.ResumeCheckoutSession(checkoutService, logg))
			r.Post("/confirm", controllers.ConfirmCheckoutSession(checkoutService, logg))
			r.Post("/cancel", controllers.CancelCheckoutSession(checkoutService, logg))
			r.Post("/acknowledge", controllers.AcknowledgeCheckoutSession(checkoutService, logg))
			r.Post("/reconcile", controllers.ReconcileCheckoutSession(checkoutService, logg))
			r.Post("/popup/heartbeat", controllers.PopupHeartbeat(checkoutService, logg))
			r.Post("/popup/closed", controllers.PopupClosed(checkoutService, logg))
		})
	})

	return r
}
