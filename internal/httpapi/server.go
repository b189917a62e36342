// Package httpapi is the external HTTP surface (spec §6): a thin chi
// router translating REST calls into calls against the already-built
// catalog, subscription, wallet, provisioner, and admin components. It
// owns no business logic of its own beyond request decoding, caller
// extraction, and error-kind-to-status mapping.
package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"controlplane/internal/admin"
	"controlplane/internal/catalog"
	"controlplane/internal/metrics"
	"controlplane/internal/provisioner"
	"controlplane/internal/store"
	"controlplane/internal/subscription"
	"controlplane/internal/wallet"
	"controlplane/internal/webhook"
)

// Server holds every component the router dispatches to.
type Server struct {
	store   store.Store
	conn    *sql.DB
	catalog *catalog.Catalog
	subs    *subscription.Engine
	wallet  *wallet.Ledger
	prov    *provisioner.Provisioner
	admin   *admin.Admin
	webhook *webhook.Handler
}

// Deps is the set of already-constructed components the HTTP layer wires
// together; it never constructs them itself.
type Deps struct {
	Store        store.Store
	Conn         *sql.DB
	Catalog      *catalog.Catalog
	Subscription *subscription.Engine
	Wallet       *wallet.Ledger
	Provisioner  *provisioner.Provisioner
	Admin        *admin.Admin
	Webhook      *webhook.Handler
}

// New constructs the router. corsOrigins mirrors the teacher's dashboard
// CORS allowlist, made configurable per spec §6's CLI/config surface.
func New(d Deps, corsOrigins []string, metricsPath string) *chi.Mux {
	s := &Server{
		store:   d.Store,
		conn:    d.Conn,
		catalog: d.Catalog,
		subs:    d.Subscription,
		wallet:  d.Wallet,
		prov:    d.Provisioner,
		admin:   d.Admin,
		webhook: d.Webhook,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle(metricsPath, metrics.Handler())

	// The payment gateway authenticates by shared secret, not a bearer
	// token, so the webhook route sits outside the authenticate middleware
	// and carries its own rate limit against delivery storms/retries.
	r.With(httprate.LimitByIP(20, time.Minute)).Post("/wallet/webhook/midtrans", s.webhook.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Route("/catalog", s.mountCatalog)
		r.Route("/subscriptions", s.mountSubscriptions)
		r.Route("/instances", s.mountInstances)
		r.Route("/wallet", s.mountWallet)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Use(httprate.LimitByIP(60, time.Minute))
			s.mountAdmin(r)
		})
	})

	return r
}
