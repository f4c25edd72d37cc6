package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mavirek/apiwarden/internal/apierr"
	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/auth"
	"github.com/mavirek/apiwarden/internal/authn"
	"github.com/mavirek/apiwarden/internal/cache"
	"github.com/mavirek/apiwarden/internal/config"
	"github.com/mavirek/apiwarden/internal/crypto"
	"github.com/mavirek/apiwarden/internal/ipresolve"
	"github.com/mavirek/apiwarden/internal/keys"
	"github.com/mavirek/apiwarden/internal/metrics"
	"github.com/mavirek/apiwarden/internal/middleware"
	"github.com/mavirek/apiwarden/internal/ratelimit"
	"github.com/mavirek/apiwarden/internal/repository"
	"github.com/mavirek/apiwarden/internal/repository/redisrepo"
	"github.com/mavirek/apiwarden/internal/tiers"
)

type Server struct {
	cfg           *config.Config
	router        *http.ServeMux
	redisClient   *redis.Client
	owners        repository.OwnerRepository
	keyManager    *keys.Manager
	authenticator *authn.Authenticator
	trail         *audit.Trail
	resolver      *ipresolve.Resolver
	sessions      *auth.SessionManager
	metrics       *metrics.Metrics
	local         *cache.MemoryCache
}

func New(cfg *config.Config) (*Server, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	trust, err := ipresolve.LoadTrustTable(cfg.TrustedProxyFile)
	if err != nil {
		return nil, fmt.Errorf("loading trusted proxy table: %w", err)
	}
	resolver := ipresolve.NewResolver(trust)

	ownerRepo := redisrepo.NewOwnerRepo(rdb)
	keyRepo := redisrepo.NewKeyRepo(rdb)
	counterRepo := redisrepo.NewCounterRepo(rdb)
	auditRepo := redisrepo.NewAuditRepo(rdb)

	local := cache.NewMemoryCache()
	local.StartSweep(cfg.CacheSweepInterval)

	table := tiers.NewTable()
	met := metrics.New(prometheus.DefaultRegisterer)

	trail := audit.NewTrail(auditRepo)
	trail.OnAppendError(met.AuditAppendError)

	hasher := crypto.NewHasher()
	keyManager := keys.NewManager(keyRepo, ownerRepo, hasher, table, local, keys.Options{
		MaxActiveKeys: cfg.MaxActiveKeysPerOwner,
		ValidityDays:  cfg.KeyValidityDays,
	})

	limiter := ratelimit.New(counterRepo, table, local, cfg.CacheSyncInterval)
	guard := ratelimit.NewBruteForceGuard(counterRepo)

	authenticator := authn.New(keyManager, limiter, guard, trail, resolver, met)

	return &Server{
		cfg:           cfg,
		router:        http.NewServeMux(),
		redisClient:   rdb,
		owners:        ownerRepo,
		keyManager:    keyManager,
		authenticator: authenticator,
		trail:         trail,
		resolver:      resolver,
		sessions:      auth.NewSessionManager(cfg.JWTSecret, time.Hour),
		metrics:       met,
		local:         local,
	}, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "Store Unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	s.router.Handle("/metrics", promhttp.Handler())

	// owner surface: login plus key lifecycle, session protected
	s.router.HandleFunc("/v1/auth/login", s.LoginHandler)
	s.router.Handle("/v1/keys", s.requireSession(http.HandlerFunc(s.KeysHandler)))
	s.router.Handle("/v1/keys/rotate", s.requireSession(http.HandlerFunc(s.RotateKeyHandler)))
	s.router.Handle("/v1/keys/revoke", s.requireSession(http.HandlerFunc(s.RevokeKeyHandler)))

	// the gated product surface
	s.router.HandleFunc("/v1/data", s.protected(s.dataHandler))
}

// protected runs the full admission flow before the route handler.
func (s *Server) protected(h func(w http.ResponseWriter, r *http.Request, res *authn.Result)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, authErr := s.authenticator.AuthenticateRequest(r)
		if authErr != nil {
			apierr.Write(w, authErr)
			return
		}
		writeRateHeaders(w, res)
		h(w, r, res)
	}
}

func writeRateHeaders(w http.ResponseWriter, res *authn.Result) {
	for _, win := range res.RateLimit.Windows {
		if win.Subject == "user" && win.Window == ratelimit.WindowHour {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", win.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", win.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", win.ResetAt.Unix()))
		}
	}
}

func (s *Server) dataHandler(w http.ResponseWriter, r *http.Request, res *authn.Result) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id":   res.Owner.ID,
		"tier":       res.Owner.Tier,
		"request_id": res.RequestID,
	})
}

func (s *Server) Start() error {
	s.routes()

	chain := middleware.Chain(s.router,
		middleware.Observe(s.metrics),
		middleware.RequestID(),
		middleware.SecureHeaders(s.cfg.APIVersion),
		middleware.CORS(s.cfg.AllowedOrigins),
		middleware.RequestLog(s.trail, s.resolver),
		middleware.SuspiciousClient(s.trail, s.resolver),
		middleware.ContentGuard(s.cfg.MaxBodyBytes),
		middleware.CSRFGuard(s.cfg.ExpectedHost, s.trail, s.resolver),
		middleware.SignatureVerifier(s.cfg.SignatureSecret, s.trail, s.resolver),
	)

	srv := &http.Server{
		Addr:    ":" + s.cfg.ServerPort,
		Handler: chain,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("apiwarden listening on port %s", s.cfg.ServerPort)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Printf("main: %v: starting shutdown", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.local.StopSweep()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		s.redisClient.Close()
	}

	return nil
}
