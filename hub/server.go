// Package hub provides a reusable Server that wires the sync hub's
// storage, caches, fanout, and HTTP surface together, grounded on the
// teacher's own embeddable hub.Server.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentsync/hub/internal/alive"
	"github.com/agentsync/hub/internal/apperr"
	"github.com/agentsync/hub/internal/auth"
	"github.com/agentsync/hub/internal/config"
	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/egress"
	"github.com/agentsync/hub/internal/fanout"
	"github.com/agentsync/hub/internal/httpapi"
	"github.com/agentsync/hub/internal/ingress"
	"github.com/agentsync/hub/internal/logging"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/metrics"
	"github.com/agentsync/hub/internal/notifier"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/transport"
)

// Server is a reusable sync hub server instance.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	store  *store.Store
	server *http.Server
	cancel context.CancelFunc
}

// NewServer opens the database, runs migrations, bootstraps a default
// admin, and wires every component. Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)

	if err := auth.EnsureBootstrapAdmin(context.Background(), st, "default", "admin", "admin"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, cfg.LivenessWindow, cfg.HeartbeatCoalesce)
	machines := machinecache.New(st, pub, cfg.LivenessWindow, cfg.HeartbeatCoalesce)
	permissions := permission.New(pub, cfg.PermissionTimeout, sessions)
	fan := fanout.New(pub, cfg.DeliveryHeartbeat)
	conns := transport.NewRegistry()
	notify := notifier.New(st, conns)

	monitor := alive.New(sessions, machines, permissions, cfg.AliveSweepInterval, func() []string {
		ns, err := st.ListNamespaces(context.Background())
		if err != nil {
			slog.Error("list namespaces for sweep", "error", err)
			return nil
		}
		return ns
	})

	ctx, cancel := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	mux := http.NewServeMux()

	authMW := newAuthMiddleware(st)

	ingressAPI := &ingress.API{Store: st, Sessions: sessions, Machines: machines, Messages: messages, Permissions: permissions, Fanout: fan, Conns: conns, Notifier: notify}
	ingressMux := http.NewServeMux()
	ingressAPI.Register(ingressMux)
	mux.Handle("/cli/", authMW(ingressMux))

	egressAPI := &egress.API{Store: st, Sessions: sessions, Machines: machines, Messages: messages, Permissions: permissions, Fanout: fan, Conns: conns}
	egressMux := http.NewServeMux()
	egressAPI.Register(egressMux)
	mux.Handle("/api/", authMW(egressMux))
	mux.Handle("/webapp", authMW(egressMux))
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) { egressMux.ServeHTTP(w, r) })

	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{cfg: cfg, sqlDB: sqlDB, store: st, server: httpServer, cancel: cancel}, nil
}

// Store returns the server's storage layer, for callers (tests,
// auxiliary tooling) that need direct database access.
func (s *Server) Store() *store.Store { return s.store }

func newAuthMiddleware(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromHeader(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				httpapi.WriteError(w, apperr.Unauthenticated("missing bearer token"))
				return
			}
			user, err := auth.ValidateToken(r.Context(), st, token)
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			logging.AppendAttrs(r.Context(), "namespace", user.Namespace, "user", user.Username)
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}

// Serve starts listening and blocks until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")
		s.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	_, _ = s.sqlDB.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.sqlDB.Close()
}
