package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"

	"conbadge.org/internal/apps"
	"conbadge.org/internal/auth"
	"conbadge.org/internal/badge"
	"conbadge.org/internal/config"
	"conbadge.org/internal/httpapi"
	"conbadge.org/internal/migrate"
	"conbadge.org/internal/obs"
	"conbadge.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	badges badge.Store
	tokens auth.TokenStore
	apps   apps.Store
	db     *pg.Store
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.PostgresDSN == "" {
		obs.Warn("storage_in_memory", map[string]any{"reason": "BADGE_PG_DSN not set"})
		return stores{
			badges: badge.NewInMemory(),
			tokens: auth.NewInMemoryTokens(),
			apps:   apps.NewInMemory(),
		}, nil
	}
	db, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return stores{}, err
	}
	if cfg.MigrateOnStart {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := migrate.NewManager(db.DB(), migrate.Schema(), nil).Up(mctx); err != nil {
			_ = db.Close()
			return stores{}, err
		}
	}
	return stores{
		badges: db.Badges(),
		tokens: db.Tokens(),
		apps:   db.Apps(),
		db:     db,
	}, nil
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	registrar, err := badge.NewRegistrar(st.badges, cfg.RegistrationKey)
	if err != nil {
		log.Fatalf("badges: %v", err)
	}
	sessions, err := auth.NewManager(st.tokens, auth.Policy{
		EphemeralTTL: cfg.EphemeralTTL,
		SessionTTL:   cfg.SessionTTL,
		CodeLimit:    cfg.CodeLimit,
		CodeDigits:   cfg.CodeDigits,
	})
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	var admin *auth.AdminTokens
	if cfg.AdminSecret != "" {
		if admin, err = auth.NewAdminTokens(cfg.AdminSecret); err != nil {
			log.Fatalf("admin tokens: %v", err)
		}
	} else {
		obs.Warn("admin_disabled", map[string]any{"reason": "BADGE_ADMIN_SECRET not set"})
	}
	if err := os.MkdirAll(cfg.MediaRoot, 0o755); err != nil {
		log.Fatalf("media root: %v", err)
	}

	serving := atomic.NewBool(false)
	probe := httpapi.ReadyProbe{Serving: serving}
	if st.db != nil {
		probe.DB = st.db
	}

	api := httpapi.New(httpapi.Deps{
		Badges:         registrar,
		Sessions:       sessions,
		Apps:           apps.NewRegistry(st.apps, cfg.MediaRoot, apps.WithMaxBytes(cfg.MaxUploadBytes)),
		Admin:          admin,
		Ready:          probe,
		Version:        version,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateBurst:      cfg.RateBurst,
		RatePerSecond:  cfg.RatePerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	go sessions.RunSweeper(bg, cfg.SweepInterval)

	var grpcSrv *grpc.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(probe)
		health.Register(grpcSrv)
		go health.Run(bg, 5*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				obs.Error("grpc_serve_failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	obs.Info("server_starting", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCHealthAddr,
		"postgres":  st.db != nil,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	serving.Store(true)

	<-ctx.Done()
	obs.Info("server_stopping", nil)
	serving.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	cancelBG()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if st.db != nil {
		_ = st.db.Close()
	}
	obs.Info("server_stopped", nil)
}
