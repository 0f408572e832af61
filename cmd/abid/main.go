// Command abid runs the ABI gateway: the admission, authorization, and
// verified-emission boundary for a mesh of Atomic Experts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aegnix/abi/pkg/admission"
	"github.com/aegnix/abi/pkg/api"
	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/auth"
	"github.com/aegnix/abi/pkg/bus"
	"github.com/aegnix/abi/pkg/capability"
	"github.com/aegnix/abi/pkg/config"
	"github.com/aegnix/abi/pkg/database"
	"github.com/aegnix/abi/pkg/emit"
	"github.com/aegnix/abi/pkg/keyring"
	"github.com/aegnix/abi/pkg/observability"
	"github.com/aegnix/abi/pkg/policy"
	"github.com/aegnix/abi/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "abid:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Driver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	keys, err := keyring.New(db, auditLog)
	if err != nil {
		return err
	}
	caps, err := capability.New(db, auditLog)
	if err != nil {
		return err
	}

	loader, err := policy.NewLoader(cfg.PolicyPath, cfg.PollInterval, auditLog, log)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(loader, caps, log)
	if err != nil {
		return err
	}
	caps.OnChange(func() {
		if err := engine.Rebuild(context.Background()); err != nil {
			log.Error("policy rebuild after capability write failed", "error", err)
		}
	})
	loader.OnChange(func(*policy.Document) {
		if err := engine.Rebuild(context.Background()); err != nil {
			log.Error("policy rebuild after reload failed", "error", err)
		}
	})
	go loader.Watch(ctx)

	nonces, closeNonces := newNonceCache(cfg, log)
	defer closeNonces()
	admissionSvc := admission.NewService(keys, nonces, auditLog)

	profiles := session.DefaultProfiles()
	if cfg.ProfilesPath != "" {
		profiles, err = session.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return err
		}
	}
	issuer := auth.NewIssuer(cfg.SessionSecret, profiles)
	validator := auth.NewValidator(cfg.SessionSecret)

	registry := session.NewRegistry(30*time.Second, 2*time.Minute)
	go sweepRegistry(ctx, registry, log)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "abi-gateway",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New(cfg.BusBufferSize, log)
	pipeline := emit.New(keys, engine, eventBus, auditLog, registry, log)

	server := api.NewServer(api.Options{
		Keys:           keys,
		Caps:           caps,
		Admission:      admissionSvc,
		Issuer:         issuer,
		Validator:      validator,
		Pipeline:       pipeline,
		Bus:            eventBus,
		Loader:         loader,
		Registry:       registry,
		Profiles:       profiles,
		Audit:          auditLog,
		Obs:            obs,
		Log:            log,
		SessionSecret:  cfg.SessionSecret,
		AdmissionRPS:   cfg.AdmissionRPS,
		AdmissionBurst: cfg.AdmissionBurst,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Addr, "driver", cfg.Driver, "policy", cfg.PolicyPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func newNonceCache(cfg *config.Config, log *slog.Logger) (admission.NonceCache, func()) {
	if cfg.RedisAddr == "" {
		return admission.NewMemoryNonceCache(cfg.NonceTTL), func() {}
	}
	log.Info("using redis nonce cache", "addr", cfg.RedisAddr)
	cache := admission.NewRedisNonceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NonceTTL)
	return cache, func() { _ = cache.Close() }
}

func sweepRegistry(ctx context.Context, registry *session.Registry, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := registry.Sweep(); dropped > 0 {
				log.Debug("runtime registry swept", "dropped", dropped)
			}
		}
	}
}
