package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fairybook/tokenledger/internal/audit"
	auditasync "github.com/fairybook/tokenledger/internal/audit/async"
	auditsqlite "github.com/fairybook/tokenledger/internal/audit/sqlite"
	"github.com/fairybook/tokenledger/internal/config"
	"github.com/fairybook/tokenledger/internal/docstore"
	storememory "github.com/fairybook/tokenledger/internal/docstore/memory"
	storepostgres "github.com/fairybook/tokenledger/internal/docstore/postgres"
	storesqlite "github.com/fairybook/tokenledger/internal/docstore/sqlite"
	"github.com/fairybook/tokenledger/internal/health"
	"github.com/fairybook/tokenledger/internal/httpserver"
	"github.com/fairybook/tokenledger/internal/logging"
	"github.com/fairybook/tokenledger/internal/tokens"
	"github.com/fairybook/tokenledger/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(100 * 1024 * 1024)
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[tokenledgerd] ")

	log.Printf("starting %s", version.FullInfo())

	store, err := openDocStore(cfg)
	if err != nil {
		log.Fatalf("open token store: %v", err)
	}
	defer store.Close()
	log.Printf("token store backend=%s collection=%s", cfg.StoreBackend, cfg.Collection)

	checker := health.New()
	if pinger, ok := store.(health.Pinger); ok {
		checker.Register("token_store", pinger)
	}

	var auditStore audit.Store
	if cfg.AuditEnabled {
		base, err := auditsqlite.New(cfg.AuditPath)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		checker.Register("audit_store", base)
		auditStore = auditasync.New(base, auditasync.Config{
			Logger: log.New(log.Writer(), "[audit] ", log.LstdFlags|log.Lmicroseconds),
		})
		defer auditStore.Close()
	}

	zone, err := time.LoadLocation(cfg.RefillZone)
	if err != nil {
		log.Fatalf("load refill timezone %q: %v", cfg.RefillZone, err)
	}

	opts := []tokens.Option{
		tokens.WithZone(zone),
		tokens.WithDefaults(cfg.InitialTokens, cfg.AutoCap),
		tokens.WithLogger(log.New(log.Writer(), "[tokens] ", log.LstdFlags|log.Lmicroseconds)),
	}
	if auditStore != nil {
		opts = append(opts, tokens.WithAudit(auditStore))
	}
	svc := tokens.NewService(store, opts...)

	server := httpserver.New(svc, auditStore, checker, log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmicroseconds))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s env=%s zone=%s defaults=%d/%d",
			cfg.ListenAddr, cfg.Environment, cfg.RefillZone, cfg.InitialTokens, cfg.AutoCap)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}
}

func openDocStore(cfg config.Config) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return storememory.New(), nil
	case "postgres":
		return storepostgres.New(cfg.PostgresDSN, cfg.Collection, 20, 5, 60)
	default:
		return storesqlite.New(cfg.StorePath, cfg.Collection)
	}
}
