package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authgate.org/internal/auth"
	"authgate.org/internal/config"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/obs"
)

var version = "0.3.0"

const sweepInterval = time.Hour

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AUTHGATE_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		log.Fatal("missing DSN: set AUTHGATE_PG_DSN")
	}

	store := auth.NewPGStore(db)
	sessions, err := auth.NewService(store,
		auth.WithSecret(cfg.JWTSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	rbac := auth.NewRBACService(store)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := auth.EnsureBuiltins(startupCtx, store); err != nil {
		cancelStartup()
		log.Fatalf("ensure builtins: %v", err)
	}
	cancelStartup()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, sessions, rbac, httpapi.Config{
		Version:            version,
		CookieDomain:       cfg.CookieDomain,
		CookieSecure:       cfg.CookieSecure,
		ThrottleEnabled:    cfg.RateLimitEnabled(),
		LoginRatePerMin:    cfg.LoginRatePerMin,
		RegisterRatePerMin: cfg.RegisterRatePerMin,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgate-api %s on %s (%s)", version, srv.Addr, cfg.Environment)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweepExpiredTokens(sweepCtx, sessions)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweeper()
	api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

// sweepExpiredTokens drops expired refresh tokens on an hourly cadence.
func sweepExpiredTokens(ctx context.Context, sessions *auth.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.SweepExpired(ctx)
			if err != nil {
				log.Printf("sweep expired tokens: %v", err)
				continue
			}
			obs.CountSwept(n)
			if n > 0 {
				log.Printf("swept %d expired refresh tokens", n)
			}
		}
	}
}
