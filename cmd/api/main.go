package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veriscan.app/internal/config"
	"veriscan.app/internal/detect"
	"veriscan.app/internal/device"
	"veriscan.app/internal/guest"
	"veriscan.app/internal/httpapi"
	"veriscan.app/internal/identity"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/objectstore"
	"veriscan.app/internal/obs"
	"veriscan.app/internal/scans"
	"veriscan.app/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	packs := packTable(cfg.Packs)

	// Storage: Postgres when a DSN is configured, in-memory otherwise so
	// the service runs without infrastructure during development.
	var (
		tokens  ledger.Service
		devices device.Tracker
		records scans.Store
		probe   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN,
			pg.WithPacks(packs),
			pg.WithFreeScanLimit(cfg.FreeScanLimit),
			pg.WithScanRetention(cfg.ScanRetention()),
		)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer store.Close()
		if cfg.MigrateOnStart {
			if err := store.RunMigrations(ctx); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		tokens = store
		devices = store
		records = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Printf("no pg_dsn configured, using in-memory storage")
		tokens = ledger.NewInMemory(packs)
		devices = device.NewInMemory(cfg.FreeScanLimit)
		records = scans.NewInMemory(cfg.ScanRetention())
	}

	// Identity provider: hosted over HTTP, or the local one for development.
	var provider identity.Provider
	if cfg.IdentityBaseURL != "" {
		provider = identity.NewHTTPProvider(cfg.IdentityBaseURL, cfg.IdentityTimeout)
	} else {
		log.Printf("no identity_base_url configured, using local identity provider")
		provider = identity.NewLocal(localSigningSecret(cfg))
	}
	resolver := identity.NewResolver(identity.WithVerifySecret(cfg.AuthVerifySecret))

	// Detector: remote scoring service, or a fixed mid score that reads as
	// unverifiable when none is configured.
	var detector detect.Analyzer
	if cfg.DetectBaseURL != "" {
		detector = detect.NewHTTPClient(cfg.DetectBaseURL, cfg.DetectTimeout)
	} else {
		log.Printf("no detect_base_url configured, scoring everything unverifiable")
		detector = detect.Static{Score: (cfg.AuthenticMax + cfg.FlaggedMin) / 2}
	}

	var objects objectstore.Store
	if cfg.S3Bucket != "" {
		objects, err = objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatalf("open object store: %v", err)
		}
	} else {
		log.Printf("no s3_bucket configured, staging payloads in memory")
		objects = objectstore.NewInMemory("veriscan-dev")
	}

	guests := guest.NewProvisioner(provider, devices, tokens, cfg.GuestCredentialSecret, cfg.InitialFreeTokens)
	pipeline := scans.NewService(tokens, records, objects, detector, devices,
		scans.Classifier{AuthenticMax: cfg.AuthenticMax, FlaggedMin: cfg.FlaggedMin},
		cfg.StoreTimeout,
	)

	api := httpapi.New(httpapi.Deps{
		Ready:        probe,
		Version:      version,
		Tokens:       tokens,
		Devices:      devices,
		Guests:       guests,
		Scans:        pipeline,
		Records:      records,
		Resolver:     resolver,
		Packs:        packs,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting veriscan-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func packTable(in map[string]config.Pack) map[string]ledger.Pack {
	out := make(map[string]ledger.Pack, len(in))
	for id, p := range in {
		out[id] = ledger.Pack{Tokens: p.Tokens, PriceCents: p.PriceCents}
	}
	return out
}

// localSigningSecret keys the development identity provider. When a verify
// secret is configured the local tokens must be signed with it or the
// resolver would reject them.
func localSigningSecret(cfg *config.Config) string {
	if cfg.AuthVerifySecret != "" {
		return cfg.AuthVerifySecret
	}
	return "veriscan-dev-secret"
}
