package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/maybehotcarl/unlock-broker/pkg/cfsign"
	"github.com/maybehotcarl/unlock-broker/pkg/config"
	"github.com/maybehotcarl/unlock-broker/pkg/delegation"
	"github.com/maybehotcarl/unlock-broker/pkg/membership"
	"github.com/maybehotcarl/unlock-broker/pkg/ratelimit"
	"github.com/maybehotcarl/unlock-broker/pkg/revocation"
	"github.com/maybehotcarl/unlock-broker/pkg/secrets"
	"github.com/maybehotcarl/unlock-broker/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (.json, .yaml)")
	listenAddr := flag.String("listen", "", "Listen address (default :8080)")
	rpcURL := flag.String("rpc", "", "Base JSON-RPC endpoint")
	wsURL := flag.String("ws", "", "Base WebSocket endpoint for delegation events")
	lockAddr := flag.String("lock", "", "Unlock PublicLock address")
	cfDomain := flag.String("cloudfront-domain", "", "CloudFront distribution domain")
	keyPairID := flag.String("key-pair-id", "", "CloudFront key pair ID")
	keyFile := flag.String("private-key-file", "", "Path to the CloudFront RSA private key (PEM)")
	ttl := flag.Duration("url-ttl", 0, "Signed URL lifetime (default 5m)")
	enableDelegation := flag.Bool("delegation", false, "Also check delegate.xyz vaults")
	rateLimit := flag.Int("rate-limit", -1, "Requests per minute per client IP (0 disables)")
	redisURL := flag.String("redis-url", "", "Redis URL for a shared rate limiter")
	corsOrigin := flag.String("cors-origin", "", "Allowed CORS origin")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	flag.Parse()

	log := logrus.New()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	// Flags win over file and environment.
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.ListenAddr, *listenAddr)
	override(&cfg.Network.RPCURL, *rpcURL)
	override(&cfg.Network.WSURL, *wsURL)
	override(&cfg.LockAddress, *lockAddr)
	override(&cfg.CloudFrontDomain, *cfDomain)
	override(&cfg.KeyPairID, *keyPairID)
	override(&cfg.PrivateKeyFile, *keyFile)
	override(&cfg.RedisURL, *redisURL)
	override(&cfg.CORSOrigin, *corsOrigin)
	override(&cfg.LogLevel, *logLevel)
	override(&cfg.LogFormat, *logFormat)
	if *ttl > 0 {
		cfg.SignedURLTTL = *ttl
	}
	if *enableDelegation {
		cfg.Delegation = true
	}
	if *rateLimit >= 0 {
		cfg.RateLimitPerMinute = *rateLimit
	}

	configureLogger(log, cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := ethclient.Dial(cfg.Network.RPCURL)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Network.RPCURL, err)
	}
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = cfg.Network.CheckRPC(dialCtx, client)
	cancel()
	if err != nil {
		log.Fatalf("Chain check failed: %v", err)
	}

	verifier, err := membership.New(client, membership.ContractRef{
		Address: cfg.Lock(),
		ChainID: cfg.Network.ChainIDBig(),
	}, log)
	if err != nil {
		log.Fatalf("Failed to create membership verifier: %v", err)
	}

	keySource, err := secrets.FromConfig(cfg.PrivateKeyPEM, cfg.PrivateKeyFile)
	if err != nil {
		log.Fatalf("Signing key: %v", err)
	}
	signer := cfsign.New(cfg.CloudFrontDomain, cfg.KeyPairID, secrets.NewCached(keySource), log)

	srv := server.New(cfg, verifier, signer, log)

	if cfg.CORSOrigin != "" {
		srv.SetCORSOrigin(cfg.CORSOrigin)
		log.Infof("CORS enabled for origin: %s", cfg.CORSOrigin)
	}

	if cfg.Delegation {
		resolver, err := delegation.New(delegation.Config{
			Caller: client,
			Lock:   cfg.Lock(),
			Logger: log,
		})
		if err != nil {
			log.Fatalf("Failed to create delegation resolver: %v", err)
		}
		srv.SetDelegation(resolver)
		log.Info("Delegation enabled (delegate.xyz v2)")

		if cfg.Network.WSURL != "" {
			wsClient, err := ethclient.Dial(cfg.Network.WSURL)
			if err != nil {
				log.Warnf("Failed to dial %s, delegation cache relies on TTL only: %v", cfg.Network.WSURL, err)
			} else {
				defer wsClient.Close()
				watcher, err := revocation.NewWatcher(wsClient, delegation.RegistryV2, cfg.Lock(), resolver, log)
				if err != nil {
					log.Fatalf("Failed to create delegation watcher: %v", err)
				}
				go watcher.Start(ctx)
				defer watcher.Stop()
			}
		}
	}

	if cfg.RateLimitPerMinute > 0 {
		limit := ratelimit.PerMinute(cfg.RateLimitPerMinute)
		if cfg.RedisURL != "" {
			limiter, rdb, err := ratelimit.NewRedisFromURL(ctx, cfg.RedisURL, limit)
			if err != nil {
				log.Fatalf("Failed to connect to Redis: %v", err)
			}
			defer rdb.Close()
			srv.SetRateLimiter(limiter)
			log.Infof("Rate limit: %d/min per IP (redis)", cfg.RateLimitPerMinute)
		} else {
			limiter := ratelimit.NewMemory(limit)
			go sweep(ctx, limiter, limit.Window)
			srv.SetRateLimiter(limiter)
			log.Infof("Rate limit: %d/min per IP (memory)", cfg.RateLimitPerMinute)
		}
	}

	log.WithFields(logrus.Fields{
		"rpc":        cfg.Network.RPCURL,
		"lock":       verifier.Contract().String(),
		"cloudfront": cfg.CloudFrontDomain,
		"url_ttl":    cfg.SignedURLTTL.String(),
		"delegation": cfg.Delegation,
	}).Info("Unlock broker starting")

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Broker listening on %s", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}
	log.Info("Broker stopped")
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	log.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func sweep(ctx context.Context, m *ratelimit.Memory, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
