package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/config"
	"github.com/mikepea/idplane/pkg/idplane/database"
	"github.com/mikepea/idplane/pkg/idplane/gateway"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/logger"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"github.com/mikepea/idplane/pkg/idplane/registration"
	"github.com/mikepea/idplane/pkg/idplane/server"
	"go.uber.org/zap"
)

// @title idplane API
// @version 1.0
// @description Multi-tenant identity control plane: products, tenants, users and gateway routes.

// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Realm access token. Format: "Bearer {token}"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger level comes from config, so fall back to defaults.
		logger.New("info").Fatalw("Invalid configuration", "error", err)
	}
	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("Server stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}
	log.Infow("Database migrations completed", "driver", cfg.DBDriver)

	idp := identity.NewKeycloak(identity.KeycloakConfig{
		BaseURL:      cfg.KeycloakBaseURL,
		Realm:        cfg.KeycloakRealm,
		ClientID:     cfg.KeycloakClientID,
		ClientSecret: cfg.KeycloakClientSecret,
		Timeout:      cfg.StepTimeout,
	}, log)
	gw := gateway.NewAPISIX(cfg.APISIXAdminURL, cfg.APISIXAdminKey, nil, log)

	var extractor auth.Extractor = auth.UnverifiedExtractor{}
	if cfg.VerifyTokens {
		verifying, err := auth.NewVerifyingExtractor(ctx, cfg.IssuerURL(), log)
		if err != nil {
			return err
		}
		extractor = verifying
		log.Infow("Verifying bearer tokens", "issuer", cfg.IssuerURL())
	} else {
		log.Warnw("Trusting bearer tokens validated by the gateway; set AUTH_VERIFY_TOKENS=true when exposed directly")
	}

	metrics.Register()

	router := server.New(server.Deps{
		DB:        db,
		Identity:  idp,
		Gateway:   gw,
		Extractor: extractor,
		Sessions:  registration.NewSessions(cfg.IssuerURL(), nil),
		Log:       log,
		Options: provisioning.Options{
			DiscoveryURL:       cfg.DiscoveryURL(),
			Realm:              cfg.KeycloakRealm,
			DefaultFrontendURL: cfg.DefaultFrontendURL,
			StepTimeout:        cfg.StepTimeout,
		},
		ControlPlaneClient: cfg.KeycloakClientID,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Infow("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("Starting idplane server", "port", cfg.Port, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
