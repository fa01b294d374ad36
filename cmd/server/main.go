// Command server boots the credential-brokering gateway: it loads
// configuration, the master key, the service registry, and every
// persisted registry, wires the gateway pipeline, and serves the HTTP
// surface until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credproxy/internal/aead"
	"credproxy/internal/agent"
	"credproxy/internal/clock"
	"credproxy/internal/config"
	"credproxy/internal/gateway"
	"credproxy/internal/logging"
	"credproxy/internal/ratelimit"
	"credproxy/internal/service"
	"credproxy/internal/session"
	"credproxy/internal/store"
	"credproxy/internal/upstream"
	"credproxy/internal/user"
	"credproxy/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)

	masterKey, err := aead.ParseMasterKey(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ENCRYPTION_KEY")
	}
	box, err := aead.New(masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build crypto box")
	}

	services, err := service.Load(cfg.ServicesConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load service registry")
	}

	clk := clock.System{}

	usersSnap, err := store.NewFileSnapshotter(cfg.UsersPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open users store")
	}
	agentsSnap, err := store.NewFileSnapshotter(cfg.AgentsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open agents store")
	}
	sessionsSnap, err := store.NewFileSnapshotter(cfg.SessionsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open sessions store")
	}
	credsSnap, err := store.NewFileSnapshotter(cfg.CredentialsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open credentials store")
	}

	users := user.New(clk, usersSnap)
	if err := users.Load(); err != nil {
		log.Fatal().Err(err).Msg("could not load users")
	}

	agents := agent.New(clk, agentsSnap, services)
	sessions := session.New(clk, sessionsSnap, gateway.AgentExists(agents))
	agents.SetSessions(sessions)
	agents.SetUsers(users)

	if err := agents.Load(); err != nil {
		log.Fatal().Err(err).Msg("could not load agents")
	}
	if err := sessions.Load(); err != nil {
		log.Fatal().Err(err).Msg("could not load sessions")
	}

	refresher := vault.NewSimulatedRefresher(clk, 3600)
	cv := vault.New(clk, box, credsSnap, refresher, cfg.RefreshMargin)
	if err := cv.Load(); err != nil {
		log.Fatal().Err(err).Msg("could not load credential vault")
	}
	agents.SetVault(cv)

	limiter := ratelimit.New(clk)
	upstreamClient := upstream.New(cfg.UpstreamTimeout)

	pipeline := gateway.NewPipeline(clk, services, sessions, agents, limiter, cv, upstreamClient)
	srv := gateway.NewServer(clk, log, users, agents, sessions, services, pipeline, cfg.SessionTTL())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go limiter.RunSweeper(ctx, cfg.RateLimitSweep, cfg.SessionTTL())
	go sessions.RunSweeper(ctx, cfg.RateLimitSweep)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
