package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cipherchat/internal/ratelimit"
	"cipherchat/internal/usertoken"
	"cipherchat/internal/util"
	"cipherchat/pkg/realtime"
	"cipherchat/pkg/storage"
	"cipherchat/services/messenger/internal/app"
	"cipherchat/services/messenger/internal/config"
	"cipherchat/services/messenger/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	bus, err := realtime.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		util.Fatal("failed to init redis bus", "err", err)
	}
	sendLimiter, err := ratelimit.NewFixedWindowLimiter(bus.Client(), "cipherchat:ratelimit:send", cfg.SendLimitPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init send limiter", "err", err)
	}

	var attachments storage.AttachmentStore
	if cfg.MinioEndpoint != "" {
		attachments, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init attachment store", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Bus:         bus,
		Attachments: attachments,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		SendLimiter:   sendLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("messenger server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
