package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/hub"
	"chatsync/internal/logger"
	"chatsync/internal/server"
	"chatsync/internal/store"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	lg := logger.New(cfg.LogLevel, "stdout")
	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: lg})

	tokenCfg := auth.TokenConfig{
		Secret:        cfg.MasterSecret,
		Expiry:        cfg.TokenExpiry,
		RefreshExpiry: cfg.RefreshTokenExpiry,
		Issuer:        "chatsync-devserver",
	}

	router := server.NewRouter(server.Deps{Store: st, Hub: hub.New(), TokenConfig: tokenCfg, Logger: lg})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx, cfg, router, lg); err != nil {
		log.Fatal(err)
	}
}
