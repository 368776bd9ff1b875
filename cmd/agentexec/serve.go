package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stake-plus/agentexec/src/agents"
	"github.com/stake-plus/agentexec/src/api/webserver"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start every active agent and serve the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("agentexec")
		cfg := loadConfig()
		db := openDB(logger)

		var rdb *redis.Client
		if cfg.Redis.Enabled {
			client, err := bus.OpenRedis(cfg.Redis.URL)
			if err != nil {
				logger.Printf("redis: %v; stream sink disabled", err)
			} else {
				rdb = client
				defer rdb.Close()
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := agents.StartAll(ctx, cfg, agents.Options{DB: db, Redis: rdb})
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		// apiDone stays nil, and never fires, while the API is off.
		var apiDone chan error
		if cfg.API.Enabled {
			gin.SetMode(gin.ReleaseMode)
			engine, err := webserver.New(ctx, cfg.API, rt)
			if err != nil {
				logger.Printf("api disabled: %v", err)
			} else {
				apiDone = make(chan error, 1)
				go func() { apiDone <- webserver.Serve(ctx, cfg.API.Addr, engine, cfg.API.TLSCert, cfg.API.TLSKey) }()
			}
		}

		select {
		case <-ctx.Done():
		case err := <-apiDone:
			if err != nil {
				logger.Printf("api: %v", err)
			}
			apiDone = nil
		}
		logger.Printf("shutting down")
		stop()
		for name, res := range rt.Shutdown() {
			logger.Printf("stop %s: %s", name, res)
		}
		if apiDone != nil {
			<-apiDone
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
