package webserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stake-plus/agentexec/src/agents"
	sharedconfig "github.com/stake-plus/agentexec/src/config"
)

// ErrNoSecret is returned by New when no JWT secret is configured.
var ErrNoSecret = errors.New("webserver: jwt secret is required")

// New builds the admin API for a started runtime. The rate limiter's cleanup
// goroutine ends with ctx.
func New(ctx context.Context, cfg sharedconfig.APIConfig, rt *agents.Runtime) (*gin.Engine, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	r := gin.New()
	r.Use(gin.Recovery())
	attachRoutes(ctx, r, cfg, rt)
	return r, nil
}

func attachRoutes(ctx context.Context, r *gin.Engine, cfg sharedconfig.APIConfig, rt *agents.Runtime) {
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	rate := cfg.RatePerMinute
	if rate <= 0 {
		rate = 120
	}
	limiter := NewRateLimiter(ctx, rate, time.Minute)
	secret := []byte(cfg.JWTSecret)

	authH := NewAuth(cfg.AdminPassHash, secret)
	agentH := NewAgents(rt)
	eventH := NewEvents(rt)
	regH := NewRegistry(rt)

	r.GET("/healthz", func(c *gin.Context) {
		started, at := rt.Manager.Started()
		c.JSON(http.StatusOK, gin.H{"ok": true, "started": started, "started_at": at})
	})

	v1 := r.Group("/v1")
	v1.POST("/auth/token", RateLimitMiddleware(limiter), authH.Token)

	secured := v1.Group("")
	secured.Use(JWTMiddleware(secret), RateLimitMiddleware(limiter))
	{
		secured.GET("/agents", agentH.List)
		secured.GET("/agents/:name", agentH.Get)
		secured.POST("/agents/:name/start", agentH.Start)
		secured.POST("/agents/:name/stop", agentH.Stop)
		secured.POST("/agents/:name/restart", agentH.Restart)
		secured.POST("/agents/:name/run", agentH.Run)

		secured.POST("/events", eventH.Emit)
		secured.GET("/bus", eventH.Bus)

		secured.GET("/registry", regH.Get)
		secured.PUT("/registry/agents", regH.Upsert)
	}
}
