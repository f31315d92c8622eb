package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/atoms-tech/connect/internal/api"
	"github.com/atoms-tech/connect/internal/config"
	"github.com/atoms-tech/connect/internal/model"
	"github.com/atoms-tech/connect/internal/oauth"
	"github.com/atoms-tech/connect/internal/provider"
	"github.com/atoms-tech/connect/internal/registry"
	"github.com/atoms-tech/connect/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var logger *zap.Logger
	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	dbPath := filepath.Join(filepath.Clean(cfg.DataDir), "connect.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}

	st := store.NewGormStore(db)
	if err := st.AutoMigrate(); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}
	bootstrapAdmin(st, logger)

	providers := provider.NewRegistry(cfg.BaseURL, cfg.OAuthClients)
	codec := oauth.NewStateCodec(cfg.StateSecret, cfg.StateTTL)
	flow := oauth.NewFlow(providers, st, codec, cfg.ExchangeTimeout, logger)
	refresher := oauth.NewRefresher(providers, st, cfg.RefreshSkew, cfg.ExchangeTimeout, logger)
	reg := registry.New(st, refresher, nil, cfg.ProbeTimeout, cfg.ToolCacheTTL, logger)

	handler := api.NewHandler(cfg, st, providers, flow, reg, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.POST("/api/login", handler.Login)

	// Provider callbacks arrive unauthenticated; the signed state token is
	// the credential.
	r.GET("/api/oauth/:provider/callback", handler.Callback)
	r.POST("/api/oauth/:provider/callback", handler.CallbackPost)

	authed := r.Group("/api")
	authed.Use(handler.AuthMiddleware())
	{
		authed.GET("/oauth/providers", handler.ListProviders)
		authed.GET("/oauth/:provider/connect", handler.Connect)
	}

	apiGroup := r.Group("/api/v1")
	apiGroup.Use(handler.AuthMiddleware())
	{
		apiGroup.GET("/connections", handler.ListConnections)
		apiGroup.DELETE("/connections/:id", handler.Disconnect)

		apiGroup.POST("/servers", handler.InstallServer)
		apiGroup.GET("/servers", handler.ListServers)
		apiGroup.GET("/servers/:id", handler.GetServer)
		apiGroup.DELETE("/servers/:id", handler.DeleteServer)
		apiGroup.POST("/servers/:id/start", handler.StartServer)
		apiGroup.POST("/servers/:id/stop", handler.StopServer)
		apiGroup.POST("/servers/:id/test", handler.TestServer)
		apiGroup.GET("/servers/:id/health", handler.ServerHealth)
		apiGroup.GET("/servers/:id/tools", handler.ServerTools)
		apiGroup.PATCH("/servers/:id/auth", handler.UpdateServerAuth)
		apiGroup.PATCH("/servers/:id/permissions", handler.UpdateServerPermissions)
		apiGroup.GET("/servers/:id/logs", handler.ServerLogs)

		apiGroup.POST("/change-password", handler.ChangePassword)
	}

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := r.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// bootstrapAdmin seeds a default admin on first boot.
func bootstrapAdmin(st *store.GormStore, logger *zap.Logger) {
	ctx := context.Background()
	count, err := st.CountAdmins(ctx)
	if err != nil {
		logger.Fatal("failed to count admins", zap.Error(err))
	}
	if count > 0 {
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
	if err != nil {
		logger.Fatal("failed to hash default password", zap.Error(err))
	}
	if err := st.CreateAdmin(ctx, &model.Admin{Username: "admin", Password: string(hashed)}); err != nil {
		logger.Fatal("failed to create default admin", zap.Error(err))
	}
	logger.Warn("initialized default admin user; change the password", zap.String("username", "admin"))
}
