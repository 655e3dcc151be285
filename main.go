package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/managex/devlock/docs"
	"github.com/managex/devlock/internal/api"
	"github.com/managex/devlock/internal/bus"
	"github.com/managex/devlock/internal/config"
	"github.com/managex/devlock/internal/geo"
	"github.com/managex/devlock/internal/handlers"
	"github.com/managex/devlock/internal/lockcode"
	"github.com/managex/devlock/internal/store"
	"github.com/managex/devlock/pkg/protocol"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/crypto/bcrypt"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "", "path to devlock.yml (optional; env vars apply either way)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.DeviceTokenSecret() == "" || cfg.UnlockCodeSecret() == "" {
		slog.Error("secrets.device_token and secrets.unlock_code must be set")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBDSN())
	if err != nil {
		slog.Error("open store", "dsn", cfg.DBDSN(), "err", err)
		os.Exit(1)
	}

	codes := lockcode.NewService(st, cfg.UnlockCodeSecret(), cfg.DeviceTokenSecret())

	hub := bus.NewHub(func(topic, token string) bool {
		if topic == protocol.TopicAdmins {
			return bcrypt.CompareHashAndPassword([]byte(cfg.AdminKeyBcrypt()), []byte(token)) == nil
		}
		deviceID, ok := strings.CutPrefix(topic, "device:")
		if !ok {
			return false
		}
		d, err := st.FindDeviceByTokenHash(lockcode.HashToken(token))
		return err == nil && d.DeviceID == deviceID
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := hub.Listen(ctx, cfg.BusAddr()); err != nil {
			slog.Error("bus listen", "err", err)
			stop()
		}
	}()

	docs.SwaggerInfo.Title = "DevLock API"
	docs.SwaggerInfo.Version = "v0.1.0"

	r := gin.Default()
	api.RegisterRoutes(r, &handlers.Env{
		Store: st,
		Codes: codes,
		Hub:   hub,
		Cfg:   cfg,
		Geo:   geo.NoopResolver{},
	})

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))
	r.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/swagger/index.html")
	})

	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server starting", "http", cfg.HTTPAddr(), "bus", cfg.BusAddr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server exit", "err", err)
		os.Exit(1)
	}
}
