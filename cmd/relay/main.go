package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/meditriage/internal/config"
	"github.com/zhouzirui/meditriage/internal/handler"
	"github.com/zhouzirui/meditriage/internal/handler/realtime"
	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/metrics"
	"github.com/zhouzirui/meditriage/internal/service/relay"
	"github.com/zhouzirui/meditriage/internal/service/triage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("failed to load configuration: %v", err)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		zap.S().Fatalf("failed to build logger: %v", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log.SugaredLogger.Desugar())

	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	// 大模型分诊可选，不可用时回退到关键词规则
	var chatModel model.BaseChatModel
	if cfg.AI.TriageLLMEnabled {
		if !cfg.AI.Enabled() {
			log.Warn("Ark 凭证未配置，分诊使用关键词规则")
		} else if cm, err := cfg.AI.NewChatModel(ctx); err != nil {
			log.Warn("failed to initialize chat model, falling back to heuristics", "error", err)
		} else {
			chatModel = cm
		}
	}
	triageSvc, err := triage.NewService(ctx, chatModel, cfg.AI.TriageConfig(), log)
	if err != nil {
		log.Fatal("failed to initialize triage service", "error", err)
	}
	log.Info("triage service ready", "llm", triageSvc.Enabled())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	hub := relay.NewHub(triageSvc, m, log)
	router := handler.NewRouter(hub, realtimeOptions(cfg.Relay), reg, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("MediTriage relay listening", "addr", srv.Addr)
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		return hub.Run(gctx, cfg.Relay.PruneInterval, cfg.Relay.ChatTTL)
	})

	err = g.Wait()
	hub.CloseAll()
	if err != nil {
		log.Fatal("server error", "error", err)
	}
	log.Info("relay stopped")
}

// realtimeOptions 把 relay 配置映射为患者 websocket 通道的超时设置。
func realtimeOptions(c config.RelayConfig) realtime.Options {
	return realtime.Options{
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PingInterval: c.PingInterval,
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
