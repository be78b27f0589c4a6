package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onvif-camera-gateway/common/logger"
	"onvif-camera-gateway/internal/config"
	"onvif-camera-gateway/internal/httpapi"
	"onvif-camera-gateway/internal/models"
	"onvif-camera-gateway/internal/service"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "camera-gateway",
		Short:         "Edge gateway that provisions ONVIF cameras and streams their frames to inference",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (environment variables take precedence)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the camera gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	var timeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query the local /health endpoint, exit non-zero unless healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return healthcheck(configPath, timeout)
		},
	}
	healthCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	root.AddCommand(healthCmd)

	return root
}

func serve(configPath string) error {
	// 1. 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 初始化日志
	log, level, err := logger.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Format, "camera-gateway")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	svc, err := service.NewGatewayService(ctx, cfg, log, &level)
	if err != nil {
		log.Error("Failed to create camera gateway service", zap.Error(err))
		return err
	}

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-serviceErrChan:
		log.Error("Service error", zap.Error(runErr))
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)

	log.Info("Camera gateway stopped")
	return runErr
}

func healthcheck(configPath string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resp, err := resty.New().
		SetTimeout(timeout).
		R().
		Get(healthURL(cfg.HTTP.Addr))
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}

	var body httpapi.HealthResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("invalid health response (status %d): %w", resp.StatusCode(), err)
	}
	fmt.Fprintf(os.Stdout, "state=%s devices=%d streak=%d/%d\n", body.Status, body.DeviceCount, body.FailStreak, body.RetryLimit)
	if body.State != models.HealthGood {
		return fmt.Errorf("gateway unhealthy: %s", body.Status)
	}
	return nil
}

// healthURL 监听地址为空主机时访问本机
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/health"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}
