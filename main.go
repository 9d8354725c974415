package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"gridsync/server"
)

const shutdownTimeout = 10 * time.Second

// gridsync 入口：启动 HTTP + WebSocket 服务，并运行唯一的协调器
func main() {
	if err := server.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := server.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// 使用第三方 zap 日志库写入 app.log（带滚动）
	if err := server.InitLogger(cfg.Logging()); err != nil {
		panic(err)
	}
	defer func() { _ = server.SyncLogger() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordCtx, stopCoord := context.WithCancel(context.Background())
	coord := server.NewCoordinator(server.CoordinatorConfig{
		MaxPlayers:  cfg.MaxPlayers,
		MailboxSize: cfg.MailboxSize,
	})
	go coord.Run(coordCtx)

	srv := &http.Server{Addr: cfg.Addr, Handler: server.NewMux(coord, cfg)}

	serveErr := make(chan error, 1)
	go func() {
		server.Log.Infof("gridsync listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		server.Log.Info("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			server.Log.Fatalf("listen: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stopCoord()
	select {
	case <-coord.Done():
	case <-shutdownCtx.Done():
		err = multierr.Append(err, fmt.Errorf("coordinator: %w", shutdownCtx.Err()))
	}
	if err != nil {
		server.Log.Errorf("shutdown: %v", err)
	}
}
