package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aegis-network/aegis-node/internal/aegislog"
)

// GracefulShutdown drains in-flight requests and runs cleanup callbacks
// (closing the gossip NATS connection, closing the persistence backend)
// before the process exits (spec §7).
type GracefulShutdown struct {
	mu           sync.Mutex
	server       *http.Server
	timeout      time.Duration
	shutdownChan chan struct{}
	callbacks    []func()
	logger       *aegislog.Logger
}

func NewGracefulShutdown(server *http.Server, timeout time.Duration, logger *aegislog.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}
}

func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		g.logger.Logger.WithField("signal", sig.String()).Info("shutdown signal received")
		g.Shutdown()
	}()
}

func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, callback := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Logger.WithField("panic", r).Error("panic in shutdown callback")
				}
			}()
			callback()
		}()
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Logger.WithError(err).Error("server shutdown error")
		}
	}

	close(g.shutdownChan)
}

func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
