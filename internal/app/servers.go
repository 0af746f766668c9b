package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/glyphoxa/internal/health"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// shutdownTimeout bounds how long one HTTP server is given to drain
// in-flight requests during Shutdown.
const shutdownTimeout = 10 * time.Second

// managedServer pairs an *http.Server with the label used in log lines.
type managedServer struct {
	name string
	srv  *http.Server
}

// initServers builds the four HTTP listeners this gateway exposes: the
// caller audio socket, the observer relay socket, the call-control webhook,
// and health/metrics. None are started yet; [Run] does that.
func (a *App) initServers() error {
	callerMux := a.router.Handler()
	a.servers = append(a.servers, a.newServer("caller", a.cfg.Server.CallerListenAddr, callerMux))
	a.servers = append(a.servers, a.newServer("observer", a.cfg.Server.ObserverListenAddr, callerMux))

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("POST /events", a.handleCallControlWebhook)
	a.servers = append(a.servers, a.newServer("call-control", a.cfg.Server.CallControlListenAddr, controlMux))

	healthMux := http.NewServeMux()
	a.health.Register(healthMux)
	healthMux.Handle("GET /metrics", promhttp.Handler())
	a.servers = append(a.servers, a.newServer("health", a.cfg.Server.HealthListenAddr, healthMux))

	return nil
}

// newServer wraps handler with the observability middleware and binds it to
// addr, without starting it yet.
func (a *App) newServer(name, addr string, handler http.Handler) *managedServer {
	return &managedServer{
		name: name,
		srv: &http.Server{
			Addr:    addr,
			Handler: observe.Middleware(a.metrics)(handler),
		},
	}
}

// handleCallControlWebhook decodes the telephony provider's Event Grid
// webhook payload — a JSON array of cloud-event envelopes — and dispatches
// each one through the Call Event Processor.
func (a *App) handleCallControlWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelopes []json.RawMessage
	if err := json.Unmarshal(body, &envelopes); err != nil {
		// A single bare envelope (rather than a batch) is also accepted.
		envelopes = []json.RawMessage{body}
	}

	ctx := r.Context()
	for _, env := range envelopes {
		if err := a.processor.Dispatch(ctx, env); err != nil {
			slog.Error("app: dispatch call-control event", "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// healthCheckers returns the readiness checks exposed via /readyz: the
// session store must be reachable and the MCP host must have at least one
// tool available.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{Name: "session_store", Check: func(ctx context.Context) error {
			_, err := a.store.Load(ctx, "__healthcheck__")
			return err
		}},
		{Name: "mcp_tools", Check: func(ctx context.Context) error {
			if len(a.mcpHost.AvailableTools(types.BudgetDeep)) == 0 {
				return fmt.Errorf("no mcp tools registered")
			}
			return nil
		}},
	}
}

// Run starts every HTTP listener and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, len(a.servers))
	for _, ms := range a.servers {
		ms := ms
		ln, err := net.Listen("tcp", ms.srv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s (%s): %w", ms.name, ms.srv.Addr, err)
		}
		go func() {
			slog.Info("app: server listening", "server", ms.name, "addr", ms.srv.Addr)
			if err := ms.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s server: %w", ms.name, err)
				return
			}
			errCh <- nil
		}()
	}

	slog.Info("app: running")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// Shutdown stops every HTTP server and runs every registered closer
// (MCP host connections, database pools), each gated by ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		for _, ms := range a.servers {
			sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if shutErr := ms.srv.Shutdown(sctx); shutErr != nil {
				slog.Warn("app: server shutdown", "server", ms.name, "error", shutErr)
			}
			cancel()
		}
		if a.otelShutdown != nil {
			if shutErr := a.otelShutdown(ctx); shutErr != nil {
				slog.Warn("app: otel shutdown", "error", shutErr)
			}
		}
		for _, closer := range a.closers {
			if ctx.Err() != nil {
				err = ctx.Err()
				return
			}
			if closeErr := closer(); closeErr != nil {
				slog.Warn("app: closer failed", "error", closeErr)
			}
		}
	})
	return err
}
