package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
	"github.com/mirkobrombin/go-sesslock/v1/metrics"
	"github.com/mirkobrombin/go-sesslock/v1/session"
	"github.com/mirkobrombin/go-sesslock/v1/syncbus"
	"github.com/mirkobrombin/go-sesslock/v1/watchbus"
)

const sessionCookie = "SESSLOCK"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session demo web app",
	Long: `Runs a small web app that keeps a per-session visit counter behind the
session lease. Concurrent requests for the same session are serialized.

  /          increments and shows the visit counter
  /destroy   destroys the session
  /watch     lease events for ?key= as Server-Sent Events
  /watch/ws  lease events for ?key= over WebSocket
  /metrics   prometheus metrics
  /healthz   liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Tracing {
			exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				return err
			}
			tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
			defer func() { _ = tp.Shutdown(context.Background()) }()
			otel.SetTracerProvider(tp)
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newServeMux(b, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			slog.Info("sesslock: serving", "addr", cfg.Listen, "store", cfg.Store)
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxWait)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "address the demo app listens on")
	bindLocal(settings, serveCmd)
}

func newServeMux(b *backend, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		visit(b, w, r)
	})
	mux.HandleFunc("/destroy", func(w http.ResponseWriter, r *http.Request) {
		destroy(b, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if sub, ok := b.bus.(syncbus.Subscriber); ok {
		mux.Handle("/watch", watchbus.SSEHandler(sub))
		mux.Handle("/watch/ws", watchbus.WebSocketHandler(sub))
	}
	return mux
}

// sessionID returns the id carried by the request cookie, issuing a new one
// when there is none.
func sessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	id, err := session.NewID()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
	return id, nil
}

func visit(b *backend, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := sessionID(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h := b.handler()
	if err := h.Open(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer closeSession(ctx, h)

	payload, err := h.Read(ctx, id)
	if errors.Is(err, sesserrors.ErrLockAcquisition) {
		http.Error(w, "session busy", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	count, _ := strconv.Atoi(string(payload))
	count++
	if ok, err := h.Write(ctx, id, []byte(strconv.Itoa(count))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if !ok {
		http.Error(w, "session busy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "count: %d\n", count)
}

func destroy(b *backend, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h := b.handler()
	if _, err := h.Destroy(ctx, c.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

// closeSession releases the lease even when the request was cancelled.
func closeSession(ctx context.Context, h *session.Handler) {
	if _, err := h.Close(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("sesslock: session close failed", "id", h.ID(), "error", err)
	}
}
