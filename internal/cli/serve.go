package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

func serveCommand(root *rootOptions) *cobra.Command {
	var address string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an HTTP endpoint that triggers a sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Server.Address
			}

			app, err := NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), listener, newSyncHandler(app, logger), logger)
		},
	}
	serveCmd.Flags().StringVar(&address, "address", "", "listen address (defaults to server.address)")
	return serveCmd
}

func serve(ctx context.Context, listener net.Listener, handler http.Handler, logger hclog.Logger) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening for sync triggers", "address", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type syncHandler struct {
	runner runner
	logger hclog.Logger
	// one pass at a time; concurrent triggers queue
	mu sync.Mutex
}

func newSyncHandler(r runner, logger hclog.Logger) http.Handler {
	h := &syncHandler{runner: r, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", h.handleSync)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (h *syncHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.runner.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("Triggered sync run failed", "error", err)
	}
	if result == nil {
		result = &snapshot.RunResult{Status: snapshot.RunError, Details: []snapshot.SyncOutcome{}}
		if err != nil {
			result.Message = err.Error()
		}
	}

	status := http.StatusOK
	if result.Status == snapshot.RunError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
