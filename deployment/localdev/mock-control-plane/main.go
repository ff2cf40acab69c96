package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/effects"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// controlPlane records applied remediations so the HTTP effects driver can be exercised locally.
type controlPlane struct {
	mu        sync.Mutex
	applied   map[string]models.ActionRecord
	failEvery int
	counter   int
}

func main() {
	addr := flag.String("addr", ":8090", "Listen address")
	failEvery := flag.Int("fail-every", 0, "Fail every Nth apply with 503 (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(slog.String("service", "control-plane-mock"))
	cp := &controlPlane{applied: make(map[string]models.ActionRecord), failEvery: *failEvery}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/remediations/apply", func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := decodeCommand(w, r)
		if !ok {
			return
		}
		status := cp.apply(cmd)
		logger.Info("apply", slog.String("action_id", cmd.Action.ID), slog.String("type", string(cmd.Action.Type)),
			slog.String("target", cmd.Action.Target), slog.Int("status", status))
		w.WriteHeader(status)
	})
	mux.HandleFunc("/api/v1/remediations/revert", func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := decodeCommand(w, r)
		if !ok {
			return
		}
		status := cp.revert(cmd)
		logger.Info("revert", slog.String("action_id", cmd.Action.ID), slog.Int("status", status))
		w.WriteHeader(status)
	})
	mux.HandleFunc("/api/v1/remediations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"applied": cp.list()})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func (c *controlPlane) apply(cmd effects.Command) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	if c.failEvery > 0 && c.counter%c.failEvery == 0 {
		return http.StatusServiceUnavailable
	}
	c.applied[cmd.Action.ID] = cmd.Action
	return http.StatusOK
}

func (c *controlPlane) revert(cmd effects.Command) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.applied[cmd.Action.ID]; !ok {
		return http.StatusConflict
	}
	delete(c.applied, cmd.Action.ID)
	return http.StatusOK
}

func (c *controlPlane) list() []models.ActionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ActionRecord, 0, len(c.applied))
	for _, rec := range c.applied {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (effects.Command, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return effects.Command{}, false
	}
	var cmd effects.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Action.ID == "" {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return effects.Command{}, false
	}
	return cmd, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Duration("took", time.Since(start)))
	})
}
