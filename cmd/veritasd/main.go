// Command veritasd is the control-plane host process (spec §4.9): it
// accepts audit-creation requests over HTTP, supervises one veritas-engine
// subprocess per audit via internal/runner, and streams progress back to
// browsers over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/db"
	"github.com/veritas-audit/veritas/internal/logger"
	"github.com/veritas-audit/veritas/internal/runner"
	"github.com/veritas-audit/veritas/internal/validator"
	ws "github.com/veritas-audit/veritas/internal/websocket"
)

func main() {
	port := getEnv("VERITAS_PORT", "8080")
	dbPath := getEnv("VERITAS_DB_PATH", "./data/veritas.db")
	enginePath := getEnv("VERITAS_ENGINE_PATH", "./veritas-engine")
	logLevel := getEnv("VERITAS_LOG_LEVEL", "info")
	retentionEnabled := getEnv("VERITAS_RETENTION_ENABLED", "false") == "true"
	retentionDays := getEnvInt("VERITAS_RETENTION_DAYS", 30)
	useStdoutFallback := getEnv("VERITAS_USE_STDOUT_FALLBACK", "false") == "true"

	logger.Initialize(logLevel, false, "veritasd", os.Stderr)
	log := logger.GetLogger()

	log.Info().Str("db_path", dbPath).Str("engine_path", enginePath).Msg("starting veritasd")

	database, err := db.NewDatabase(db.Config{Path: dbPath})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	repo := db.NewRepository(database)
	hub := ws.NewHub()
	go hub.Run()

	supervisor := runner.NewSupervisor(repo, hub, enginePath, useStdoutFallback)

	var retentionJob *cron.Cron
	if retentionEnabled {
		retentionJob = startRetentionJob(repo, retentionDays)
		defer retentionJob.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetrics(repo, hub))
	mux.HandleFunc("POST /audits", handleCreateAudit(supervisor))
	mux.HandleFunc("GET /audits/{id}", handleGetAudit(repo))
	mux.HandleFunc("GET /audits", handleListAudits(repo))
	mux.HandleFunc("GET /audits/{id}/stream", handleStream(hub))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", port).Msg("veritasd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shut down")
	}
}

// handleHealthz is a liveness probe; it does not touch the database so it
// stays cheap under load.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMetrics reports in-flight audit activity and database
// connectivity, the minimal introspection surface a production host
// process always carries regardless of what the audit domain itself
// scopes out (SPEC_FULL §6).
func handleMetrics(repo *db.Repository, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running, err := repo.ListRecent(r.Context(), 100, 0)
		dbHealthy := err == nil

		inFlight := 0
		if dbHealthy {
			for _, a := range running {
				if a.Status == string(audit.StatusRunning) || a.Status == string(audit.StatusQueued) {
					inFlight++
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"db_healthy":        dbHealthy,
			"audits_in_flight":  inFlight,
			"websocket_clients": hub.ClientCount(),
		})
	}
}

// handleCreateAudit validates the request body and hands it to the
// Supervisor, which creates the audits row and spawns the engine
// subprocess in the background (spec §4.9 "Create audits row").
func handleCreateAudit(supervisor *runner.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validator.CreateAuditRequest
		if !validator.DecodeAndValidate(w, r, &req) {
			return
		}

		auditID := uuid.New().String()
		tier := audit.Tier(req.Tier)
		verdictMode := audit.VerdictMode(req.VerdictMode)
		if verdictMode == "" {
			verdictMode = audit.VerdictModeSimple
		}

		if err := supervisor.StartAudit(r.Context(), auditID, req.URL, tier, verdictMode, req.EnabledModules); err != nil {
			logger.HTTP().Error().Err(err).Msg("failed to start audit")
			writeError(w, http.StatusInternalServerError, "failed to start audit")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"audit_id": auditID, "status": string(audit.StatusQueued)})
	}
}

func handleGetAudit(repo *db.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := r.PathValue("id")

		result, err := repo.GetWithChildren(r.Context(), auditID)
		if err != nil {
			logger.HTTP().Error().Err(err).Msg("failed to fetch audit")
			writeError(w, http.StatusInternalServerError, "failed to fetch audit")
			return
		}
		if result == nil {
			writeError(w, http.StatusNotFound, "audit not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handleListAudits(repo *db.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		audits, err := repo.ListRecent(r.Context(), limit, offset)
		if err != nil {
			logger.HTTP().Error().Err(err).Msg("failed to list audits")
			writeError(w, http.StatusInternalServerError, "failed to list audits")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(audits)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Non-goals exclude multi-tenant origin policy; any origin may
	// subscribe to an audit's stream as long as it knows the audit_id.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func handleStream(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := r.PathValue("id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.HTTP().Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		hub.ServeClient(conn, auditID)
	}
}

// startRetentionJob schedules the disabled-by-default sweep that deletes
// audits (and their cascaded children) older than retentionDays, nightly
// at 03:00 (SPEC_FULL §6).
func startRetentionJob(repo *db.Repository, retentionDays int) *cron.Cron {
	c := cron.New()
	log := logger.GetLogger()

	_, err := c.AddFunc("0 3 * * *", func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
		if err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
			return
		}
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("retention sweep completed")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention job")
	}

	c.Start()
	log.Info().Int("retention_days", retentionDays).Msg("retention job scheduled")
	return c
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
