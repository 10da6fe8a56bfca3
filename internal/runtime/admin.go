package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

const maxInjectBytes = 1 << 20

// JobView is the admin representation of an unfinished ledger record.
type JobView struct {
	ID         int64        `json:"id"`
	JobID      string       `json:"job_id"`
	Tier       int          `json:"tier"`
	ReceivedAt time.Time    `json:"received_at"`
	Progress   int64        `json:"progress"`
	Request    wire.Message `json:"request"`
}

// Status summarizes the tier for GET /api/status.
type Status struct {
	JobID      string        `json:"job_id"`
	Tier       int           `json:"tier"`
	Source     string        `json:"source_queue"`
	Sink       string        `json:"sink_queue"`
	Transport  string        `json:"transport"`
	Unfinished int           `json:"unfinished_jobs"`
	Resources  ResourceUsage `json:"resources"`
}

// AdminHandler serves health, manual injection, ledger inspection and, when
// enabled, Prometheus metrics.
func (s *Service) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /messages", s.handleInject)
	mux.HandleFunc("GET /api/jobs", s.handleGetJobs)
	mux.HandleFunc("GET /api/status", s.handleGetStatus)
	if s.Conf != nil && s.Conf.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Service) serveAdmin(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.Conf.AdminPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Conf.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Error("Admin server shutdown", err, loggingpkg.LogFields{"address": addr})
		}
	}()

	s.Logger.Info("Starting admin server", loggingpkg.LogFields{"address": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server %s: %w", addr, err)
	}
	return ctx.Err()
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "health check OK")
}

func (s *Service) handleInject(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInjectBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := wire.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Inject(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.Logger.Info("Injected message", loggingpkg.LogFields{"message": msg.String()})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleGetJobs(w http.ResponseWriter, _ *http.Request) {
	records := s.ledger.Unfinished()
	views := make([]JobView, 0, len(records))
	for _, rec := range records {
		msg, err := rec.Message()
		if err != nil {
			s.Logger.Error("Undecodable ledger record", err, loggingpkg.LogFields{"id": rec.ID})
			continue
		}
		views = append(views, JobView{
			ID:         rec.ID,
			JobID:      rec.JobID,
			Tier:       rec.Tier,
			ReceivedAt: rec.ReceivedAt,
			Progress:   rec.Progress,
			Request:    msg,
		})
	}
	s.writeJSON(w, views)
}

func (s *Service) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, Status{
		JobID:      s.Conf.JobID,
		Tier:       s.ledger.Tier(),
		Source:     s.Conf.SourceQueue,
		Sink:       s.Conf.SinkQueue,
		Transport:  s.Conf.PubSubSystem,
		Unfinished: s.ledger.Len(),
		Resources:  s.resources.Snapshot(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
