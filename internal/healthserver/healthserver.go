// Пакет healthserver — минимальный HTTP-сервер /healthz, /readyz и
// /metrics, общий для Receiver и Forwarder (spec §4.6 "each process
// exposes liveness, readiness, and Prometheus metrics"). Грубо
// соответствует storage-element/internal/server/server.go и
// .../internal/api/handlers/health.go, упрощённому здесь: gateway не
// генерирует OpenAPI-поверхность, поэтому routes монтируются прямо на
// chi.Router без сгенерированного ServerInterface.
package healthserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker — одна проверка зависимости для /readyz.
// Реализуется catalog.ReadinessChecker и объектным хранилищем.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// Server — HTTP-сервер health/metrics эндпоинтов одного процесса.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	checks     map[string]ReadinessChecker
	service    string
}

// New создаёт Server на заданном порту. checks — именованные проверки
// готовности, опрашиваемые при каждом запросе /readyz.
func New(port int, service string, checks map[string]ReadinessChecker, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		logger:  logger.With(slog.String("component", "healthserver")),
		checks:  checks,
		service: service,
	}

	router.Get("/healthz", s.handleLive)
	router.Get("/readyz", s.handleReady)
	router.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   s.service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	overall := "ok"
	httpStatus := http.StatusOK
	results := make(map[string]any, len(s.checks))

	for name, checker := range s.checks {
		status, message := checker.CheckReady()
		results[name] = map[string]any{"status": status, "message": message}
		if status != "ok" {
			overall = "fail"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"service":   s.service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    results,
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Run запускает сервер в текущей горутине до отмены ctx или ошибки
// listener'а, выполняя graceful shutdown по отмене ctx (spec §4.6).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("health-сервер запущен", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка health-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка graceful shutdown health-сервера: %w", err)
	}
	return nil
}
