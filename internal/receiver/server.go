package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// Server — TCP accept-loop Receiver'а с ограничением на число
// одновременных ассоциаций и graceful shutdown по SIGINT/SIGTERM —
// структура Run() унаследована от storage-element/internal/server/
// server.go, адаптированная от HTTP-сервера к DICOM Upper Layer accept
// loop'у.
type Server struct {
	listener     net.Listener
	service      *Service
	logger       *slog.Logger
	sem          *semaphore.Weighted
	assocTimeout time.Duration
}

// NewServer создаёт TCP listener на заданном порту и оборачивает его
// Server'ом, ограниченным maxConcurrent одновременными ассоциациями
// (spec §4.4 "MaxConcurrentAssociations").
func NewServer(port int, svc *Service, maxConcurrent int, assocTimeout time.Duration, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть порт %d: %w", port, err)
	}
	return &Server{
		listener:     ln,
		service:      svc,
		logger:       logger.With(slog.String("component", "receiver.server")),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		assocTimeout: assocTimeout,
	}, nil
}

// Addr возвращает адрес, на котором слушает Server — используется
// тестами, поднимающими listener на свободном порту.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run выполняет accept-loop до сигнала завершения или отмены ctx,
// затем закрывает listener — уже принятые ассоциации доигрывают
// собственный assocTimeout, а не обрываются немедленно.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		s.listener.Close()
		return err
	case <-ctx.Done():
		s.logger.Info("контекст отменён, остановка Receiver'а")
	}

	return s.listener.Close()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ошибка accept: %w", err)
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return nil
		}

		go s.serveOne(ctx, conn)
	}
}

func (s *Server) serveOne(ctx context.Context, conn net.Conn) {
	defer s.sem.Release(1)
	defer conn.Close()

	assocCtx := ctx
	if s.assocTimeout > 0 {
		var cancel context.CancelFunc
		assocCtx, cancel = context.WithTimeout(ctx, s.assocTimeout)
		defer cancel()
		if deadline, ok := assocCtx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
	}

	s.service.HandleAssociation(assocCtx, conn)
}
