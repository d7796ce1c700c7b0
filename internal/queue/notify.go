package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel — канал PostgreSQL LISTEN/NOTIFY, на который Receiver
// публикует подсказку о появлении новой работы, а Forwarder подписан
// в ожидании её (spec §4.3 "Wakeup"). Доставка не гарантирована —
// Forwarder всегда опрашивает очередь по таймеру независимо от
// получения уведомлений.
const Channel = "sfg_forward_job_arrived"

// Publish уведомляет подписчиков о появлении новой работы. Вызывается
// Receiver'ом сразу после постановки ForwardJob в очередь.
func Publish(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "NOTIFY "+Channel); err != nil {
		return fmt.Errorf("ошибка публикации NOTIFY: %w", err)
	}
	return nil
}

// Notifier подписывается на Channel через отдельное выделенное
// соединение (LISTEN требует удержания одного и того же соединения) и
// публикует признак "возможно, есть новая работа" в Wakeups —
// получатель (Forwarder) трактует это исключительно как подсказку для
// немедленного опроса, а не как доставленное сообщение.
type Notifier struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	Wakeups chan struct{}
}

// NewNotifier создаёт Notifier над пулом подключений Catalog.
func NewNotifier(pool *pgxpool.Pool, logger *slog.Logger) *Notifier {
	return &Notifier{
		pool:    pool,
		logger:  logger.With(slog.String("component", "queue.notifier")),
		Wakeups: make(chan struct{}, 1),
	}
}

// Run удерживает выделенное соединение в LISTEN до отмены ctx,
// переподключаясь при сбое соединения. Само по себе не блокирует
// Forwarder — он продолжает опрос по таймеру независимо от Run.
func (n *Notifier) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := n.listenOnce(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("соединение LISTEN потеряно, переподключение", slog.String("error", err.Error()))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения соединения для LISTEN: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("ошибка LISTEN %s: %w", Channel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case n.Wakeups <- struct{}{}:
		default:
			// уже есть неподтверждённая подсказка — достаточно одной
		}
	}
}
