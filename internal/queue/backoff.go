// Пакет queue реализует очередь ForwardJob поверх Catalog (spec §4.3):
// backoff с джиттером для retry-scheduled переходов и LISTEN/NOTIFY
// подписку на приход новой работы. Claim/Complete/Fail живут в
// catalog.ForwardJobRepository — этот пакет добавляет политику поверх
// того же набора SQL-операций.
package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff вычисляет экспоненциальную задержку с джиттером, ограниченную
// cap — next-eligible-at = now + backoff(attempt) для retry-scheduled
// переходов (spec §4.3 "Backoff is exponential with jitter, bounded by
// a configured cap").
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Rand — источник джиттера; при nil на каждый вызов создаётся новый
	// генератор math/rand, засеянный текущим временем (тесты подставляют
	// детерминированный генератор).
	Rand *rand.Rand
}

// NewBackoff создаёт Backoff с заданными base и cap.
func NewBackoff(base, cap time.Duration) Backoff {
	return Backoff{Base: base, Cap: cap}
}

// Duration возвращает задержку для attempt-й попытки (1-indexed):
// min(cap, base * 2^(attempt-1)), с полным джиттером в [0, значение].
// Полный джиттер (full jitter) рассеивает повторные попытки многих
// job'ов, избегая синхронных всплесков нагрузки на destination.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	d := float64(b.Base) * exp
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if d <= 0 {
		return 0
	}

	r := b.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // джиттер, не криптография
	}
	return time.Duration(r.Int63n(int64(d) + 1))
}
