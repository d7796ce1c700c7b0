package forwarder

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// cachedAssociation — простаивающая ассоциация, ожидающая повторного
// использования следующим job'ом с тем же (destination, SOP class,
// transfer syntax) — gateway не мультиплексирует несколько C-STORE
// внутри одной ассоциации, поэтому в пуле хранятся только свободные
// ассоциации (spec §4.5 "association reuse").
type cachedAssociation struct {
	assoc    *dicomwire.Association
	lastUsed time.Time
}

// associationPool — LRU-пул простаивающих ассоциаций Forwarder'а,
// ключ — destination + предложенная пара (SOP class, transfer syntax),
// поскольку упрощённый dicomwire негоциирует ровно одну такую пару на
// ассоциацию. Вытеснение по размеру закрывает соединение через
// OnEvict — паттерн грубо соответствует cache.lruCache из пакета
// примеров (C360Studio-semstreams/pkg/cache), адаптированному здесь к
// hashicorp/golang-lru/v2, который уже используется этим репозиторием
// (см. go.mod).
type associationPool struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, *cachedAssociation]
	logger *slog.Logger
}

func newAssociationPool(size int, logger *slog.Logger) *associationPool {
	p := &associationPool{logger: logger.With(slog.String("component", "forwarder.pool"))}
	cache, err := lru.NewWithEvict[string, *cachedAssociation](size, func(key string, entry *cachedAssociation) {
		associationsEvictedTotal.Inc()
		entry.assoc.Close()
		p.logger.Debug("ассоциация вытеснена из пула", slog.String("key", key))
	})
	if err != nil {
		// size > 0 гарантируется вызывающим кодом конфигурации; lru.New
		// возвращает ошибку только при size <= 0.
		panic(fmt.Sprintf("ошибка создания пула ассоциаций: %v", err))
	}
	p.cache = cache
	return p
}

func poolKey(destinationID int64, sopClassUID, transferSyntaxUID string) string {
	return fmt.Sprintf("%d|%s|%s", destinationID, sopClassUID, transferSyntaxUID)
}

// checkout забирает простаивающую ассоциацию из пула, если она есть, —
// иначе устанавливает новую. Возвращённая ассоциация принадлежит
// вызывающему коду единолично до вызова checkin или close.
func (p *associationPool) checkout(ctx context.Context, dest *model.Destination, callingAE, sopClassUID, transferSyntaxUID string) (*dicomwire.Association, error) {
	key := poolKey(dest.ID, sopClassUID, transferSyntaxUID)

	p.mu.Lock()
	entry, ok := p.cache.Get(key)
	if ok {
		p.cache.Remove(key)
	}
	p.mu.Unlock()

	if ok {
		associationsReusedTotal.Inc()
		return entry.assoc, nil
	}

	addr := fmt.Sprintf("%s:%d", dest.Host, dest.Port)
	assoc, err := dialDestination(ctx, dest, addr, callingAE, sopClassUID, transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	associationsDialedTotal.Inc()
	return assoc, nil
}

// checkin возвращает ассоциацию в пул для повторного использования
// следующим job'ом на тот же (destination, SOP class, transfer syntax).
func (p *associationPool) checkin(dest *model.Destination, sopClassUID, transferSyntaxUID string, assoc *dicomwire.Association) {
	key := poolKey(dest.ID, sopClassUID, transferSyntaxUID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(key, &cachedAssociation{assoc: assoc, lastUsed: time.Now()})
}

// sweepIdle закрывает и удаляет из пула ассоциации, простаивающие
// дольше idleTimeout — вызывается периодически из Worker.Run
// (spec §4.5 "idle association teardown").
func (p *associationPool) sweepIdle(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, key := range p.cache.Keys() {
		entry, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.lastUsed) >= idleTimeout {
			p.cache.Remove(key) // вызывает OnEvict → Close + метрика
		}
	}
}

// closeAll закрывает все простаивающие ассоциации — используется при
// graceful shutdown Worker'а.
func (p *associationPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

func dialDestination(ctx context.Context, dest *model.Destination, addr, callingAE, sopClassUID, transferSyntaxUID string) (*dicomwire.Association, error) {
	if dest.TLSPolicy == model.TLSPolicyDisabled {
		return dicomwire.Dial(ctx, "tcp", addr, callingAE, dest.CalledAETitle, sopClassUID, transferSyntaxUID)
	}

	dialer := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: dest.TLSPolicy == model.TLSPolicySkipVerify}} //nolint:gosec // политика skip_verify выбрана оператором явно для данного destination
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка установления TLS-соединения %s: %w", addr, err)
	}
	return dicomwire.DialTLS(conn, callingAE, dest.CalledAETitle, sopClassUID, transferSyntaxUID)
}
