package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeQueue struct {
	released int
	err      error
	calls    int
}

func (f *fakeQueue) ReleaseOrphanLeases(ctx context.Context, now time.Time) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.released, nil
}

type fakeScratchSweeper struct {
	removed int
	err     error
	calls   int
}

func (f *fakeScratchSweeper) SweepOrphanScratch(olderThan time.Duration, now time.Time) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.removed, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunOnce_NoOrphans(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeScratchSweeper{}

	s := New(queue, store, time.Hour, 24*time.Hour, testLogger())
	result := s.RunOnce(context.Background())

	if result.OrphanLeasesReleased != 0 {
		t.Errorf("OrphanLeasesReleased: хотели 0, получили %d", result.OrphanLeasesReleased)
	}
	if result.OrphanScratchRemoved != 0 {
		t.Errorf("OrphanScratchRemoved: хотели 0, получили %d", result.OrphanScratchRemoved)
	}
}

func TestRunOnce_ReleasesOrphanLeasesAndScratch(t *testing.T) {
	queue := &fakeQueue{released: 3}
	store := &fakeScratchSweeper{removed: 5}

	s := New(queue, store, time.Hour, 24*time.Hour, testLogger())
	result := s.RunOnce(context.Background())

	if result.OrphanLeasesReleased != 3 {
		t.Errorf("OrphanLeasesReleased: хотели 3, получили %d", result.OrphanLeasesReleased)
	}
	if result.OrphanScratchRemoved != 5 {
		t.Errorf("OrphanScratchRemoved: хотели 5, получили %d", result.OrphanScratchRemoved)
	}
}

func TestRunOnce_QueueErrorDoesNotBlockScratchSweep(t *testing.T) {
	queue := &fakeQueue{err: errors.New("ошибка базы данных")}
	store := &fakeScratchSweeper{removed: 2}

	s := New(queue, store, time.Hour, 24*time.Hour, testLogger())
	result := s.RunOnce(context.Background())

	if result.OrphanLeasesReleased != 0 {
		t.Errorf("OrphanLeasesReleased: хотели 0 при ошибке, получили %d", result.OrphanLeasesReleased)
	}
	if result.OrphanScratchRemoved != 2 {
		t.Errorf("OrphanScratchRemoved: очистка scratch не должна блокироваться ошибкой очереди, получили %d", result.OrphanScratchRemoved)
	}
}

func TestRunOnce_ScratchErrorStillReleasesLeases(t *testing.T) {
	queue := &fakeQueue{released: 4}
	store := &fakeScratchSweeper{err: errors.New("ошибка файловой системы")}

	s := New(queue, store, time.Hour, 24*time.Hour, testLogger())
	result := s.RunOnce(context.Background())

	if result.OrphanLeasesReleased != 4 {
		t.Errorf("OrphanLeasesReleased: хотели 4, получили %d", result.OrphanLeasesReleased)
	}
	if result.OrphanScratchRemoved != 0 {
		t.Errorf("OrphanScratchRemoved: хотели 0 при ошибке, получили %d", result.OrphanScratchRemoved)
	}
}

func TestRunOnce_ConcurrentSafety(t *testing.T) {
	queue := &fakeQueue{released: 1}
	store := &fakeScratchSweeper{removed: 1}

	s := New(queue, store, time.Hour, 24*time.Hour, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunOnce(context.Background())
		}()
	}
	wg.Wait()
}

func TestStartStop(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeScratchSweeper{}

	s := New(queue, store, 10*time.Millisecond, 24*time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if queue.calls == 0 {
		t.Error("ожидался хотя бы один вызов ReleaseOrphanLeases за время работы тикера")
	}
}
