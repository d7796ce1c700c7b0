package receiver

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raxjinn/StudyFlowGateway/internal/catalog"
	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
	"github.com/raxjinn/StudyFlowGateway/internal/objectstore"
)

type fakeCatalog struct {
	mu       sync.Mutex
	admitted []*model.Instance
	matches  []*model.Destination
	events   []*model.IngestEvent
	enqueued int
	admitErr error
}

func (f *fakeCatalog) AdmitInstance(ctx context.Context, inst *model.Instance, modality string) (*catalog.AdmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return nil, f.admitErr
	}
	for _, existing := range f.admitted {
		if existing.InstanceUID == inst.InstanceUID {
			return &catalog.AdmitResult{Instance: existing, Inserted: false, Modality: modality}, nil
		}
	}
	f.admitted = append(f.admitted, inst)
	return &catalog.AdmitResult{Instance: inst, Inserted: true, Modality: modality}, nil
}

func (f *fakeCatalog) MatchingDestinations(ctx context.Context, inst *model.Instance, modality, calledAE string) ([]*model.Destination, error) {
	return f.matches, nil
}

func (f *fakeCatalog) EnqueueForwardJobs(ctx context.Context, instanceUID string, destinationIDs []int64, priority int, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued += len(destinationIDs)
	return len(destinationIDs), nil
}

func (f *fakeCatalog) Events() catalog.IngestEventRepository { return f }

func (f *fakeCatalog) Append(ctx context.Context, ev *model.IngestEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *fakeNotifier) Publish(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func buildObjectBytes(dataset []byte) []byte {
	preamble := make([]byte, objectstore.PreambleSize)
	out := append(preamble, objectstore.Magic[0], objectstore.Magic[1], objectstore.Magic[2], objectstore.Magic[3])
	return append(out, dataset...)
}

func TestService_HandleAssociation_StoresAdmitsAndEnqueues(t *testing.T) {
	store, err := objectstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	cat := &fakeCatalog{matches: []*model.Destination{{ID: 7, Name: "dest"}}}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	svc := New(store, cat, notifier, Config{AETitle: "STUDYFLOWGW"}, logger)
	server, err := NewServer(0, svc, 4, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.acceptLoop(ctx)
	defer server.listener.Close()

	object := buildObjectBytes([]byte("dataset bytes for receiver test"))

	assoc, err := dicomwire.Dial(context.Background(), "tcp", server.Addr().String(), "MODALITY", "STUDYFLOWGW",
		"1.2.840.10008.5.1.4.1.1.7", "1.2.840.10008.1.2.1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer assoc.Close()

	header := dicomwire.CStoreHeader{
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.7",
		SOPInstanceUID:    "1.2.3.T.1.1",
		StudyInstanceUID:  "1.2.3.T",
		SeriesInstanceUID: "1.2.3.T.1",
		Modality:          "CT",
		ByteLength:        int64(len(object)),
	}
	resp, err := assoc.SendCStore(header, bytes.NewReader(object))
	if err != nil {
		t.Fatalf("SendCStore: %v", err)
	}
	if resp.Status != dicomwire.StatusCodeSuccess {
		t.Fatalf("resp.Status = %#x, want success", resp.Status)
	}

	cat.mu.Lock()
	if len(cat.admitted) != 1 {
		t.Fatalf("admitted %d instances, want 1", len(cat.admitted))
	}
	if cat.admitted[0].ByteLength != int64(len(object)) {
		t.Errorf("admitted ByteLength = %d, want %d", cat.admitted[0].ByteLength, len(object))
	}
	if cat.enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", cat.enqueued)
	}
	if len(cat.events) != 1 || cat.events[0].Result != model.IngestResultSuccess {
		t.Errorf("events = %+v, want one success event", cat.events)
	}
	cat.mu.Unlock()

	notifier.mu.Lock()
	if notifier.count != 1 {
		t.Errorf("notifier.count = %d, want 1", notifier.count)
	}
	notifier.mu.Unlock()

	storedPath := store.FullPath(cat.admitted[0].StoragePath)
	stored, err := os.ReadFile(storedPath)
	if err != nil {
		t.Fatalf("чтение опубликованного файла: %v", err)
	}
	if !bytes.Equal(stored, object) {
		t.Errorf("опубликованные байты не совпадают с отправленными")
	}
}

func TestService_HandleAssociation_RejectsUnknownCalledAE(t *testing.T) {
	store, err := objectstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	cat := &fakeCatalog{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := New(store, cat, nil, Config{AETitle: "STUDYFLOWGW"}, logger)
	server, err := NewServer(0, svc, 4, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.acceptLoop(ctx)
	defer server.listener.Close()

	_, err = dicomwire.Dial(context.Background(), "tcp", server.Addr().String(), "MODALITY", "WRONGAE",
		"1.2.840.10008.5.1.4.1.1.7", "1.2.840.10008.1.2.1")
	if err == nil {
		t.Fatal("ожидался отказ ассоциации с неизвестным called AE")
	}
	if _, ok := err.(*dicomwire.AssociationRejectedError); !ok {
		t.Fatalf("err = %v (%T), want *AssociationRejectedError", err, err)
	}
}
