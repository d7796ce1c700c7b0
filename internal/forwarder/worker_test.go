package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raxjinn/StudyFlowGateway/internal/apierrors"
	"github.com/raxjinn/StudyFlowGateway/internal/dicomwire"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
	"github.com/raxjinn/StudyFlowGateway/internal/objectstore"
)

// acceptAllPolicy принимает любую ассоциацию и любой предложенный
// transfer syntax — используется только тестовым SCP ниже.
type acceptAllPolicy struct{}

func (acceptAllPolicy) Accept(req dicomwire.AssociationRequest) ([]string, bool, string) {
	return req.TransferSyntaxes, true, ""
}

// fakeSCP — минимальный SCP на net.Listen("tcp", "127.0.0.1:0"), используемый
// только тестами этого пакета для проверки Forwarder как клиента
// (spec §4.5). status управляет ответом на каждый C-STORE.
type fakeSCP struct {
	listener net.Listener
	received [][]byte
	mu       sync.Mutex
	status   uint16
}

func newFakeSCP(t *testing.T, status uint16) *fakeSCP {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	s := &fakeSCP{listener: ln, status: status}
	go s.serve()
	return s
}

func (s *fakeSCP) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSCP) handle(conn net.Conn) {
	defer conn.Close()
	assoc, err := dicomwire.AcceptAssociation(context.Background(), conn, acceptAllPolicy{})
	if err != nil {
		return
	}
	for {
		req, err := assoc.NextRequest()
		if err != nil {
			return
		}
		data, _ := io.ReadAll(req.Data)
		s.mu.Lock()
		s.received = append(s.received, data)
		s.mu.Unlock()
		_ = req.Respond(s.status, "")
	}
}

func (s *fakeSCP) addr() (host string, port int) {
	tcpAddr := s.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (s *fakeSCP) close() { s.listener.Close() }

func (s *fakeSCP) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []*model.ForwardJob
	finalized  []*apierrors.Classified
	heartbeats int
	leaseLost  bool
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*model.ForwardJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	claimed := q.jobs
	q.jobs = nil
	return claimed, nil
}

func (q *fakeQueue) Finalize(ctx context.Context, job *model.ForwardJob, classErr *apierrors.Classified, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalized = append(q.finalized, classErr)
	return nil
}

func (q *fakeQueue) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseDuration time.Duration, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

type fakeDestinations struct{ dest *model.Destination }

func (f *fakeDestinations) GetByID(ctx context.Context, id int64) (*model.Destination, error) {
	return f.dest, nil
}

type fakeInstances struct{ inst *model.Instance }

func (f *fakeInstances) GetByUID(ctx context.Context, instanceUID string) (*model.Instance, error) {
	return f.inst, nil
}

type fakeStudies struct{ study *model.Study }

func (f *fakeStudies) GetByUID(ctx context.Context, studyUID string) (*model.Study, error) {
	return f.study, nil
}

type fakeSeries struct{ series *model.Series }

func (f *fakeSeries) GetByUID(ctx context.Context, seriesUID string) (*model.Series, error) {
	return f.series, nil
}

// publishTestObject записывает объект в Store так, как это делал бы
// Receiver, чтобы Forwarder мог прочитать его через Store.Read.
func publishTestObject(t *testing.T, store *objectstore.Store, studyUID, seriesUID, instanceUID string, payload []byte) int64 {
	f, scratchPath, err := store.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}
	size, hash, err := objectstore.StreamToScratch(f, strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("StreamToScratch: %v", err)
	}
	if _, err := store.Publish(f, scratchPath, studyUID, seriesUID, instanceUID, size, hash); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return size
}

func newTestWorker(t *testing.T, queue QueuePort, dest *model.Destination, inst *model.Instance, study *model.Study, series *model.Series, store *objectstore.Store) *Worker {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := Config{
		WorkerID:          "worker-test",
		CallingAETitle:    "STUDYFLOWGW",
		LeaseDuration:     10 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		AssociationCache:  4,
		IdleTimeout:       time.Minute,
	}
	return NewWorker(queue, &fakeDestinations{dest: dest}, &fakeInstances{inst: inst}, &fakeStudies{study: study},
		&fakeSeries{series: series}, store, cfg, logger)
}

func TestWorker_RunOnce_DeliversAndCompletes(t *testing.T) {
	scp := newFakeSCP(t, dicomwire.StatusCodeSuccess)
	defer scp.close()
	host, port := scp.addr()

	store, err := objectstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	payload := []byte("payload bytes for forwarder test")
	size := publishTestObject(t, store, "1.2.STUDY", "1.2.SERIES", "1.2.INSTANCE", payload)

	dest := &model.Destination{ID: 1, Name: "pacs-a", CalledAETitle: "PACSA", Host: host, Port: port,
		TLSPolicy: model.TLSPolicyDisabled, ConcurrencyLimit: 2}
	inst := &model.Instance{InstanceUID: "1.2.INSTANCE", SeriesUID: "1.2.SERIES", StudyUID: "1.2.STUDY",
		SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1", ByteLength: size}
	study := &model.Study{StudyUID: "1.2.STUDY", PatientID: "PAT1", Accession: "ACC1"}
	series := &model.Series{SeriesUID: "1.2.SERIES", StudyUID: "1.2.STUDY", Modality: "CT"}

	job := &model.ForwardJob{ID: 42, InstanceUID: inst.InstanceUID, DestinationID: dest.ID, Status: model.JobInProgress}
	queue := &fakeQueue{jobs: []*model.ForwardJob{job}}

	w := newTestWorker(t, queue, dest, inst, study, series, store)

	n, err := w.RunOnce(context.Background(), 4)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce вернул %d job'ов, want 1", n)
	}

	queue.mu.Lock()
	if len(queue.finalized) != 1 || queue.finalized[0] != nil {
		t.Errorf("finalized = %+v, want один успешный finalize (nil)", queue.finalized)
	}
	queue.mu.Unlock()

	if scp.receivedCount() != 1 {
		t.Fatalf("SCP получил %d объектов, want 1", scp.receivedCount())
	}
	scp.mu.Lock()
	if string(scp.received[0]) != string(payload) {
		t.Errorf("SCP получил %q, want %q", scp.received[0], payload)
	}
	scp.mu.Unlock()
}

func TestWorker_RunOnce_PeerFailureClassifiedAsPeerStatusFailure(t *testing.T) {
	scp := newFakeSCP(t, dicomwire.StatusCodeProcessingFailure)
	defer scp.close()
	host, port := scp.addr()

	store, err := objectstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	payload := []byte("another payload")
	size := publishTestObject(t, store, "1.2.STUDY2", "1.2.SERIES2", "1.2.INSTANCE2", payload)

	dest := &model.Destination{ID: 2, Name: "pacs-b", CalledAETitle: "PACSB", Host: host, Port: port,
		TLSPolicy: model.TLSPolicyDisabled, ConcurrencyLimit: 1}
	inst := &model.Instance{InstanceUID: "1.2.INSTANCE2", SeriesUID: "1.2.SERIES2", StudyUID: "1.2.STUDY2",
		SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1", ByteLength: size}
	study := &model.Study{StudyUID: "1.2.STUDY2"}
	series := &model.Series{SeriesUID: "1.2.SERIES2", StudyUID: "1.2.STUDY2", Modality: "MR"}

	job := &model.ForwardJob{ID: 7, InstanceUID: inst.InstanceUID, DestinationID: dest.ID, Status: model.JobInProgress}
	queue := &fakeQueue{jobs: []*model.ForwardJob{job}}

	w := newTestWorker(t, queue, dest, inst, study, series, store)

	if _, err := w.RunOnce(context.Background(), 4); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.finalized) != 1 || queue.finalized[0] == nil {
		t.Fatalf("finalized = %+v, want одну классифицированную ошибку", queue.finalized)
	}
	if queue.finalized[0].Kind != model.ErrKindPeerStatusFailure {
		t.Errorf("Kind = %s, want %s", queue.finalized[0].Kind, model.ErrKindPeerStatusFailure)
	}
}

func TestPoolKey_DistinctPerSOPClassAndTransferSyntax(t *testing.T) {
	k1 := poolKey(1, "a", "b")
	k2 := poolKey(1, "a", "c")
	if k1 == k2 {
		t.Fatalf("ожидались разные ключи пула для разных transfer syntax: %s == %s", k1, k2)
	}
}

func TestDestinationAddr(t *testing.T) {
	dest := &model.Destination{Host: "127.0.0.1", Port: 11112}
	addr := dest.Host + ":" + strconv.Itoa(dest.Port)
	if addr != "127.0.0.1:11112" {
		t.Fatalf("addr = %s", addr)
	}
}

func TestWorker_RunOnce_OutOfResourcesThrottlesDestination(t *testing.T) {
	scp := newFakeSCP(t, dicomwire.StatusCodeRefusedOutOfResources)
	defer scp.close()
	host, port := scp.addr()

	store, err := objectstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	size := publishTestObject(t, store, "1.2.STUDY3", "1.2.SERIES3", "1.2.INSTANCE3", []byte("payload"))

	dest := &model.Destination{ID: 3, Name: "pacs-c", CalledAETitle: "PACSC", Host: host, Port: port,
		TLSPolicy: model.TLSPolicyDisabled, ConcurrencyLimit: 1}
	inst := &model.Instance{InstanceUID: "1.2.INSTANCE3", SeriesUID: "1.2.SERIES3", StudyUID: "1.2.STUDY3",
		SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1", ByteLength: size}
	study := &model.Study{StudyUID: "1.2.STUDY3"}
	series := &model.Series{SeriesUID: "1.2.SERIES3", StudyUID: "1.2.STUDY3", Modality: "CT"}

	job := &model.ForwardJob{ID: 9, InstanceUID: inst.InstanceUID, DestinationID: dest.ID, Status: model.JobInProgress}
	queue := &fakeQueue{jobs: []*model.ForwardJob{job}}

	w := newTestWorker(t, queue, dest, inst, study, series, store)

	if _, err := w.RunOnce(context.Background(), 4); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	queue.mu.Lock()
	if len(queue.finalized) != 1 || queue.finalized[0] == nil {
		t.Fatalf("finalized = %+v, want одну классифицированную ошибку", queue.finalized)
	}
	if queue.finalized[0].Kind != model.ErrKindNetworkTransient {
		t.Errorf("Kind = %s, want %s", queue.finalized[0].Kind, model.ErrKindNetworkTransient)
	}
	queue.mu.Unlock()

	lim := w.limiterFor(dest.ID)
	if lim.Limit() != w.pacingSaturatedRate {
		t.Errorf("лимитер destination'а = %v, want pacingSaturatedRate %v после ответа out-of-resources", lim.Limit(), w.pacingSaturatedRate)
	}

	w.restore(dest.ID)
	if w.limiterFor(dest.ID).Limit() != w.pacingRate {
		t.Errorf("restore не вернул лимитер к pacingRate")
	}
}
