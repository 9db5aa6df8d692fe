package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

const testDim = 8

type fakeFace struct {
	box [4]int32
	vec []float32
}

func embedResponse(faces ...fakeFace) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0) // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)
		binary.Write(payload, binary.BigEndian, f.vec)
		binary.Write(payload, binary.BigEndian, float32(0.99))
	}
	return payload.Bytes()
}

func errorResponse(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

// mockWorker returns a worker whose "Python" side has already queued the given responses.
func mockWorker(responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(r)))
		dataPipeMock.Write(r)
	}
	return &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		Dim:      testDim,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock
}

func unitVec(i int) []float32 {
	v := make([]float32, testDim)
	v[i] = 2 // scaled so normalisation is observable
	return v
}

func TestEmbed(t *testing.T) {
	w, stdin := mockWorker(embedResponse(fakeFace{box: [4]int32{10, 20, 20, 10}, vec: unitVec(0)}))

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	emb, err := w.Embed(input)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	// Verify Go sent [len][opcode][data] TO Python
	sent := stdin.Bytes()
	if len(sent) != 4+1+len(input) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+1+len(input), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(1+len(input)) || sent[4] != OpEmbed {
		t.Errorf("Unexpected request header %X", sent[:5])
	}

	if emb.Dim() != testDim {
		t.Fatalf("Expected %d dims, got %d", testDim, emb.Dim())
	}
	if math.Abs(emb[0]-1) > 1e-9 {
		t.Errorf("Expected normalised component 1, got %f", emb[0])
	}
}

func TestEmbedPicksLargestFace(t *testing.T) {
	small := fakeFace{box: [4]int32{0, 10, 10, 0}, vec: unitVec(0)}
	large := fakeFace{box: [4]int32{0, 50, 50, 0}, vec: unitVec(3)}
	w, _ := mockWorker(embedResponse(small, large))

	emb, err := w.Embed([]byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if emb[3] != 1 {
		t.Errorf("Expected the larger face's embedding, got %v", emb)
	}
}

func TestEmbedNoFace(t *testing.T) {
	w, _ := mockWorker(embedResponse())
	if _, err := w.Embed([]byte("img")); !errors.Is(err, ErrNoFace) {
		t.Errorf("Expected ErrNoFace, got %v", err)
	}
}

func TestEmbed_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := mockWorker(errorResponse(errMsg))

	_, err := w.Embed([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got %T", err)
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetectFacesRejectsInflatedCount(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1_000_000))
	w, _ := mockWorker(payload.Bytes())

	if _, err := w.DetectFaces([]byte("img")); err == nil {
		t.Error("Expected error for a face count the body cannot hold")
	}
}

func TestClassify(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	payload.WriteByte(0) // spoof
	binary.Write(payload, binary.BigEndian, float32(0.12))
	w, stdin := mockWorker(payload.Bytes())

	v, err := w.Classify([]byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Real || math.Abs(v.Score-0.12) > 1e-6 {
		t.Errorf("Unexpected verdict %+v", v)
	}
	if stdin.Bytes()[4] != OpAntiSpoof {
		t.Errorf("Expected anti-spoof opcode, got %q", stdin.Bytes()[4])
	}
}

func TestLargest(t *testing.T) {
	if _, ok := Largest(nil); ok {
		t.Error("Largest of nothing should report false")
	}
	faces := []types.FaceResult{
		{Loc: [4]int{0, 5, 5, 0}},
		{Loc: [4]int{0, 9, 9, 0}},
		{Loc: [4]int{0, 9, 9, 0}, Quality: 1},
	}
	got, _ := Largest(faces)
	if got.Quality != 0 || got.Area() != 81 {
		t.Errorf("Expected the first largest face, got %+v", got)
	}
}

// --- Pool ---

func TestPoolExtract(t *testing.T) {
	spawn := func(id int) (*PythonWorker, error) {
		w, _ := mockWorker(embedResponse(fakeFace{vec: unitVec(1)}))
		return w, nil
	}
	p, err := NewPool(1, testDim, spawn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	emb, err := p.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if emb.Dim() != p.Dimension() || emb[1] != 1 {
		t.Errorf("Unexpected embedding %v", emb)
	}
}

func TestPoolRespawnsBrokenWorker(t *testing.T) {
	var spawned atomic.Int32
	spawn := func(id int) (*PythonWorker, error) {
		n := spawned.Add(1)
		if n == 1 {
			w, _ := mockWorker() // empty pipe: EOF on read
			return w, nil
		}
		w, _ := mockWorker(embedResponse(fakeFace{vec: unitVec(0)}))
		return w, nil
	}
	p, _ := NewPool(1, testDim, spawn, nil)

	if _, err := p.Extract(context.Background(), []byte("img")); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF from broken worker, got %v", err)
	}
	if _, err := p.Extract(context.Background(), []byte("img")); err != nil {
		t.Fatalf("Expected fresh worker to succeed, got %v", err)
	}
	if spawned.Load() != 2 {
		t.Errorf("Expected 2 spawns, got %d", spawned.Load())
	}
}

func TestPoolKeepsWorkerAfterRemoteError(t *testing.T) {
	var spawned atomic.Int32
	spawn := func(id int) (*PythonWorker, error) {
		spawned.Add(1)
		w, _ := mockWorker(errorResponse("bad image"), embedResponse(fakeFace{vec: unitVec(0)}))
		return w, nil
	}
	p, _ := NewPool(1, testDim, spawn, nil)

	_, _ = p.Extract(context.Background(), []byte("x"))
	if _, err := p.Extract(context.Background(), []byte("y")); err != nil {
		t.Fatal(err)
	}
	if spawned.Load() != 1 {
		t.Errorf("A logic error should not restart the worker, spawned %d", spawned.Load())
	}
}

func TestPoolClassifyUnavailable(t *testing.T) {
	spawn := func(id int) (*PythonWorker, error) {
		return nil, errors.New("python3: not found")
	}
	p, _ := NewPool(1, testDim, spawn, nil)

	if _, err := p.Classify(context.Background(), []byte("img")); !errors.Is(err, liveness.ErrClassifierUnavailable) {
		t.Errorf("Expected ErrClassifierUnavailable, got %v", err)
	}
}

func TestPoolHonorsContext(t *testing.T) {
	block := make(chan struct{})
	spawn := func(id int) (*PythonWorker, error) {
		<-block
		w, _ := mockWorker(embedResponse(fakeFace{vec: unitVec(0)}))
		return w, nil
	}
	p, _ := NewPool(1, testDim, spawn, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Extract(context.Background(), []byte("img")) // holds the only slot
	}()

	// Give the first request time to take the slot.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Extract(ctx, []byte("img")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded while pool is busy, got %v", err)
	}

	close(block)
	wg.Wait()
}

// hungSpawner starts real processes that read nothing and never answer.
func hungSpawner(t *testing.T, timeout time.Duration, spawned *atomic.Int32) Spawner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "hang.sh")
	if err := os.WriteFile(script, []byte("sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return func(id int) (*PythonWorker, error) {
		spawned.Add(1)
		w, err := NewPythonWorker(id, sh, script, testDim)
		if err != nil {
			return nil, err
		}
		w.Timeout = timeout
		return w, nil
	}
}

func TestPoolInterruptsHungWorkerOnContext(t *testing.T) {
	var spawned atomic.Int32
	p, _ := NewPool(1, testDim, hungSpawner(t, 0, &spawned), nil)
	defer p.Close()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		start := time.Now()
		_, err := p.Extract(ctx, []byte("img"))
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected DeadlineExceeded from hung worker, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Fatalf("Extract took %v after the context expired", elapsed)
		}
	}
	if spawned.Load() != 2 {
		t.Errorf("Expected the interrupted worker to be replaced, spawned %d", spawned.Load())
	}
}

func TestPoolTimesOutHungWorker(t *testing.T) {
	var spawned atomic.Int32
	p, _ := NewPool(1, testDim, hungSpawner(t, 200*time.Millisecond, &spawned), nil)
	defer p.Close()

	start := time.Now()
	_, err := p.Extract(context.Background(), []byte("img"))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected read timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Timed out request took %v to release the slot", elapsed)
	}

	// The slot is free again and gets a fresh process.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = p.Extract(ctx, []byte("img"))
	if spawned.Load() != 2 {
		t.Errorf("Expected a respawn after the timeout, spawned %d", spawned.Load())
	}
}

func TestCloseKillsBusyWorker(t *testing.T) {
	var spawned atomic.Int32
	w, err := hungSpawner(t, 0, &spawned)(0)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close waited for a process that never exits")
	}
	if w.Cmd.ProcessState == nil || w.Cmd.ProcessState.Success() {
		t.Errorf("Expected a killed process, got %v", w.Cmd.ProcessState)
	}
}

func TestNewPoolValidates(t *testing.T) {
	if _, err := NewPool(0, testDim, nil, nil); err == nil {
		t.Error("Expected error for zero engines")
	}
	if _, err := NewPool(1, 0, nil, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}
}
