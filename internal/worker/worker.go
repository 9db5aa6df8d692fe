package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils" // Using the SafeCommand wrapper
)

// Opcodes understood by python/worker.py.
const (
	OpEmbed     byte = 'E'
	OpAntiSpoof byte = 'S'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// closeGrace is how long Close waits for the killed process's pipes to
// drain. A grandchild holding an inherited pipe would otherwise block Wait.
const closeGrace = 500 * time.Millisecond

// maxResponse bounds a single response body so a corrupted length header
// cannot make us allocate gigabytes.
const maxResponse = 64 * 1024 * 1024

// ErrNoFace means the worker found no face in the capture.
var ErrNoFace = fmt.Errorf("%w: no face found", types.ErrUnusableCapture)

// RemoteError is an error reported by the Python side. The process is still
// healthy after one of these.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// Unwrap classifies model-side failures as a bad capture.
func (e *RemoteError) Unwrap() error { return types.ErrUnusableCapture }

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Dim      int
	Timeout  time.Duration

	mu          sync.Mutex
	interrupted bool
}

// errInterrupted is returned by Communicate once Interrupt has run.
var errInterrupted = errors.New("worker interrupted")

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// NewPythonWorker starts the model process. Requests go over stdin and
// responses come back on FD 3 so Python's own stdout chatter never corrupts
// the stream.
func NewPythonWorker(id int, python, script string, dim int) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, "-u", script, "--dim", fmt.Sprint(dim))

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end from here on.
	w.Close()
	py.Cmd.WaitDelay = closeGrace

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Dim:      dim,
	}, nil
}

// Communicate sends one request and reads one response.
// Protocol: [Length][Opcode][Data] -> [Length][Body]
// With a non-zero Timeout the whole exchange must finish within it.
func (w *PythonWorker) Communicate(op byte, data []byte) ([]byte, error) {
	if err := w.armDeadline(); err != nil {
		return nil, err
	}
	defer w.clearDeadline()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// DetectFaces returns every face the model found in img.
func (w *PythonWorker) DetectFaces(img []byte) ([]types.FaceResult, error) {
	resp, err := w.Communicate(OpEmbed, img)
	if err != nil {
		return nil, err
	}
	r, err := readStatus(resp)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if faceSize := 16 + 4*w.Dim + 4; int(n) > r.Len()/faceSize {
		return nil, fmt.Errorf("response claims %d faces but carries %d bytes", n, r.Len())
	}

	faces := make([]types.FaceResult, 0, n)
	vec := make([]float32, w.Dim)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var quality float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("read face %d vector: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, fmt.Errorf("read face %d quality: %w", i, err)
		}

		f := types.FaceResult{
			Vec:     make([]float64, w.Dim),
			Quality: float64(quality),
		}
		for j := range box {
			f.Loc[j] = int(box[j])
		}
		for j, v := range vec {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("face %d vector has non-finite component", i)
			}
			f.Vec[j] = float64(v)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Embed returns the normalised embedding of the largest face in img.
func (w *PythonWorker) Embed(img []byte) (types.Embedding, error) {
	faces, err := w.DetectFaces(img)
	if err != nil {
		return nil, err
	}
	face, ok := Largest(faces)
	if !ok {
		return nil, ErrNoFace
	}
	return types.Embedding(face.Vec).Normalized(), nil
}

// Classify asks the model whether img shows a live subject.
func (w *PythonWorker) Classify(img []byte) (liveness.Verdict, error) {
	resp, err := w.Communicate(OpAntiSpoof, img)
	if err != nil {
		return liveness.Verdict{}, err
	}
	r, err := readStatus(resp)
	if err != nil {
		return liveness.Verdict{}, err
	}
	var isReal byte
	var score float32
	if err := binary.Read(r, binary.BigEndian, &isReal); err != nil {
		return liveness.Verdict{}, fmt.Errorf("read verdict: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &score); err != nil {
		return liveness.Verdict{}, fmt.Errorf("read verdict score: %w", err)
	}
	return liveness.Verdict{Real: isReal == 1, Score: float64(score)}, nil
}

// Interrupt unblocks a Communicate in progress and kills the process. The
// worker is unusable afterwards and must be closed. Safe to call from
// another goroutine.
func (w *PythonWorker) Interrupt() {
	w.mu.Lock()
	w.interrupted = true
	now := time.Now()
	if d, ok := w.DataPipe.(deadliner); ok {
		_ = d.SetReadDeadline(now)
	}
	if d, ok := w.Stdin.(deadliner); ok {
		_ = d.SetWriteDeadline(now)
	}
	w.mu.Unlock()
	w.kill()
}

func (w *PythonWorker) armDeadline() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interrupted {
		return errInterrupted
	}
	if w.Timeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(w.Timeout)
	if d, ok := w.DataPipe.(deadliner); ok {
		_ = d.SetReadDeadline(deadline)
	}
	if d, ok := w.Stdin.(deadliner); ok {
		_ = d.SetWriteDeadline(deadline)
	}
	return nil
}

func (w *PythonWorker) clearDeadline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interrupted || w.Timeout <= 0 {
		return
	}
	if d, ok := w.DataPipe.(deadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
	if d, ok := w.Stdin.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Time{})
	}
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

// Close kills the process and reaps it. A worker stuck mid-request does not
// get to finish.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.kill()
		w.Cmd.Wait()
	}
}

// readStatus consumes the status byte and turns an error status into a RemoteError.
func readStatus(resp []byte) (*bytes.Reader, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}
	switch status {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		if int(msgLen) > r.Len() {
			return nil, fmt.Errorf("error message truncated")
		}
		msg := make([]byte, msgLen)
		_, _ = io.ReadFull(r, msg)
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown status byte %d", status)
	}
}

// Largest picks the face with the biggest bounding box. Ties keep the first.
func Largest(faces []types.FaceResult) (types.FaceResult, bool) {
	if len(faces) == 0 {
		return types.FaceResult{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best, true
}
