package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/votegate/internal/types"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// so crash output is still available after a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Die is the unified exit path for the CLI.
// It prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VOTEGATE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	os.Exit(1)
}

// --- 2. Captures ---

// MaxCaptureBytes caps how much of a capture file we read into memory.
const MaxCaptureBytes = 32 * 1024 * 1024

var captureExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// ReadCapture loads an image file, refusing anything over MaxCaptureBytes.
func ReadCapture(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxCaptureBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxCaptureBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxCaptureBytes)
	}
	return data, nil
}

// ListCaptures returns one enrollment task per image in dir. The voter id is
// the file name without its extension. Results are sorted by voter id.
func ListCaptures(dir string) ([]types.CaptureTask, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var tasks []types.CaptureTask
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !captureExts[ext] {
			continue
		}
		tasks = append(tasks, types.CaptureTask{
			VoterID: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path:    filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].VoterID < tasks[j].VoterID })
	return tasks, nil
}

// ImageDigest is a short, stable fingerprint of a capture for log lines.
// The capture itself is never logged.
func ImageDigest(img []byte) string {
	hash := sha256.Sum256(img)
	return hex.EncodeToString(hash[:])[:12]
}
