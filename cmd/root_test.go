package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/andresmejia3/votegate/internal/config"
	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/logging"
	"github.com/andresmejia3/votegate/internal/matcher"
	"github.com/andresmejia3/votegate/internal/pipeline"
	"github.com/andresmejia3/votegate/internal/types"
)

const testDim = 4

// fixedExtractor returns the same unit embedding for every capture.
type fixedExtractor struct{}

func (fixedExtractor) Extract(ctx context.Context, img []byte) (types.Embedding, error) {
	return types.Embedding{1, 0, 0, 0}, nil
}

func (fixedExtractor) Dimension() int { return testDim }

func sharpCapture(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testApp(t *testing.T) *App {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.URL = filepath.Join(t.TempDir(), "votegate.db")
	cfg.Biometric.EmbeddingDim = testDim

	db, err := openBackend(ctx, cfg.Database, testDim)
	if err != nil {
		t.Fatalf("openBackend failed: %v", err)
	}
	a := &App{Config: cfg, Logger: logging.Discard(), DB: db}
	if err := a.build(fixedExtractor{}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestApplyOverrides(t *testing.T) {
	rootOpts = Options{}
	f := rootCmd.PersistentFlags()
	t.Cleanup(func() {
		f.VisitAll(func(fl *pflag.Flag) { fl.Changed = false })
		rootOpts = Options{}
	})

	if err := f.Parse([]string{"--driver", "sqlite", "--threshold", "0.5", "--engines", "3"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	applyOverrides(&cfg, f, rootOpts)

	if cfg.Database.Driver != config.DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Biometric.MatchThreshold != 0.5 {
		t.Errorf("Expected threshold 0.5, got %f", cfg.Biometric.MatchThreshold)
	}
	if cfg.Worker.Engines != 3 {
		t.Errorf("Expected 3 engines, got %d", cfg.Worker.Engines)
	}
	// Unset flags keep the configured value, even where the flag's zero value differs.
	if cfg.Biometric.SharpnessFloor != config.Default().Biometric.SharpnessFloor {
		t.Errorf("Unset flag overrode sharpness floor: %f", cfg.Biometric.SharpnessFloor)
	}
	if cfg.Biometric.EmbeddingDim != config.Default().Biometric.EmbeddingDim {
		t.Errorf("Unset flag overrode embedding dim: %d", cfg.Biometric.EmbeddingDim)
	}
}

func TestOpenBackendUnknownDriver(t *testing.T) {
	_, err := openBackend(context.Background(), config.DatabaseConfig{Driver: "mysql", URL: "x"}, testDim)
	if err == nil {
		t.Fatal("Expected error for unknown driver")
	}
}

func TestNewAppRejectsStoredDimension(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.URL = filepath.Join(t.TempDir(), "votegate.db")
	cfg.Logging.Level = "error"

	db, err := openBackend(ctx, cfg.Database, testDim)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.PutEmbedding(ctx, "A", types.Embedding{1, 0, 0, 0}, time.Now()); err != nil {
		t.Fatal(err)
	}
	db.Close(ctx)

	cfg.Biometric.EmbeddingDim = testDim * 2
	if _, err := newApp(ctx, cfg, true); !errors.Is(err, matcher.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch at startup, got %v", err)
	}

	// reset still has to start so the operator can rebuild the tables.
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		t.Fatalf("Expected unchecked startup to succeed, got %v", err)
	}
	defer a.Close(ctx)
	if err := a.DB.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.DB.CheckDimension(ctx, cfg.Biometric.EmbeddingDim); err != nil {
		t.Errorf("Expected a clean check after reset, got %v", err)
	}
}

func TestAppEndToEnd(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	img := sharpCapture(t)

	e, err := a.Elections.Create(ctx, "Board", "")
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Elections.AddCandidate(ctx, e.ID, "Ada", "Indep")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Elections.Open(ctx, e.ID); err != nil {
		t.Fatal(err)
	}

	if res, err := a.Pipeline.Enroll(ctx, "A", img); err != nil || !res.OK() {
		t.Fatalf("Enroll failed: %v %v", res.Err(), err)
	}

	res, err := a.Pipeline.VerifyAndVote(ctx, "A", e.ID, c.ID, img)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != pipeline.Voted {
		t.Fatalf("Expected Voted, got %s (%v)", res.Outcome, res.Err())
	}

	res, err = a.Pipeline.VerifyAndVote(ctx, "A", e.ID, c.ID, img)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(res.Err(), ledger.ErrAlreadyVoted) {
		t.Errorf("Expected AlreadyVoted on second attempt, got %v", res.Err())
	}

	var out bytes.Buffer
	results, err := a.Elections.Results(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	printResults(&out, results)
	if !strings.Contains(out.String(), "Ada") || !strings.Contains(out.String(), results.Digest) {
		t.Errorf("Results output missing tally or digest:\n%s", out.String())
	}

	history, err := a.Ledger.History(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if n := printHistory(&out, "A", history); n != 0 {
		t.Errorf("Expected valid receipts, got %d mismatches", n)
	}
}

type fakeEnroller struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (f *fakeEnroller) Enroll(ctx context.Context, voterID string, img []byte) (pipeline.Result, error) {
	f.calls.Add(1)
	if f.fail[voterID] {
		return pipeline.Result{Outcome: pipeline.ExtractionFailed, Reason: "no face"}, nil
	}
	return pipeline.Result{Outcome: pipeline.Enrolled}, nil
}

func TestEnrollBatch(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alice.jpg", "bob.png", "carol.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("img"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	tasks := []types.CaptureTask{
		{VoterID: "alice", Path: filepath.Join(dir, "alice.jpg")},
		{VoterID: "bob", Path: filepath.Join(dir, "bob.png")},
		{VoterID: "carol", Path: filepath.Join(dir, "carol.jpg")},
		{VoterID: "dave", Path: filepath.Join(dir, "missing.jpg")},
	}

	e := &fakeEnroller{fail: map[string]bool{"bob": true}}
	var ticks atomic.Int32
	sum := enrollBatch(context.Background(), e, tasks, 3, func() { ticks.Add(1) })

	if sum.Enrolled != 2 {
		t.Errorf("Expected 2 enrolled, got %d", sum.Enrolled)
	}
	if len(sum.Failures) != 2 || sum.Failures[0].VoterID != "bob" || sum.Failures[1].VoterID != "dave" {
		t.Fatalf("Expected failures for bob and dave, got %+v", sum.Failures)
	}
	if !errors.Is(sum.Failures[0].Err, pipeline.ErrExtractionFailed) {
		t.Errorf("Expected extraction failure for bob, got %v", sum.Failures[0].Err)
	}
	if e.calls.Load() != 3 {
		t.Errorf("Unreadable capture should not reach the pipeline, got %d calls", e.calls.Load())
	}
	if ticks.Load() != 4 {
		t.Errorf("Expected progress for every task, got %d", ticks.Load())
	}
}

func TestEnrollBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &fakeEnroller{}
	tasks := make([]types.CaptureTask, 50)
	sum := enrollBatch(ctx, e, tasks, 1, nil)
	if got := sum.Enrolled + len(sum.Failures); got >= len(tasks) {
		t.Errorf("Expected cancelled batch to stop early, processed %d", got)
	}
}

func TestPrintResult(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		res  pipeline.Result
		want []string
	}{
		{
			name: "voted",
			res:  pipeline.Result{Outcome: pipeline.Voted, Ballot: types.Ballot{ID: "b1", ElectionID: "E1", Receipt: "abc"}},
			want: []string{"Ballot cast in election E1", "Receipt: abc"},
		},
		{
			name: "mismatch warns",
			res:  pipeline.Result{Outcome: pipeline.IdentityMismatch, Limiter: limiter.State{Kind: limiter.Warned, Failures: 2}},
			want: []string{"identity_mismatch", "2 failed attempts, 3 left"},
		},
		{
			name: "locked out",
			res: pipeline.Result{Outcome: pipeline.LockedOut, Limiter: limiter.State{
				Kind: limiter.LockedOut, Failures: 5, LockedUntil: now.Add(5 * time.Minute),
			}},
			want: []string{"locked_out", "from now"},
		},
		{
			name: "not counted outcomes hide the warning",
			res:  pipeline.Result{Outcome: pipeline.AlreadyVoted, Limiter: limiter.State{Kind: limiter.Warned, Failures: 1}},
			want: []string{"already_voted"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printResult(&out, tt.res, now, 5)
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("Output missing %q:\n%s", w, out.String())
				}
			}
			if tt.res.Outcome == pipeline.AlreadyVoted && strings.Contains(out.String(), "left before lockout") {
				t.Errorf("Uncounted outcome printed a lockout warning:\n%s", out.String())
			}
		})
	}
}

func TestPrintHistoryFlagsTamperedReceipt(t *testing.T) {
	b := types.Ballot{ID: "b1", VoterID: "A", ElectionID: "E1", CandidateID: "C1", CastAt: time.Now().UTC()}
	b.Receipt = ledger.Receipt(b)
	forged := b
	forged.ID = "b2"
	forged.ElectionID = "E2"
	forged.CandidateID = "C9"

	var out bytes.Buffer
	if n := printHistory(&out, "A", []types.Ballot{b, forged}); n != 1 {
		t.Errorf("Expected 1 mismatch, got %d", n)
	}
	if !strings.Contains(out.String(), "MISMATCH") {
		t.Errorf("Expected mismatch marker:\n%s", out.String())
	}
}

func TestConfirm(t *testing.T) {
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		r := bufio.NewReader(strings.NewReader(in))
		if got := confirm(r, &bytes.Buffer{}, "ok?"); got != want {
			t.Errorf("confirm(%q) = %v, want %v", in, got, want)
		}
	}
}
