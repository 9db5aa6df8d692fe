package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/pipeline"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils"
)

var enrollDir string

var enrollCmd = &cobra.Command{
	Use:   "enroll [<voter_id> <image>]",
	Short: "Enroll a voter's reference face, or a directory of them with --dir",
	Long: `Enroll stores the face embedding of a capture as the voter's reference.
Re-enrolling replaces the previous reference.

With --dir every image in the directory is enrolled, using the file name
without its extension as the voter id.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if enrollDir != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if enrollDir != "" {
			runEnrollDir(cmd.Context(), enrollDir)
			return
		}
		runEnroll(cmd.Context(), args[0], args[1])
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollDir, "dir", "d", "", "Directory of captures named <voter_id>.<ext>")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, voterID, path string) {
	img, err := utils.ReadCapture(path)
	if err != nil {
		utils.Die("Failed to read capture", err, nil)
	}

	res, err := app.Pipeline.Enroll(ctx, voterID, img)
	if err != nil {
		utils.Die("Enrollment failed", err, nil)
	}
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "❌ %s not enrolled: %v\n", voterID, res.Err())
		exitCode = 2
		return
	}
	fmt.Printf("✅ Voter %s enrolled\n", voterID)
}

func runEnrollDir(ctx context.Context, dir string) {
	tasks, err := utils.ListCaptures(dir)
	if err != nil {
		utils.Die("Failed to list captures", err, nil)
	}
	if len(tasks) == 0 {
		fmt.Println("No captures found in", dir)
		return
	}

	engines := app.Workers.Size()
	fmt.Fprintf(os.Stderr, "⚙️  Enrolling %d voters with %d worker engines...\n", len(tasks), engines)

	bar := progressbar.NewOptions(len(tasks),
		progressbar.OptionSetDescription("🪪 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	sum := enrollBatch(ctx, app.Pipeline, tasks, engines, func() { bar.Add(1) })
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Enrolled %d of %d voters.\n", sum.Enrolled, len(tasks))
	for _, f := range sum.Failures {
		fmt.Fprintf(os.Stderr, "   ❌ %s: %v\n", f.VoterID, f.Err)
	}
	if len(sum.Failures) > 0 {
		exitCode = 2
	}
}

// enroller is the part of the pipeline batch enrollment drives.
type enroller interface {
	Enroll(ctx context.Context, voterID string, img []byte) (pipeline.Result, error)
}

type enrollFailure struct {
	VoterID string
	Err     error
}

type enrollSummary struct {
	Enrolled int
	// Failures are sorted by voter id.
	Failures []enrollFailure
}

// enrollBatch fans tasks out to engines goroutines. A failed capture never
// stops the batch; a cancelled context stops handing out new tasks.
func enrollBatch(ctx context.Context, e enroller, tasks []types.CaptureTask, engines int, progress func()) enrollSummary {
	if engines < 1 {
		engines = 1
	}
	taskChan := make(chan types.CaptureTask)
	var (
		mu  sync.Mutex
		sum enrollSummary
		wg  sync.WaitGroup
	)

	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				err := enrollOne(ctx, e, task)

				mu.Lock()
				if err != nil {
					sum.Failures = append(sum.Failures, enrollFailure{VoterID: task.VoterID, Err: err})
				} else {
					sum.Enrolled++
				}
				mu.Unlock()

				if progress != nil {
					progress()
				}
			}
		}()
	}

feed:
	for _, task := range tasks {
		select {
		case taskChan <- task:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskChan)
	wg.Wait()

	sort.Slice(sum.Failures, func(i, j int) bool { return sum.Failures[i].VoterID < sum.Failures[j].VoterID })
	return sum
}

func enrollOne(ctx context.Context, e enroller, task types.CaptureTask) error {
	img, err := utils.ReadCapture(task.Path)
	if err != nil {
		return err
	}
	res, err := e.Enroll(ctx, task.VoterID, img)
	if err != nil {
		return err
	}
	return res.Err()
}
