package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/pipeline"
	"github.com/andresmejia3/votegate/internal/utils"
)

var voteCmd = &cobra.Command{
	Use:   "vote <voter_id> <election_id> <candidate_id> <image>",
	Short: "Verify a live capture of the voter and cast their ballot",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		voterID, electionID, candidateID, path := args[0], args[1], args[2], args[3]

		img, err := utils.ReadCapture(path)
		if err != nil {
			utils.Die("Failed to read capture", err, nil)
		}

		res, err := app.Pipeline.VerifyAndVote(cmd.Context(), voterID, electionID, candidateID, img)
		if err != nil {
			utils.Die("Verification failed", err, nil)
		}
		if !res.OK() {
			exitCode = 2
		}
		printResult(os.Stdout, res, time.Now(), app.Limiter.MaxFailures())
	},
}

func init() {
	rootCmd.AddCommand(voteCmd)
}

// printResult reports a vote attempt to the voter.
func printResult(w io.Writer, res pipeline.Result, now time.Time, maxFailures int) {
	if res.Outcome == pipeline.Voted {
		fmt.Fprintf(w, "✅ Ballot cast in election %s\n", res.Ballot.ElectionID)
		fmt.Fprintf(w, "   Ballot:  %s\n", res.Ballot.ID)
		fmt.Fprintf(w, "   Receipt: %s\n", res.Ballot.Receipt)
		return
	}

	fmt.Fprintf(w, "❌ Rejected (%s): %v\n", res.Outcome, res.Err())
	switch res.Limiter.Kind {
	case limiter.LockedOut:
		fmt.Fprintf(w, "   🔒 Locked out, try again %s\n", humanize.RelTime(res.Limiter.LockedUntil, now, "ago", "from now"))
	case limiter.Warned:
		if res.Outcome.Counted() {
			left := maxFailures - res.Limiter.Failures
			fmt.Fprintf(w, "   ⚠️  %d failed %s, %d left before lockout\n",
				res.Limiter.Failures, plural(res.Limiter.Failures, "attempt"), left)
		}
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
