package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils"
)

var votersCmd = &cobra.Command{
	Use:   "voters",
	Short: "List all enrolled voters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		voters, err := app.DB.ListVoters(cmd.Context())
		if err != nil {
			utils.Die("Failed to list voters", err, nil)
		}
		printVoters(os.Stdout, voters, time.Now())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <voter_id>",
	Short: "Show a voter's enrollment, lockout state and ballots",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runStatus(cmd.Context(), os.Stdout, args[0])
	},
}

func init() {
	rootCmd.AddCommand(votersCmd)
	rootCmd.AddCommand(statusCmd)
}

func printVoters(out io.Writer, voters []types.Voter, now time.Time) {
	if len(voters) == 0 {
		fmt.Fprintln(out, "No voters enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VOTER\tENROLLED")
	fmt.Fprintln(w, "-----\t--------")
	for _, v := range voters {
		fmt.Fprintf(w, "%s\t%s\n", v.ID, humanize.RelTime(v.EnrolledAt, now, "ago", "from now"))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%s enrolled\n", humanize.Comma(int64(len(voters))))
}

func runStatus(ctx context.Context, out io.Writer, voterID string) {
	now := time.Now()

	v, err := app.DB.GetVoter(ctx, voterID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		fmt.Fprintf(out, "Voter %s is not enrolled.\n", voterID)
	case err != nil:
		utils.Die("Failed to load voter", err, nil)
	default:
		fmt.Fprintf(out, "Voter %s enrolled %s (%d-d embedding)\n",
			voterID, humanize.RelTime(v.EnrolledAt, now, "ago", "from now"), v.Embedding.Dim())
	}

	state, err := app.Limiter.Status(ctx, voterID)
	if err != nil {
		utils.Die("Failed to load attempt state", err, nil)
	}
	fmt.Fprintf(out, "Attempts: %s\n", describeState(state, now, app.Limiter.MaxFailures()))

	ballots, err := app.Ledger.History(ctx, voterID)
	if err != nil {
		utils.Die("Failed to load ballots", err, nil)
	}
	fmt.Fprintf(out, "Ballots:  %d\n", len(ballots))
}

func describeState(s limiter.State, now time.Time, maxFailures int) string {
	switch s.Kind {
	case limiter.LockedOut:
		return "locked out until " + s.LockedUntil.Local().Format("15:04:05") +
			" (" + humanize.RelTime(s.LockedUntil, now, "ago", "from now") + ")"
	case limiter.Warned:
		return fmt.Sprintf("%d of %d failed", s.Failures, maxFailures)
	}
	return "clear"
}
