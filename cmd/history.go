package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils"
)

var historyCmd = &cobra.Command{
	Use:   "history <voter_id>",
	Short: "List a voter's ballots and check their receipts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ballots, err := app.Ledger.History(cmd.Context(), args[0])
		if err != nil {
			utils.Die("Failed to load ballots", err, nil)
		}
		if tampered := printHistory(os.Stdout, args[0], ballots); tampered > 0 {
			exitCode = 3
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

// printHistory writes one row per ballot and returns how many receipts do
// not match their ballot.
func printHistory(out io.Writer, voterID string, ballots []types.Ballot) int {
	if len(ballots) == 0 {
		fmt.Fprintf(out, "Voter %s has not voted.\n", voterID)
		return 0
	}

	tampered := 0
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ELECTION\tCANDIDATE\tCAST\tRECEIPT\t")
	fmt.Fprintln(w, "--------\t---------\t----\t-------\t")
	for _, b := range ballots {
		mark := "✓"
		if !ledger.VerifyReceipt(b) {
			mark = "✗ MISMATCH"
			tampered++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ElectionID, b.CandidateID, b.CastAt.Local().Format("2006-01-02 15:04:05"), b.Receipt, mark)
	}
	w.Flush()
	return tampered
}
