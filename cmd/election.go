package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/election"
	"github.com/andresmejia3/votegate/internal/types"
	"github.com/andresmejia3/votegate/internal/utils"
)

var (
	electionDescription string
	candidateParty      string
)

var electionCmd = &cobra.Command{
	Use:   "election",
	Short: "Administer elections and their candidates",
}

var electionCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a draft election",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := app.Elections.Create(cmd.Context(), args[0], electionDescription)
		if err != nil {
			utils.Die("Failed to create election", err, nil)
		}
		fmt.Printf("🗳️  Election '%s' created as draft\n", e.Title)
		fmt.Println(e.ID)
	},
}

var electionCandidateCmd = &cobra.Command{
	Use:   "candidate <election_id> <name>",
	Short: "Add a candidate to a draft or active election",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := app.Elections.AddCandidate(cmd.Context(), args[0], args[1], candidateParty)
		if err != nil {
			utils.Die("Failed to add candidate", err, nil)
		}
		fmt.Printf("✅ Candidate '%s' added\n", c.Name)
		fmt.Println(c.ID)
	},
}

var electionOpenCmd = &cobra.Command{
	Use:   "open <election_id>",
	Short: "Open a draft election for voting",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := app.Elections.Open(cmd.Context(), args[0]); err != nil {
			utils.Die("Failed to open election", err, nil)
		}
		fmt.Printf("🟢 Election %s is open\n", args[0])
	},
}

var electionCloseCmd = &cobra.Command{
	Use:   "close <election_id>",
	Short: "Close an active election",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := app.Elections.Close(cmd.Context(), args[0]); err != nil {
			utils.Die("Failed to close election", err, nil)
		}
		fmt.Printf("🔴 Election %s is closed\n", args[0])
	},
}

var electionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List elections, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		elections, err := app.Elections.List(cmd.Context())
		if err != nil {
			utils.Die("Failed to list elections", err, nil)
		}
		printElections(os.Stdout, elections)
	},
}

var electionResultsCmd = &cobra.Command{
	Use:   "results <election_id>",
	Short: "Show the tally and the ballot digest of an election",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r, err := app.Elections.Results(cmd.Context(), args[0])
		if err != nil {
			utils.Die("Failed to compute results", err, nil)
		}
		printResults(os.Stdout, r)
	},
}

func init() {
	electionCreateCmd.Flags().StringVar(&electionDescription, "description", "", "Election description")
	electionCandidateCmd.Flags().StringVar(&candidateParty, "party", "", "Candidate party")

	electionCmd.AddCommand(electionCreateCmd, electionCandidateCmd, electionOpenCmd,
		electionCloseCmd, electionListCmd, electionResultsCmd)
	rootCmd.AddCommand(electionCmd)
}

func printElections(out io.Writer, elections []types.Election) {
	if len(elections) == 0 {
		fmt.Fprintln(out, "No elections found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tCANDIDATES\tCREATED")
	fmt.Fprintln(w, "--\t-----\t------\t----------\t-------")
	for _, e := range elections {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Title, e.Status, len(e.Candidates), e.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printResults(out io.Writer, r election.Results) {
	fmt.Fprintf(out, "📊 %s (%s)\n\n", r.Election.Title, r.Election.Status)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CANDIDATE\tPARTY\tVOTES\tID")
	fmt.Fprintln(w, "---------\t-----\t-----\t--")
	for _, t := range r.Tally {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Candidate.Name, t.Candidate.Party, humanize.Comma(int64(t.Votes)), t.Candidate.ID)
	}
	w.Flush()

	fmt.Fprintf(out, "\nBallots: %s\n", humanize.Comma(int64(r.Ballots)))
	fmt.Fprintf(out, "Digest:  %s\n", r.Digest)
}
