package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/votegate/internal/utils"
)

var (
	resetDB      bool
	resetLockout string
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (database, or one voter's lockout)",
	Long: `Clears stored data. By default it drops and recreates every table.
Use --lockout to clear only a single voter's failed attempts.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipDimCheck: "true"},
	Run:         func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing the database
		if !resetDB && resetLockout == "" {
			resetDB = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLockout != "" {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Clear failed attempts and lockout for voter %s?", resetLockout)) {
				if err := app.Limiter.RecordSuccess(cmd.Context(), resetLockout); err != nil {
					utils.Die("Failed to clear lockout", err, nil)
				}
				fmt.Printf("🔓 Lockout cleared for %s\n", resetLockout)
			}
		}

		if resetDB {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all voters, elections and ballots?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := app.DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
				fmt.Println("✨ System Reset Complete.")
			}
		}
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop and recreate all tables")
	resetCmd.Flags().StringVar(&resetLockout, "lockout", "", "Clear failed attempts for this voter only")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation prompts")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
