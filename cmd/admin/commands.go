package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"meetzap/backend/internal/models"

	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
	olderThan  time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or end sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status models.SessionStatus
		if listStatus != "" {
			var err error
			if status, err = models.ParseSessionStatus(listStatus); err != nil {
				return err
			}
		}

		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		sessions, err := e.store.ListSessions(cmd.Context(), status, listLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPARTNER\tLOCATION\tLAST ACTIVE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\t%s\n",
				s.ID, s.UserID, s.Status, s.PartnerSession(), s.Country, s.City,
				s.LastActive.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session and return its partner to waiting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.match.LeaveQueue(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("end %s: %w", args[0], err)
		}
		fmt.Printf("Session %s ended.\n", args[0])
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "End sessions that stopped sending heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		n, err := e.match.SweepStale(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("%d stale session(s) ended.\n", n)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.store.Migrate(); err != nil {
			return err
		}
		fmt.Println("Migrations applied.")
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "only sessions with this status (waiting, chatting, ended)")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum rows")
	sweepCmd.Flags().DurationVar(&olderThan, "older-than", 0, "heartbeat age to treat as stale (default: the freshness window)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
}
