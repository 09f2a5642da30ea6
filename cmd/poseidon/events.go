package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"poseidon-go/internal/store"
	"poseidon-go/internal/types"
)

var (
	eventsSession string
	eventsLimit   int
	sessionsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List stored feedback events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.ListFeedback(cmd.Context(), eventsSession, eventsLimit)
		if err != nil {
			return fmt.Errorf("failed to list feedback: %w", err)
		}
		printEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		printSessions(cmd.OutOrStdout(), sessions)
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Only events of this session")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events (0 for all)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions")
	rootCmd.AddCommand(eventsCmd, sessionsCmd)
}

func printEvents(out io.Writer, events []types.FeedbackEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No feedback events found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMITTED\tSESSION\tFRAME\tLATENCY\tCORRECTION")
	fmt.Fprintln(w, "-------\t-------\t-----\t-------\t----------")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			ev.EmittedAt.Local().Format("2006-01-02 15:04:05.000"),
			shortID(ev.SessionID),
			ev.FrameSeq,
			ev.Latency.Round(100_000),
			ev.Correction,
		)
	}
	w.Flush()
}

func printSessions(out io.Writer, sessions []store.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tENGINE\tMODEL\tSPOKEN")
	fmt.Fprintln(w, "--\t-------\t--------\t------\t-----\t------")
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(1e9).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			duration,
			s.Engine,
			s.Model,
			s.Spoken,
		)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
