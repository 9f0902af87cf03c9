package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/baton/internal/config"
	"github.com/kestrelhq/baton/internal/state"
	"github.com/kestrelhq/baton/pkg/models"
)

var statusState string

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show recorded sessions and their delegation results",
	Long: `List sessions recorded in the audit store, most recent first.
With a session id, show that session's delegation results in the order
they completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusState, "state", "", "Only list sessions in this state (e.g. done, failed)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Disabled {
		return fmt.Errorf("audit store is disabled in config")
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate audit store: %w", err)
	}

	if len(args) == 1 {
		return showSession(db, args[0])
	}
	return listSessions(db)
}

func listSessions(db *state.DB) error {
	var filter *models.SessionState
	if statusState != "" {
		s := models.SessionState(statusState)
		if !s.Valid() {
			return fmt.Errorf("unknown session state %q", statusState)
		}
		filter = &s
	}

	records, err := db.ListSessionRecords(filter)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}

	for _, rec := range records {
		fmt.Printf("%s  %s  %s  %s\n",
			color.CyanString(rec.ID),
			stateColor(rec.State),
			rec.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(rec.Goal, 60))
	}
	return nil
}

func showSession(db *state.DB, id string) error {
	rec, err := db.GetSessionRecord(id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no recorded session %q", id)
	}

	fmt.Printf("session:  %s\n", color.CyanString(rec.ID))
	fmt.Printf("state:    %s\n", stateColor(rec.State))
	fmt.Printf("intent:   %s\n", rec.Intent)
	fmt.Printf("goal:     %s\n", rec.Goal)
	fmt.Printf("updated:  %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))

	results, err := db.ResultsForSession(id)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	if len(results) == 0 {
		return nil
	}

	fmt.Println("\nresults (completion order):")
	for _, res := range results {
		mark := color.GreenString("✓")
		detail := truncate(res.Output, 70)
		if !res.Success {
			mark = color.RedString("✗")
			detail = res.Error
		}
		fmt.Printf("  %s step %d (%s): %s\n", mark, res.StepIndex, res.Worker, detail)
	}
	return nil
}

func stateColor(s models.SessionState) string {
	switch s {
	case models.SessionDone:
		return color.GreenString(string(s))
	case models.SessionFailed:
		return color.RedString(string(s))
	case models.SessionCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
