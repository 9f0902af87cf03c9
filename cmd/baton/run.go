package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/baton/internal/background"
	"github.com/kestrelhq/baton/internal/conductor"
	"github.com/kestrelhq/baton/internal/config"
	"github.com/kestrelhq/baton/internal/intent"
	"github.com/kestrelhq/baton/internal/planner"
	"github.com/kestrelhq/baton/internal/session"
	"github.com/kestrelhq/baton/internal/state"
	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

var (
	runSession string
	runWorkDir string
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Submit a request and stream its progress",
	Long: `Submit one request to the conductor and stream state transitions
and delegation results until the session reaches a terminal state.

The message is classified first. Trivial and explicit requests delegate
directly to the best-matching worker; open-ended, exploratory, and
ambiguous requests go through the planner stage, which produces a
requirements note and an ordered step list before anything runs.

Press Ctrl-C to cancel; outstanding background tasks receive a cancel
and the session ends in the cancelled state.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id to submit into (default: a fresh session)")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "Working directory for worker tools (default: current directory)")
}

func runRequest(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var apiKey string
	if !cfg.Anthropic.UseBedrock {
		apiKey, err = config.GetAPIKey(cfg)
		if err != nil {
			return err
		}
	}

	client, err := worker.NewClient(worker.ClientConfig{
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	workDir := runWorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}

	entries, err := worker.LoadRoster(cfg.Roster.Path)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	registry, err := worker.BuildRegistry(entries, client, worker.NewToolExecutor(workDir))
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	sessions := session.NewStore()
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sessions.StartSweeper(sweepCtx, cfg.Session.IdleTimeout, cfg.Session.SweepInterval)

	manager := background.NewManager(background.Config{
		Concurrency:   cfg.Background.Concurrency,
		QueueCapacity: cfg.Background.QueueCapacity,
	}, conductor.NewExecutor(registry, sessions, cfg.Conductor.WorkerTimeout))
	defer manager.Stop()

	var audit conductor.Audit
	if !cfg.Store.Disabled {
		dbPath := cfg.Store.Path
		if dbPath == "" {
			dbPath = state.DefaultDBPath()
		}
		db, derr := state.Open(dbPath)
		if derr != nil {
			log.Printf("[baton] audit store unavailable, continuing without: %v", derr)
		} else if derr := db.Migrate(); derr != nil {
			log.Printf("[baton] audit store migration failed, continuing without: %v", derr)
			db.Close()
		} else {
			defer db.Close()
			audit = db
		}
	}

	cond, err := conductor.New(conductor.Params{
		Registry:   registry,
		Sessions:   sessions,
		Tasks:      manager,
		Classifier: intent.NewClassifier(),
		Planner:    planner.New(registry),
		Audit:      audit,
		Config: conductor.Config{
			MaxVerificationRetries: cfg.Conductor.MaxVerificationRetries,
			PlanningStepThreshold:  cfg.Conductor.PlanningStepThreshold,
			EventBuffer:            cfg.Events.BufferSize,
		},
	})
	if err != nil {
		return fmt.Errorf("create conductor: %w", err)
	}
	defer cond.Close()

	sessionID := runSession
	if sessionID == "" {
		sessionID = "ses-" + uuid.New().String()[:8]
	}

	events, err := cond.Submit(sessionID, message)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	fmt.Printf("session %s\n", color.CyanString(sessionID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		color.Yellow("cancelling...")
		cond.Cancel(sessionID)
	}()

	final := renderEvents(events)

	if in, out, calls := client.Tracker().Totals(); calls > 0 {
		fmt.Printf("tokens: %d in / %d out across %d calls\n", in, out, calls)
	}

	if final == models.SessionFailed {
		return fmt.Errorf("session %s failed", sessionID)
	}
	return nil
}

// renderEvents streams the push channel to the terminal and returns the
// terminal state.
func renderEvents(events <-chan conductor.Event) models.SessionState {
	final := models.SessionFailed
	for ev := range events {
		renderEvent(ev)
		if ev.Type == conductor.EventStateChange && ev.State.Terminal() {
			final = ev.State
		}
	}
	return final
}

func renderEvent(ev conductor.Event) {
	switch ev.Type {
	case conductor.EventStateChange:
		line := "→ " + string(ev.State)
		if ev.Note != "" {
			line += "  (" + ev.Note + ")"
		}
		switch ev.State {
		case models.SessionDone:
			color.Green(line)
		case models.SessionFailed:
			color.Red(line)
		case models.SessionCancelled:
			color.Yellow(line)
		default:
			color.Cyan(line)
		}
	case conductor.EventResult:
		res := ev.Result
		if res == nil {
			return
		}
		if res.Success {
			fmt.Printf("%s step %d (%s): %s\n", color.GreenString("✓"), res.StepIndex, res.Worker, firstLine(res.Output))
		} else {
			fmt.Printf("%s step %d (%s): %s\n", color.RedString("✗"), res.StepIndex, res.Worker, res.Error)
		}
		for _, effect := range res.SideEffects {
			fmt.Printf("    %s\n", color.HiBlackString(effect))
		}
	}
}

// firstLine truncates multi-line worker output for the stream view.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
