package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/warp/recurrence-engine/api"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/generic"
)

var (
	primaryColor   = lipgloss.Color("#7D56F4")
	secondaryColor = lipgloss.Color("#6C6C6C")
	successColor   = lipgloss.Color("#73F59F")
	errorColor     = lipgloss.Color("#FF6B6B")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	subtleStyle  = lipgloss.NewStyle().Foreground(secondaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

var asOfFlag string

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation batch",
	Long: `Generate the next pending occurrence of every due rule and deactivate
rules past their end date. Safe to run from cron alongside "serve".`,
	RunE: runGenerate,
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Send reminders for overdue invoices",
	RunE:  runRemind,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show due rules and recent generation runs",
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, remindCmd, statusCmd} {
		c.Flags().StringVar(&asOfFlag, "as-of", "", "Evaluate as of YYYY-MM-DD or RFC3339 (default: now)")
	}
}

// openHandler loads config and wires the same engine the server uses.
func openHandler(cmd *cobra.Command) (*api.Handler, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sender, err := newSender(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return api.NewHandler(store, sender), func() { store.Close() }, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	h, closeStore, err := openHandler(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	now, err := api.ParseAsOf(asOfFlag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid --as-of: %w", err)
	}

	report, err := h.Coordinator.Run(cmd.Context(), now)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Generation run %s", report.RunID)))
	fmt.Println(subtleStyle.Render(fmt.Sprintf("%d rules ready, %d created", report.ReadyForGenerationCount, report.CreatedCount)))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, inst := range report.Created {
		label := inst.Reference
		if label == "" {
			label = inst.Payload.Title
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", successStyle.Render("+"), inst.DueDate, inst.RuleID, label)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, e := range report.Errors {
		fmt.Println(errorStyle.Render(e.Error()))
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d rules failed", len(report.Errors))
	}
	return nil
}

func runRemind(cmd *cobra.Command, args []string) error {
	h, closeStore, err := openHandler(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	now, err := api.ParseAsOf(asOfFlag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid --as-of: %w", err)
	}

	report, err := h.Reminders.Run(cmd.Context(), now)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Reminders"))
	fmt.Println(subtleStyle.Render(fmt.Sprintf("%d checked, %d sent", report.Checked, report.Sent)))
	for _, res := range report.Results {
		switch {
		case res.Unrecorded:
			fmt.Println(errorStyle.Render(fmt.Sprintf("! %s %s sent but not recorded, will repeat: %v", res.ObligationID, res.Type, res.Err)))
		case res.Err != nil:
			fmt.Println(errorStyle.Render(fmt.Sprintf("x %s: %v", res.ObligationID, res.Err)))
		case res.Sent:
			fmt.Println(successStyle.Render(fmt.Sprintf("+ %s %s, next %s", res.ObligationID, res.Type, generic.DateOf(res.Next))))
		default:
			fmt.Println(subtleStyle.Render(fmt.Sprintf("  %s not yet due, next %s", res.ObligationID, generic.DateOf(res.Next))))
		}
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d reminders failed", len(report.Errors))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	h, closeStore, err := openHandler(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	now, err := api.ParseAsOf(asOfFlag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid --as-of: %w", err)
	}

	ready, err := h.Store.CountDueRules(cmd.Context(), now)
	if err != nil {
		return err
	}
	runs, err := h.Store.RecentGenerationRuns(cmd.Context(), 10)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Recurrence engine status"))
	fmt.Printf("Rules ready for generation: %d\n\n", ready)

	if len(runs) == 0 {
		fmt.Println(subtleStyle.Render("No generation runs yet."))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tREADY\tCREATED\tERRORS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
			run.StartedAt.Format(time.RFC3339),
			run.Status,
			run.ReadyCount,
			run.CreatedCount,
			run.ErrorCount,
		)
	}
	return w.Flush()
}
