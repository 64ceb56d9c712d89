package commands

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/display"
	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/delivery/webhook"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/sym"
)

// DeliveriesCmd groups delivery inspection and control
var DeliveriesCmd = &cobra.Command{
	Use:     "deliveries",
	Aliases: []string{"dl"},
	Short:   sym.Delivery + " Inspect and control platform deliveries",
	Long: sym.Delivery + ` deliveries - multi-platform delivery management.

Deliveries are created and retried through the API so a running server owns
their platform tasks. From here they can be listed, inspected and cancelled;
the server withdraws cancelled submissions on its next poll.

Examples:
  studioos deliveries ls --status processing
  studioos deliveries show dlv_4e1a...
  studioos deliveries cancel dlv_4e1a... --platform tidal
  studioos deliveries platforms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var deliveriesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List deliveries, newest first",
	RunE:  runDeliveriesLs,
}

var deliveriesShowCmd = &cobra.Command{
	Use:   "show <delivery-id>",
	Short: "Show one delivery with its platforms and log",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveriesShow,
}

var deliveriesCancelCmd = &cobra.Command{
	Use:   "cancel <delivery-id>",
	Short: "Cancel some or all platforms of a delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveriesCancel,
}

var deliveriesPlatformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List configured platforms and their requirements",
	RunE:  runDeliveriesPlatforms,
}

func init() {
	deliveriesLsCmd.Flags().String("status", "", "Filter by status (pending, validating, processing, uploading, delivered, failed, rejected, cancelled)")
	deliveriesLsCmd.Flags().String("project", "", "Filter by project")
	deliveriesLsCmd.Flags().Int("limit", 20, "Maximum number of deliveries to display")


	deliveriesCancelCmd.Flags().StringSlice("platform", nil, "Platform to cancel (repeatable, default all)")

	DeliveriesCmd.AddCommand(deliveriesLsCmd, deliveriesShowCmd, deliveriesCancelCmd, deliveriesPlatformsCmd)
}

// withOrchestrator opens an orchestrator that is never started: no
// platform tasks run in the CLI process
func withOrchestrator(fn func(o *delivery.Orchestrator) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	registry := delivery.NewAdapterRegistry()
	if err := webhook.RegisterPlatforms(registry, cfg.Delivery.Platforms, logger.Logger); err != nil {
		return err
	}
	o := delivery.NewOrchestrator(database, registry, pulse.NewPublisher(), delivery.OrchestratorConfigFromAm(cfg.Delivery), logger.Logger)
	defer o.Stop()
	return fn(o)
}

func runDeliveriesLs(cmd *cobra.Command, args []string) error {
	rawStatus, _ := cmd.Flags().GetString("status")
	project, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON := display.ShouldOutputJSON(cmd)

	f := delivery.Filter{ProjectID: project, Limit: limit}
	if rawStatus != "" {
		status, err := delivery.ParseStatus(rawStatus)
		if err != nil {
			return err
		}
		f.Status = status
	}

	return withOrchestrator(func(o *delivery.Orchestrator) error {
		page, err := o.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if asJSON {
			return display.OutputJSON(cmd.OutOrStdout(), page)
		}
		if len(page.Deliveries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No deliveries found\n", sym.Delivery)
			return nil
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(deliveryRows(page.Deliveries)).Render(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d deliveries\n", len(page.Deliveries), page.Total)
		return nil
	})
}

// deliveryRows renders deliveries as table rows with a header
func deliveryRows(deliveries []*delivery.Delivery) pterm.TableData {
	rows := pterm.TableData{{"DELIVERY ID", "TITLE", "STATUS", "PROGRESS", "PLATFORMS", "CREATED"}}
	for _, d := range deliveries {
		rows = append(rows, []string{
			truncate(d.ID, 16),
			truncate(d.Title, 28),
			string(d.Status),
			strconv.Itoa(d.Progress) + "%",
			platformSummary(d),
			d.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return rows
}

// platformSummary counts platforms per status, e.g. "delivered 2, failed 1"
func platformSummary(d *delivery.Delivery) string {
	counts := make(map[delivery.Status]int)
	for _, p := range d.Platforms {
		if pd, ok := d.PlatformDeliveries[p]; ok {
			counts[pd.Status]++
		}
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	out := ""
	for i, s := range statuses {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %d", s, counts[delivery.Status(s)])
	}
	return out
}

func runDeliveriesShow(cmd *cobra.Command, args []string) error {
	asJSON := display.ShouldOutputJSON(cmd)
	return withOrchestrator(func(o *delivery.Orchestrator) error {
		d, err := o.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return display.OutputJSON(cmd.OutOrStdout(), d)
		}
		printDelivery(cmd.OutOrStdout(), d)
		return nil
	})
}

func printDelivery(w io.Writer, d *delivery.Delivery) {
	const layout = "2006-01-02 15:04:05"

	fmt.Fprintf(w, "%s Delivery ID: %s\n", sym.Delivery, d.ID)
	fmt.Fprintf(w, "  Title:    %s\n", d.Title)
	fmt.Fprintf(w, "  Status:   %s (%d%%)\n", d.Status, d.Progress)
	if d.ProjectID != "" {
		fmt.Fprintf(w, "  Project:  %s\n", d.ProjectID)
	}
	if d.SourceJobID != "" {
		fmt.Fprintf(w, "  From job: %s\n", d.SourceJobID)
	}
	fmt.Fprintf(w, "  Assets:   %d\n", len(d.Assets))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Platforms:")
	for _, p := range d.Platforms {
		pd, ok := d.PlatformDeliveries[p]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-12s %-11s %3d%%  attempts %d", p, pd.Status, pd.Progress, pd.Attempts)
		switch {
		case pd.URL != "":
			line += "  " + pd.URL
		case pd.Error != "":
			line += "  " + pd.Error
		}
		fmt.Fprintln(w, line)
	}

	if len(d.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, e := range d.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	if len(d.Logs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Log:")
		for _, e := range d.Logs {
			fmt.Fprintf(w, "  [%s] %s\n", e.Timestamp.Local().Format(layout), e.Message)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Created:  %s\n", d.CreatedAt.Local().Format(layout))
	if d.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", d.CompletedAt.Local().Format(layout), d.CompletedAt.Sub(d.CreatedAt).Round(time.Second))
	}
}

func runDeliveriesCancel(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringSlice("platform")
	platforms := make([]delivery.PlatformID, len(raw))
	for i, p := range raw {
		platforms[i] = delivery.PlatformID(p)
	}
	return withOrchestrator(func(o *delivery.Orchestrator) error {
		d, err := o.Cancel(cmd.Context(), args[0], platforms...)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Delivery %s is now %s", d.ID, d.Status)
		return nil
	})
}

func runDeliveriesPlatforms(cmd *cobra.Command, args []string) error {
	return withOrchestrator(func(o *delivery.Orchestrator) error {
		configs := o.Registry().Configs()
		if len(configs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No platforms configured (see [delivery.platforms] in am.toml)\n", sym.Delivery)
			return nil
		}
		rows := pterm.TableData{{"ID", "NAME", "RATE", "REQUIREMENTS"}}
		for _, c := range configs {
			rate := "unlimited"
			if c.RatePerSecond > 0 {
				rate = fmt.Sprintf("%.1f/s", c.RatePerSecond)
			}
			rows = append(rows, []string{string(c.ID), c.Name, rate, describeRequirements(c.Requirements)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

// describeRequirements summarizes platform preconditions on one line
func describeRequirements(r delivery.Requirements) string {
	var parts []string
	if len(r.Formats) > 0 {
		parts = append(parts, fmt.Sprintf("formats %v", r.Formats))
	}
	if r.MinSampleRate > 0 {
		parts = append(parts, fmt.Sprintf(">= %d Hz", r.MinSampleRate))
	}
	if r.TargetLUFS != nil {
		parts = append(parts, fmt.Sprintf("%.1f ±%.1f LUFS", *r.TargetLUFS, r.LUFSTolerance))
	}
	if r.MaxTruePeakDBTP != nil {
		parts = append(parts, fmt.Sprintf("<= %.1f dBTP", *r.MaxTruePeakDBTP))
	}
	if r.RequireISRC {
		parts = append(parts, "ISRC")
	}
	if len(parts) == 0 {
		return "none"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}
