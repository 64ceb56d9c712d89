package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/db"
	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse/async"
	"github.com/teranos/studioos/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the StudioOS database",
	Long: sym.DB + ` db - Manage StudioOS database operations

Examples:
  studioos db migrate                  # Apply pending migrations
  studioos db stats                    # Job and delivery counts
  studioos db cleanup --older-than 720h # Remove finished records older than 30 days`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and delivery counts",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs and deliveries older than a cutoff",
	RunE:  runDbCleanup,
}

var (
	cleanupOlderThan time.Duration
	cleanupDryRun    bool
)

func init() {
	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Age of finished records to delete")
	dbCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only show the cutoff")

	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd, dbCleanupCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return errors.New("no migrations recorded")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is at migration %s (%d applied)\n",
		sym.DB, cfg.GetDatabasePath(), versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewStore(database).CountByState(cmd.Context())
	if err != nil {
		return err
	}
	deliveries, err := delivery.NewStore(database).CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s Database Statistics\n", sym.DB)
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(w, "Database Path: %s\n\n", cfg.GetDatabasePath())

	fmt.Fprintf(w, "%s Jobs:\n", sym.Pulse)
	for _, s := range []async.JobState{async.StateQueued, async.StateRunning, async.StateRetrying,
		async.StateCompleted, async.StateFailed, async.StateCancelled} {
		fmt.Fprintf(w, "  %-11s %d\n", s, jobs[s])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s Deliveries:\n", sym.Delivery)
	for _, s := range []delivery.Status{delivery.StatusPending, delivery.StatusValidating,
		delivery.StatusProcessing, delivery.StatusUploading, delivery.StatusDelivered,
		delivery.StatusFailed, delivery.StatusCancelled} {
		fmt.Fprintf(w, "  %-11s %d\n", s, deliveries[s])
	}
	return nil
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	if cleanupOlderThan <= 0 {
		return errors.NewInvalidRequestError("--older-than must be positive")
	}
	cutoff := time.Now().Add(-cleanupOlderThan)
	if cleanupDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Would delete jobs and deliveries finished before %s\n", cutoff.Format(time.RFC3339))
		return nil
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewStore(database).CleanupOldJobs(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	deliveries, err := delivery.NewStore(database).CleanupOldDeliveries(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	logger.DBInfow("Cleanup complete", "jobs", jobs, "deliveries", deliveries, "cutoff", cutoff)
	fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %d job(s) and %d delivery(ies) finished before %s\n",
		sym.DB, jobs, deliveries, cutoff.Format(time.RFC3339))
	return nil
}
