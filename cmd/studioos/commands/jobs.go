package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/display"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/pulse/async"
	"github.com/teranos/studioos/sym"
)

// JobsCmd groups job inspection and control
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and control processing jobs",
	Long: sym.Pulse + ` jobs - processing job management.

Commands act on the database directly. A running server picks up submitted
jobs on its next refill and sees cancellations on the job's next update.

Examples:
  studioos jobs ls --state queued
  studioos jobs show job_0c6f...
  studioos jobs submit normalize --asset trk-1 --priority high --params '{"targetLufs":-14}'
  studioos jobs cancel job_0c6f...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued, running or retrying job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(q *async.Queue) error {
			job, err := q.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Job %s cancelled", job.ID)
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Run a retrying job now instead of waiting for its backoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(q *async.Queue) error {
			job, err := q.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Job %s queued (attempt %d of %d)", job.ID, job.Attempts+1, job.MaxAttempts)
			return nil
		})
	},
}

var jobsRerunCmd = &cobra.Command{
	Use:   "rerun <job-id>",
	Short: "Submit a new job with the parameters of a failed or cancelled one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(q *async.Queue) error {
			job, err := q.Rerun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Job %s submitted as rerun of %s", job.ID, args[0])
			return nil
		})
	},
}

func init() {
	jobsLsCmd.Flags().String("state", "", "Filter by state (queued, running, retrying, completed, failed, cancelled)")
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().String("project", "", "Filter by project")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")


	jobsSubmitCmd.Flags().StringSlice("asset", nil, "Asset id (repeatable)")
	jobsSubmitCmd.Flags().String("priority", "normal", "Priority class or number (critical=0 ... bulk=4)")
	jobsSubmitCmd.Flags().String("project", "", "Project id")
	jobsSubmitCmd.Flags().String("params", "", "Parameters as a JSON object")
	jobsSubmitCmd.Flags().Int("max-attempts", 0, "Maximum attempts (0 = configured default)")

	JobsCmd.AddCommand(jobsLsCmd, jobsShowCmd, jobsSubmitCmd, jobsCancelCmd, jobsRetryCmd, jobsRerunCmd)
}

// withQueue opens the database and a queue for one command
func withQueue(fn func(q *async.Queue) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	q := async.NewQueue(database, pulse.NewPublisher(), async.QueueConfigFromAm(cfg.Engine), logger.Logger)
	defer q.Close()
	return fn(q)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	state, _ := cmd.Flags().GetString("state")
	jobType, _ := cmd.Flags().GetString("type")
	project, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON := display.ShouldOutputJSON(cmd)

	if state != "" && !async.IsValidState(state) {
		return errors.NewInvalidRequestError("unknown state %q", state)
	}

	return withQueue(func(q *async.Queue) error {
		page, err := q.List(cmd.Context(), async.JobFilter{
			State:     async.JobState(state),
			Type:      jobType,
			ProjectID: project,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return display.OutputJSON(cmd.OutOrStdout(), page)
		}
		if len(page.Jobs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No jobs found\n", sym.Pulse)
			return nil
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(jobRows(page.Jobs)).Render(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d job(s)\n", len(page.Jobs), page.Total)
		return nil
	})
}

// jobRows renders jobs as table rows with a header
func jobRows(jobs []*async.Job) pterm.TableData {
	rows := pterm.TableData{{"JOB ID", "TYPE", "PRIORITY", "STATE", "PROGRESS", "ATTEMPTS", "CREATED"}}
	for _, job := range jobs {
		progress := fmt.Sprintf("%d%%", job.Progress.Percent)
		if job.Progress.Phase != "" {
			progress += " " + job.Progress.Phase
		}
		rows = append(rows, []string{
			truncate(job.ID, 16),
			truncate(job.Type, 20),
			job.Priority.String(),
			string(job.State),
			truncate(progress, 24),
			strconv.Itoa(job.Attempts) + "/" + strconv.Itoa(job.MaxAttempts),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return rows
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	asJSON := display.ShouldOutputJSON(cmd)
	return withQueue(func(q *async.Queue) error {
		job, err := q.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return display.OutputJSON(cmd.OutOrStdout(), job)
		}
		printJob(cmd.OutOrStdout(), job)
		return nil
	})
}

func printJob(w io.Writer, job *async.Job) {
	fmt.Fprintf(w, "%s Job ID: %s\n", sym.Pulse, job.ID)
	fmt.Fprintf(w, "  Type:     %s\n", job.Type)
	fmt.Fprintf(w, "  Priority: %s\n", job.Priority)
	fmt.Fprintf(w, "  State:    %s\n", job.State)
	if job.ProjectID != "" {
		fmt.Fprintf(w, "  Project:  %s\n", job.ProjectID)
	}
	fmt.Fprintf(w, "  Assets:   %s\n", strings.Join(job.AssetIDs, ", "))
	fmt.Fprintf(w, "  Attempts: %d of %d\n", job.Attempts, job.MaxAttempts)
	if job.RerunOf != "" {
		fmt.Fprintf(w, "  Rerun of: %s\n", job.RerunOf)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Progress: %d%%", job.Progress.Percent)
	if job.Progress.Phase != "" {
		fmt.Fprintf(w, " (%s)", job.Progress.Phase)
	}
	if job.Progress.Message != "" {
		fmt.Fprintf(w, " - %s", job.Progress.Message)
	}
	fmt.Fprintln(w)
	if job.Error != "" {
		fmt.Fprintf(w, "Error:    %s [%s]\n", job.Error, job.ErrorCode)
	}
	for _, out := range job.Outputs {
		fmt.Fprintf(w, "Output:   %s\n", out)
	}
	fmt.Fprintln(w)

	const layout = "2006-01-02 15:04:05"
	fmt.Fprintf(w, "Created:   %s\n", job.CreatedAt.Local().Format(layout))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", job.StartedAt.Local().Format(layout))
	}
	if job.RunAfter != nil {
		fmt.Fprintf(w, "Next try:  %s\n", job.RunAfter.Local().Format(layout))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", job.CompletedAt.Local().Format(layout))
	}
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	spec, err := submitSpec(cmd, args[0])
	if err != nil {
		return err
	}
	return withQueue(func(q *async.Queue) error {
		job, err := q.Submit(cmd.Context(), spec)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Job %s queued (%s, %s)", job.ID, job.Type, job.Priority)
		return nil
	})
}

// submitSpec builds a job spec from the submit flags
func submitSpec(cmd *cobra.Command, jobType string) (async.JobSpec, error) {
	assets, _ := cmd.Flags().GetStringSlice("asset")
	priority, _ := cmd.Flags().GetString("priority")
	project, _ := cmd.Flags().GetString("project")
	params, _ := cmd.Flags().GetString("params")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

	p, err := async.ParsePriority(priority)
	if err != nil {
		return async.JobSpec{}, err
	}
	spec := async.JobSpec{
		Type:        jobType,
		Priority:    p,
		ProjectID:   project,
		AssetIDs:    assets,
		MaxAttempts: maxAttempts,
	}
	if params != "" {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(params), &obj); err != nil {
			return spec, errors.WithHint(
				errors.NewInvalidRequestError("--params is not a JSON object"),
				`example: --params '{"targetLufs":-14}'`)
		}
		spec.Parameters = json.RawMessage(params)
	}
	return spec, nil
}
