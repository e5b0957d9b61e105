package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/docextract/internal/jobs"
	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and control extraction jobs",
}

var (
	jobsProject     string
	jobsType        string
	jobsDocs        []string
	jobsListProject string
	jobsListLimit   int
	jobsLogsLimit   int
)

// withManager runs fn with a job manager that does not enqueue; jobs created
// here are executed by "run" or picked up by "serve" on startup.
func withManager(ctx context.Context, fn func(*jobs.Manager) (any, error)) (any, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	return fn(jobs.NewManager(st, nil, jobs.WithSampleSize(cfg.Jobs.SampleSize)))
}

func jobCommand(use, short string, op func(*jobs.Manager, context.Context, string) (*model.ProcessingJob, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := withManager(cmd.Context(), func(m *jobs.Manager) (any, error) {
				return op(m, cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a PENDING job over a project's documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := withManager(cmd.Context(), func(m *jobs.Manager) (any, error) {
			return m.Create(cmd.Context(), jobs.CreateRequest{
				ProjectID:   jobsProject,
				JobType:     model.JobType(jobsType),
				DocumentIDs: jobsDocs,
			})
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := withManager(cmd.Context(), func(m *jobs.Manager) (any, error) {
			return m.List(cmd.Context(), store.JobFilter{ProjectID: jobsListProject, Limit: jobsListLimit})
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show the processing log of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := withManager(cmd.Context(), func(m *jobs.Manager) (any, error) {
			return m.Logs(cmd.Context(), args[0], jobsLogsLimit)
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	jobsCreateCmd.Flags().StringVar(&jobsProject, "project", "", "project id")
	jobsCreateCmd.Flags().StringVar(&jobsType, "type", string(model.JobTypeFull), "job type: FULL or SAMPLE")
	jobsCreateCmd.Flags().StringSliceVar(&jobsDocs, "docs", nil, "document ids (default: every document of the project)")
	_ = jobsCreateCmd.MarkFlagRequired("project")

	jobsListCmd.Flags().StringVar(&jobsListProject, "project", "", "filter by project id")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "maximum jobs to list")
	jobsLogsCmd.Flags().IntVar(&jobsLogsLimit, "limit", 100, "maximum log entries")

	jobsCmd.AddCommand(
		jobsCreateCmd,
		jobsListCmd,
		jobsLogsCmd,
		jobCommand("status", "Show a job", (*jobs.Manager).Get),
		jobCommand("pause", "Pause a processing job at its next document boundary", (*jobs.Manager).Pause),
		jobCommand("resume", "Resume a paused job", (*jobs.Manager).Resume),
		jobCommand("cancel", "Cancel a job", (*jobs.Manager).Cancel),
	)
	rootCmd.AddCommand(jobsCmd)
}
