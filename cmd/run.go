package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runJobID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one job in this process",
	Long:  "Claims a PENDING job and processes it to completion. The first SIGINT/SIGTERM pauses the job after the document in flight with reason system_shutdown; a second one aborts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runJobID == "" {
			return eris.New("--job is required")
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		env, err := initWorker(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			select {
			case <-sigs:
			case <-ctx.Done():
				return
			}
			zap.L().Info("shutdown requested, pausing after current document", zap.String("job_id", runJobID))
			env.Worker.Shutdown()
			select {
			case <-sigs:
				zap.L().Warn("second signal, aborting", zap.String("job_id", runJobID))
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := env.Worker.Run(ctx, runJobID); err != nil {
			return err
		}

		job, err := env.Store.GetJob(context.WithoutCancel(ctx), runJobID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func init() {
	runCmd.Flags().StringVar(&runJobID, "job", "", "job id to execute")
	rootCmd.AddCommand(runCmd)
}
