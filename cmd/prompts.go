package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage extraction prompts",
}

var (
	promptsProject  string
	promptsVariable string
)

var promptsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Regenerate the active prompt of a variable or of every variable in a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (promptsProject == "") == (promptsVariable == "") {
			return eris.New("exactly one of --project or --variable is required")
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids := []string{promptsVariable}
		if promptsProject != "" {
			vars, err := st.ListVariables(ctx, promptsProject)
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, v := range vars {
				ids = append(ids, v.ID)
			}
		}

		svc := prompt.NewService(st, cfg.Anthropic.Model)
		out := make([]*model.Prompt, 0, len(ids))
		for _, id := range ids {
			p, err := svc.Refresh(ctx, id)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"prompts": out})
	},
}

func init() {
	promptsGenerateCmd.Flags().StringVar(&promptsProject, "project", "", "project id")
	promptsGenerateCmd.Flags().StringVar(&promptsVariable, "variable", "", "variable id")
	promptsCmd.AddCommand(promptsGenerateCmd)
	rootCmd.AddCommand(promptsCmd)
}
