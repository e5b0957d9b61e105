package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/docextract/internal/importer"
	"github.com/sells-group/docextract/internal/prompt"
)

var importSkipPrompts bool

var importCmd = &cobra.Command{
	Use:   "import <project.yaml>",
	Short: "Import a project, its variables and documents from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var prompts importer.PromptRefresher
		if !importSkipPrompts {
			prompts = prompt.NewService(st, cfg.Anthropic.Model)
		}
		im, err := importer.New(st, prompts)
		if err != nil {
			return err
		}

		f, err := im.Load(args[0])
		if err != nil {
			return err
		}
		res, err := im.Import(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"project_id":   res.Project.ID,
			"variable_ids": res.VariableIDs,
			"document_ids": res.DocumentIDs,
			"prompts":      res.Prompts,
		})
	},
}

func init() {
	importCmd.Flags().BoolVar(&importSkipPrompts, "skip-prompts", false, "do not generate prompts for the imported variables")
	rootCmd.AddCommand(importCmd)
}
