package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-go/evalroom/pkg/core/rubric"
)

func newRubricCmd(deps appDeps) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "rubric",
		Short: "Print the effective scoring rubric as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, _, err := loadRuntime(deps)
				if err != nil {
					return err
				}
				file = cfg.RubricFile
			}

			r, err := rubric.Load(file)
			if err != nil {
				return err
			}
			out, err := r.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rubric YAML to validate and print instead of EVALROOM_RUBRIC_FILE")
	return cmd
}
