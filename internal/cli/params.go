package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newParamsCmd(s *state) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the effective model parameters as YAML",
		Long: `Print the model parameters after defaults, the preset file and any
--set overrides are applied. The output can be used as a preset file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) > 0 {
				u, err := parseSets(sets)
				if err != nil {
					return err
				}
				s.engine.Params.Set(u)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(s.engine.Params.Get()); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a model parameter, e.g. temperature=0.2")
	return cmd
}
