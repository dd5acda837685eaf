package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/murmur-chat/murmur/hub/internal/wizard"
	"github.com/murmur-chat/murmur/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			if defaults {
				if output == "" {
					output = wizard.DefaultOutputPath
				}
				if err := wizard.WriteDefaults(output); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", output)
				return nil
			}

			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			return wizard.New(p).Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./murmur-hub.json)")
	cmd.Flags().Bool("defaults", false, "write a default config without prompting")
	return cmd
}
