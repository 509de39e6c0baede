package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/shardq/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the shardq version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", string(outputText):
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
				return err
			case string(outputJSON):
				return writeJSON(cmd.OutOrStdout(), version.Get())
			case "yaml":
				out, err := yaml.Marshal(version.Get())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			default:
				return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
			}
		},
	}
	return cmd
}
