package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hexlab.xyz/bluetap/internal/config"
)

// configCmd prints the effective configuration after defaults, file and
// environment overrides have been merged, in the same YAML shape the config
// file uses.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(map[string]*config.Config{"bluetap": cfg})
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		cmd.Print(string(out))
		return nil
	},
}
