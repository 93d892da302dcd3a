package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/limits/rules"
)

var validateFlags struct {
	rulesFile string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and rules",
	Long: `Load the configuration and the rules file and report every problem found.

Nothing is started and the store is not opened.

Examples:
  # Validate config and the rules file it names
  warden validate --config warden.yaml

  # Validate a different rules file
  warden validate --rules staging-rules.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.rulesFile, "rules", "", "rules file (default: limits.rules_file)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	source := cfgFile
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(out, "✓ Configuration valid (%s)\n", source)

	path := validateFlags.rulesFile
	if path == "" {
		path = cfg.Limits.RulesFile
	}
	set, err := rules.Load(path)
	if err != nil {
		return cli.NewConfigError("limits.rules_file", err.Error())
	}
	fmt.Fprintf(out, "✓ Rules valid (%d rules in %s)\n", set.Len(), path)

	for _, r := range set.Rules {
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = "*"
		}
		fmt.Fprintf(out, "  - %s: %s, %d per %s on %s\n", r.Name, r.KeyType, r.Limit, r.Window, endpoint)
	}
	return nil
}
