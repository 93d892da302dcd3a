package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/limits/storage"
)

var checkFlags struct {
	key    keyFlags
	rule   string
	limit  int
	window time.Duration
	weight float64
	output string
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Record one request for a key and print the verdict",
	Long: `Run one admission check against the configured store.

The request is recorded exactly as the gateway would record it, so repeated
checks consume the key's budget. The limit comes from --limit/--window or
from a named rule in the rules file.

Exit status is 0 when admitted and 3 when throttled.

Examples:
  warden check --key-type ip --id 10.0.0.1 --limit 100 --window 1m
  warden check --key-type api_key --id sk-abc --rule per-key --weight 5`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkFlags.key.register(checkCmd)
	checkCmd.Flags().StringVar(&checkFlags.rule, "rule", "", "take limit and window from this rule in limits.rules_file")
	checkCmd.Flags().IntVar(&checkFlags.limit, "limit", 0, "maximum weighted load per window")
	checkCmd.Flags().DurationVar(&checkFlags.window, "window", time.Minute, "sliding window duration")
	checkCmd.Flags().Float64Var(&checkFlags.weight, "weight", 0, "request weight (default: rule weight or 1)")
	checkCmd.Flags().StringVarP(&checkFlags.output, "output", "o", "text", "output format: text, json")
}

// checkResult is the printed form of a verdict.
type checkResult struct {
	Key               string    `json:"key"`
	Allowed           bool      `json:"allowed"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
}

func newCheckResult(key storage.Key, v *limits.Verdict) checkResult {
	return checkResult{
		Key:               displayKey(key),
		Allowed:           v.Allowed,
		Limit:             v.Limit,
		Remaining:         v.Remaining,
		ResetTime:         v.ResetTime,
		RetryAfterSeconds: v.RetryAfter.Seconds(),
	}
}

func (r checkResult) Fields() []cli.Field {
	verdict := "✓ admitted"
	if !r.Allowed {
		verdict = "✗ throttled"
	}
	fields := []cli.Field{
		{Name: "Key", Value: r.Key},
		{Name: "Verdict", Value: verdict},
		{Name: "Limit", Value: r.Limit},
		{Name: "Remaining", Value: r.Remaining},
		{Name: "Reset", Value: r.ResetTime.Format(time.RFC3339)},
	}
	if !r.Allowed {
		fields = append(fields, cli.Field{Name: "Retry After", Value: time.Duration(r.RetryAfterSeconds * float64(time.Second)).String()})
	}
	return fields
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(checkFlags.output)
	if err != nil {
		return err
	}
	key, err := checkFlags.key.key()
	if err != nil {
		return err
	}

	o, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer o.Close()

	limit, window, weight := checkFlags.limit, checkFlags.window, checkFlags.weight
	if checkFlags.rule != "" {
		rule, err := findRule(o.cfg.Limits.RulesFile, checkFlags.rule)
		if err != nil {
			return err
		}
		limit, window = rule.Limit, rule.Window
		if key.Type != storage.KeyTypeEndpoint && checkFlags.key.endpoint == "" {
			key.Endpoint = rule.Scope()
		}
		if weight == 0 {
			weight = rule.Weight
		}
	}
	if weight == 0 {
		weight = 1
	}

	verdict, err := o.engine.CheckAndRecord(cmd.Context(), key, limit, window, weight)
	if err != nil {
		return cli.NewCommandError("check", err)
	}

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), newCheckResult(key, verdict)); err != nil {
		return err
	}
	if !verdict.Allowed {
		return cli.NewCommandError("check", cli.ErrThrottled)
	}
	return nil
}

// findRule loads the rules file and returns the rule named name.
func findRule(path, name string) (rules.Rule, error) {
	set, err := rules.Load(path)
	if err != nil {
		return rules.Rule{}, cli.NewConfigError("limits.rules_file", err.Error())
	}
	for _, r := range set.Rules {
		if r.Name == name {
			return r, nil
		}
	}
	return rules.Rule{}, fmt.Errorf("rule %q not found in %s", name, path)
}
