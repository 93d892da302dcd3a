package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
)

const testRules = `rules:
  - name: per-ip
    key_type: ip
    limit: 2
    window: 1m
  - name: chat
    key_type: endpoint
    endpoint: /v1/chat
    limit: 10
    window: 30s
    weight: 4
`

// writeTestConfig creates a SQLite-backed config and rules file in a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(testRules), 0o600); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}

	cfg := `limits:
  storage:
    backend: sqlite
    sqlite:
      path: ` + filepath.Join(dir, "warden.db") + `
  rules_file: ` + rulesPath + `
telemetry:
  logging:
    level: error
`
	cfgPath := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return cfgPath
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	config.SetConfig(nil)
	t.Cleanup(func() { config.SetConfig(nil) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck_ThrottlesAfterLimit(t *testing.T) {
	cfgPath := writeTestConfig(t)
	args := []string{"check", "--config", cfgPath, "--key-type", "ip", "--id", "10.0.0.1", "--rule", "per-ip", "--output", "json"}

	for i := 0; i < 2; i++ {
		out, err := execute(t, args...)
		if err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
		var res checkResult
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatalf("invalid JSON output %q: %v", out, err)
		}
		if !res.Allowed {
			t.Errorf("check %d: expected admitted", i+1)
		}
		if res.Remaining != 1-i {
			t.Errorf("check %d: expected remaining %d, got %d", i+1, 1-i, res.Remaining)
		}
	}

	out, err := execute(t, args...)
	if !errors.Is(err, cli.ErrThrottled) {
		t.Fatalf("Expected ErrThrottled, got %v", err)
	}
	if cli.ExitCode(err) != cli.ExitThrottled {
		t.Errorf("Expected exit code %d, got %d", cli.ExitThrottled, cli.ExitCode(err))
	}
	if !strings.Contains(out, `"allowed": false`) {
		t.Errorf("Expected denied verdict in output, got %q", out)
	}
}

func TestCheck_RuleScopesKey(t *testing.T) {
	cfgPath := writeTestConfig(t)
	scoped := `rules:
  - name: per-ip
    key_type: ip
    limit: 5
    window: 1m
  - name: search-ip
    key_type: ip
    endpoint: /search
    limit: 1
    window: 1m
`
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), "rules.yaml"), []byte(scoped), 0o600); err != nil {
		t.Fatal(err)
	}
	key := []string{"--config", cfgPath, "--key-type", "ip", "--id", "10.0.0.9", "--endpoint", ""}
	search := append([]string{"check", "--rule", "search-ip", "--weight", "0"}, key...)

	if _, err := execute(t, search...); err != nil {
		t.Fatalf("first search check failed: %v", err)
	}
	if _, err := execute(t, search...); !errors.Is(err, cli.ErrThrottled) {
		t.Fatalf("Expected second search check throttled, got %v", err)
	}
	// The global rule keeps its own record.
	if _, err := execute(t, append([]string{"check", "--rule", "per-ip", "--weight", "0"}, key...)...); err != nil {
		t.Errorf("Expected global rule to admit, got %v", err)
	}

	out, err := execute(t, "usage", "--output", "json", "--config", cfgPath, "--key-type", "ip", "--id", "10.0.0.9", "--endpoint", "/search")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	var usage struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal([]byte(out), &usage); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if !usage.Found {
		t.Error("Expected the search-ip record under the /search scope")
	}
}

func TestUsageUnblockReset(t *testing.T) {
	cfgPath := writeTestConfig(t)
	key := []string{"--config", cfgPath, "--key-type", "user", "--id", "42", "--endpoint", ""}
	check := append([]string{"check", "--limit", "1", "--window", "1m", "--weight", "1", "--rule", ""}, key...)

	if _, err := execute(t, check...); err != nil {
		t.Fatalf("first check failed: %v", err)
	}
	if _, err := execute(t, check...); !errors.Is(err, cli.ErrThrottled) {
		t.Fatalf("Expected second check throttled, got %v", err)
	}

	out, err := execute(t, append([]string{"usage", "--output", "text"}, key...)...)
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	for _, want := range []string{"Key:", "user:42", "Blocked:", "true", "Consecutive Blocks:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected usage output to contain %q, got %q", want, out)
		}
	}

	out, err = execute(t, append([]string{"unblock"}, key...)...)
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if !strings.Contains(out, "Unblocked user:42") {
		t.Errorf("Unexpected unblock output %q", out)
	}

	out, err = execute(t, append([]string{"unblock"}, key...)...)
	if err != nil {
		t.Fatalf("second unblock failed: %v", err)
	}
	if !strings.Contains(out, "was not blocked") {
		t.Errorf("Expected idempotent unblock, got %q", out)
	}

	if _, err := execute(t, append([]string{"reset"}, key...)...); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	out, err = execute(t, append([]string{"usage", "--output", "json"}, key...)...)
	if err != nil {
		t.Fatalf("usage after reset failed: %v", err)
	}
	var usage struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal([]byte(out), &usage); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if usage.Found {
		t.Error("Expected no record after reset")
	}
}

func TestCheck_InvalidKey(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "check", "--config", cfgPath, "--key-type", "tenant", "--id", "x", "--limit", "1", "--rule", "")
	if err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Errorf("Expected invalid key error, got %v", err)
	}
}

func TestCheck_UnknownRule(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "check", "--config", cfgPath, "--key-type", "ip", "--id", "10.0.0.9", "--rule", "nope")
	if err == nil || !strings.Contains(err.Error(), `rule "nope" not found`) {
		t.Errorf("Expected rule not found error, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "sweep", "--config", cfgPath)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out, "Swept 0 expired records") {
		t.Errorf("Unexpected sweep output %q", out)
	}
}

func TestValidate(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "validate", "--config", cfgPath, "--rules", "")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"Configuration valid", "Rules valid (2 rules", "per-ip: ip, 2 per 1m0s on *", "chat: endpoint, 10 per 30s on /v1/chat"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected validate output to contain %q, got %q", want, out)
		}
	}
}

func TestValidate_BadRules(t *testing.T) {
	cfgPath := writeTestConfig(t)
	bad := filepath.Join(filepath.Dir(cfgPath), "bad.yaml")
	if err := os.WriteFile(bad, []byte("rules:\n  - name: a\n    key_type: tenant\n    limit: 1\n    window: 1s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "validate", "--config", cfgPath, "--rules", bad)
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("Expected config exit code, got %d (%v)", cli.ExitCode(err), err)
	}
}

func TestValidate_BadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(cfgPath, []byte("limits:\n  storage:\n    backend: etcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "validate", "--config", cfgPath, "--rules", "")
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("Expected config exit code, got %d (%v)", cli.ExitCode(err), err)
	}
}

func TestRun_DryRun(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, "run", "--config", cfgPath, "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run failed: %v", err)
	}
	if !strings.Contains(out, "Rules valid (2 rules)") {
		t.Errorf("Unexpected dry-run output %q", out)
	}
}

func TestCompletion(t *testing.T) {
	out, err := execute(t, "completion", "bash")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !strings.Contains(out, "warden") {
		t.Error("Expected bash completion script to mention warden")
	}
}
