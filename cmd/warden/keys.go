package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/proxy/handlers"
)

// keyFlags identify one rate limit key on the command line.
type keyFlags struct {
	keyType  string
	id       string
	endpoint string
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keyType, "key-type", "", "key type: ip, user, api_key, endpoint")
	cmd.Flags().StringVar(&f.id, "id", "", "subject identifier (IP, user ID or API key)")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "request path for endpoint keys, or the rule prefix for scoped ip/user/api_key keys")
	_ = cmd.MarkFlagRequired("key-type")
	_ = cmd.MarkFlagRequired("id")
}

func (f *keyFlags) key() (storage.Key, error) {
	key, errResp := handlers.KeyRequest{
		KeyType:  f.keyType,
		ID:       f.id,
		Endpoint: f.endpoint,
	}.Key()
	if errResp != nil {
		return storage.Key{}, fmt.Errorf("invalid key: %s", errResp.Error.Message)
	}
	return key, nil
}

// displayKey prints a key without leaking raw API keys.
func displayKey(k storage.Key) string {
	id := k.ID
	if k.Type == storage.KeyTypeAPIKey || k.Type == storage.KeyTypeEndpoint {
		id = proxy.RedactAPIKey(id)
	}
	if path, ok := k.Endpoint.Path(); ok {
		return fmt.Sprintf("%s:%s %s", k.Type, id, path)
	}
	return fmt.Sprintf("%s:%s", k.Type, id)
}

var (
	usageFlags   keyFlags
	unblockFlags keyFlags
	resetFlags   keyFlags
	keysOutput   string
)

// usageResult adds text rendering to the admin API's usage document.
type usageResult struct {
	handlers.UsageResponse
	display string
}

func (u usageResult) Fields() []cli.Field {
	if !u.Found {
		return []cli.Field{{Name: "Key", Value: u.display}, {Name: "Found", Value: false}}
	}
	fields := []cli.Field{
		{Name: "Key", Value: u.display},
		{Name: "Found", Value: true},
		{Name: "Current Load", Value: u.CurrentLoad},
		{Name: "Window Requests", Value: u.CurrentWindowCount},
		{Name: "Lifetime Requests", Value: u.TotalRequestsLifetime},
		{Name: "Blocked", Value: u.IsBlocked},
		{Name: "Consecutive Blocks", Value: u.ConsecutiveBlockCount},
	}
	if u.BlockedUntil != nil {
		fields = append(fields, cli.Field{Name: "Blocked Until", Value: u.BlockedUntil.Format(time.RFC3339)})
	}
	if u.ExpiresAt != nil {
		fields = append(fields, cli.Field{Name: "Expires At", Value: u.ExpiresAt.Format(time.RFC3339)})
	}
	return fields
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show the record for a key",
	Long: `Show the current window load, lifetime count and block state of one key.

Examples:
  warden usage --key-type ip --id 10.0.0.1
  warden usage --key-type endpoint --id sk-abc --endpoint /v1/chat --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseFormat(keysOutput)
		if err != nil {
			return err
		}
		key, err := usageFlags.key()
		if err != nil {
			return err
		}

		o, err := openOffline(cmd)
		if err != nil {
			return err
		}
		defer o.Close()

		usage, err := o.engine.GetUsage(cmd.Context(), key)
		if err != nil {
			return cli.NewCommandError("usage", err)
		}

		result := usageResult{UsageResponse: handlers.NewUsageResponse(usage), display: displayKey(key)}
		if format == cli.FormatJSON {
			return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), result.UsageResponse)
		}
		return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), result)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Lift an active block on a key",
	Long: `Lift the block on a key and clear its consecutive block count.
Window history is kept. Unblocking a key that is not blocked is a no-op.

Example:
  warden unblock --key-type api_key --id sk-abc`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := unblockFlags.key()
		if err != nil {
			return err
		}

		o, err := openOffline(cmd)
		if err != nil {
			return err
		}
		defer o.Close()

		changed, err := o.engine.Unblock(cmd.Context(), key)
		if err != nil {
			return cli.NewCommandError("unblock", err)
		}

		if changed {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Unblocked %s\n", displayKey(key))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s was not blocked\n", displayKey(key))
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the record for a key",
	Long: `Delete all state for a key. Its next request starts from an empty window.

Example:
  warden reset --key-type user --id 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := resetFlags.key()
		if err != nil {
			return err
		}

		o, err := openOffline(cmd)
		if err != nil {
			return err
		}
		defer o.Close()

		if err := o.engine.Reset(cmd.Context(), key); err != nil {
			return cli.NewCommandError("reset", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Reset %s\n", displayKey(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usageCmd, unblockCmd, resetCmd)

	usageFlags.register(usageCmd)
	unblockFlags.register(unblockCmd)
	resetFlags.register(resetCmd)

	usageCmd.Flags().StringVarP(&keysOutput, "output", "o", "text", "output format: text, json")
}
