// rotatorctl inspects and administers persisted rotator usage state.
//
// It operates directly on snapshot storage, so it can be used while the
// rotator process is down; against a live process, prefer the admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
	"github.com/vitaliisemenov/llm-rotator/internal/core/identity"
	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
	"github.com/vitaliisemenov/llm-rotator/internal/infrastructure/persistence"
	"github.com/vitaliisemenov/llm-rotator/pkg/logger"
)

var (
	configPath string
	storageDir string
)

func main() {
	root := &cobra.Command{
		Use:          "rotatorctl",
		Short:        "Inspect and administer rotator usage state",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to rotator config file")
	root.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "snapshot directory (overrides config)")

	root.AddCommand(statusCmd())
	root.AddCommand(cooldownCmd())
	root.AddCommand(clearCooldownCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*persistence.FileStore, error) {
	log := logger.New(logger.Config{Level: "warn", Output: "stderr"})

	dir := storageDir
	if dir == "" {
		cfg, err := config.Load(configPath, log)
		if err != nil {
			return nil, err
		}
		dir = cfg.Storage.Dir
	}
	return persistence.NewFileStore(dir, log), nil
}

// credentialSummary is the YAML-facing shape of one credential's status.
type credentialSummary struct {
	Credential  string `yaml:"credential"`
	Priority    int    `yaml:"priority"`
	Requests    int64  `yaml:"requests"`
	Successes   int64  `yaml:"successes"`
	Failures    int64  `yaml:"failures"`
	TotalTokens int64  `yaml:"total_tokens"`
	Cooldowns   int    `yaml:"active_cooldowns"`
	Exhausted   int    `yaml:"exhausted_scopes"`
}

func statusCmd() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "status <provider>",
		Short: "Show per-credential usage, cooldowns, and fair-cycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			store, err := openStore()
			if err != nil {
				return err
			}

			snapshot, err := store.Load(context.Background(), provider)
			if err != nil {
				return err
			}
			if snapshot == nil {
				fmt.Printf("no usage state for provider %q\n", provider)
				return nil
			}

			if asYAML {
				return printYAML(snapshot.Credentials)
			}

			ids := make([]string, 0, len(snapshot.Credentials))
			for id := range snapshot.Credentials {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			now := time.Now()
			fmt.Printf("provider %s, %d credentials (updated %s)\n\n",
				provider, len(ids), snapshot.UpdatedAt.Format(time.RFC3339))

			for _, id := range ids {
				state := snapshot.Credentials[id]
				fmt.Printf("%s  prio=%d  req=%d ok=%d fail=%d tokens=%d\n",
					identity.Mask(state.Accessor),
					state.Priority,
					state.Totals.RequestCount,
					state.Totals.SuccessCount,
					state.Totals.FailureCount,
					state.Totals.TotalTokens,
				)
				printCooldowns(state, now)
				printFairCycle(state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "emit a machine-readable YAML summary")
	return cmd
}

func printYAML(credentials map[string]*usage.CredentialState) error {
	now := time.Now()
	summaries := make([]credentialSummary, 0, len(credentials))
	for _, state := range credentials {
		active := 0
		for _, cd := range state.Cooldowns {
			if cd.ActiveAt(now) {
				active++
			}
		}
		exhausted := 0
		for _, fc := range state.FairCycle {
			if fc.Exhausted {
				exhausted++
			}
		}
		summaries = append(summaries, credentialSummary{
			Credential:  identity.Mask(state.Accessor),
			Priority:    state.Priority,
			Requests:    state.Totals.RequestCount,
			Successes:   state.Totals.SuccessCount,
			Failures:    state.Totals.FailureCount,
			TotalTokens: state.Totals.TotalTokens,
			Cooldowns:   active,
			Exhausted:   exhausted,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Credential < summaries[j].Credential
	})

	out, err := yaml.Marshal(summaries)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func printCooldowns(state *usage.CredentialState, now time.Time) {
	keys := make([]string, 0, len(state.Cooldowns))
	for key := range state.Cooldowns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cd := state.Cooldowns[key]
		if !cd.ActiveAt(now) {
			continue
		}
		fmt.Printf("    cooldown %s: %s, %s remaining (backoff %d)\n",
			key, cd.Reason, cd.RemainingAt(now).Round(time.Second), cd.BackoffCount)
	}
}

func printFairCycle(state *usage.CredentialState) {
	keys := make([]string, 0, len(state.FairCycle))
	for key := range state.FairCycle {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fc := state.FairCycle[key]
		if !fc.Exhausted {
			continue
		}
		fmt.Printf("    fair-cycle %s: exhausted (%s), cycle requests %d\n",
			key, fc.ExhaustedReason, fc.CycleRequestCount)
	}
}

func cooldownCmd() *cobra.Command {
	var durationSecs int
	var reason, scope string

	cmd := &cobra.Command{
		Use:   "cooldown <provider> <accessor>",
		Short: "Apply a manual cooldown to a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, accessor := args[0], args[1]
			store, err := openStore()
			if err != nil {
				return err
			}

			ctx := context.Background()
			snapshot, err := store.Load(ctx, provider)
			if err != nil {
				return err
			}
			if snapshot == nil {
				snapshot = persistence.NewSnapshot()
			}

			state := findState(snapshot, provider, accessor)
			now := time.Now()
			key := scope
			if key == "" {
				key = usage.CooldownGlobalKey
			}
			state.Cooldowns[key] = &usage.Cooldown{
				Reason:    reason,
				Until:     now.Add(time.Duration(durationSecs) * time.Second),
				StartedAt: now,
				Source:    "rotatorctl",
				Scope:     scope,
			}

			if err := store.Save(ctx, provider, snapshot); err != nil {
				return err
			}
			fmt.Printf("cooldown applied to %s for %ds\n", identity.Mask(accessor), durationSecs)
			return nil
		},
	}
	cmd.Flags().IntVar(&durationSecs, "duration", 1800, "cooldown duration in seconds")
	cmd.Flags().StringVar(&reason, "reason", "manual", "cooldown reason")
	cmd.Flags().StringVar(&scope, "scope", "", "model or quota group (empty = credential-wide)")
	return cmd
}

func clearCooldownCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "clear-cooldown <provider> <accessor>",
		Short: "Clear a credential's cooldown",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, accessor := args[0], args[1]
			store, err := openStore()
			if err != nil {
				return err
			}

			ctx := context.Background()
			snapshot, err := store.Load(ctx, provider)
			if err != nil {
				return err
			}
			if snapshot == nil {
				fmt.Printf("no usage state for provider %q\n", provider)
				return nil
			}

			state := findState(snapshot, provider, accessor)
			key := scope
			if key == "" {
				key = usage.CooldownGlobalKey
			}
			delete(state.Cooldowns, key)

			if err := store.Save(ctx, provider, snapshot); err != nil {
				return err
			}
			fmt.Printf("cooldown cleared on %s\n", identity.Mask(accessor))
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "model or quota group (empty = credential-wide)")
	return cmd
}

// findState locates the state for an accessor in a snapshot, creating one
// when absent so admin commands work on not-yet-used credentials.
func findState(snapshot *persistence.Snapshot, provider, accessor string) *usage.CredentialState {
	registry := identity.NewRegistry(nil)
	registry.LoadAccessorIndex(snapshot.AccessorIndex, provider)
	stableID := registry.StableID(accessor, provider)

	if state, ok := snapshot.Credentials[stableID]; ok {
		return state
	}
	state := usage.NewCredentialState(stableID, provider, accessor, time.Now())
	snapshot.Credentials[stableID] = state
	snapshot.AccessorIndex[stableID] = accessor
	return state
}
