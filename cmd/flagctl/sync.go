package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	rollout "github.com/matt-riley/rollout/clients/go"
	rollouthttp "github.com/matt-riley/rollout/clients/go/http"
	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/flagfile"
)

// managerFactory builds the flag API client used by sync.
type managerFactory func(baseURL, apiKey string) rollout.FlagManager

func defaultManagerFactory(baseURL, apiKey string) rollout.FlagManager {
	return rollouthttp.NewHTTPClient(rollouthttp.Config{BaseURL: baseURL, APIKey: apiKey})
}

func newSyncCommand(newManager managerFactory) *cobra.Command {
	var (
		file    string
		baseURL string
		apiKey  string
		dryRun  bool
		prune   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync -f FILE",
		Short: "Push the flags in a file to a rollout server",
		Long: "Push the flags in a file to a rollout server. Missing flags are created\n" +
			"and changed ones updated; server-side descriptions are kept. With --prune,\n" +
			"flags absent from the file are deleted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(baseURL) == "" {
				return errors.New("--server or ROLLOUT_URL is required")
			}
			if strings.TrimSpace(apiKey) == "" {
				return errors.New("--api-key or ROLLOUT_API_KEY is required")
			}

			flags, err := flagfile.Load(file)
			if err != nil {
				return err
			}
			if err := flagfile.Validate(flags); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			s := syncer{
				manager: newManager(baseURL, apiKey),
				dryRun:  dryRun,
				report: func(action, name string) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", action, name)
				},
			}
			return s.run(ctx, flags, prune)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "flag file (YAML or JSON)")
	cmd.Flags().StringVar(&baseURL, "server", os.Getenv("ROLLOUT_URL"), "rollout server base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("ROLLOUT_API_KEY"), "write-capable API key (id.secret)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the changes without applying them")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete server flags missing from the file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

type syncer struct {
	manager rollout.FlagManager
	dryRun  bool
	report  func(action, name string)
}

func (s syncer) run(ctx context.Context, flags []core.FlagDefinition, prune bool) error {
	remote, err := s.manager.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("list flags: %w", err)
	}

	existing := make(map[string]rollout.Flag, len(remote))
	for _, flag := range remote {
		existing[flag.Name] = flag
	}

	wanted := make(map[string]struct{}, len(flags))
	for _, definition := range flags {
		wanted[definition.Name] = struct{}{}

		desired, err := toClientFlag(definition)
		if err != nil {
			return err
		}

		current, found := existing[definition.Name]
		switch {
		case !found:
			if err := s.apply("create", desired.Name, func() error {
				_, err := s.manager.CreateFlag(ctx, desired)
				return err
			}); err != nil {
				return err
			}
		case sameDefinition(current, desired):
			s.report("unchanged", desired.Name)
		default:
			desired.Description = current.Description
			if err := s.apply("update", desired.Name, func() error {
				_, err := s.manager.UpdateFlag(ctx, desired)
				return err
			}); err != nil {
				return err
			}
		}
	}

	if !prune {
		return nil
	}

	for _, flag := range remote {
		if _, keep := wanted[flag.Name]; keep {
			continue
		}
		if err := s.apply("delete", flag.Name, func() error {
			return s.manager.DeleteFlag(ctx, flag.Name)
		}); err != nil {
			return err
		}
	}

	return nil
}

// apply runs fn unless this is a dry run. action is "create", "update" or
// "delete".
func (s syncer) apply(action, name string, fn func() error) error {
	if s.dryRun {
		s.report("would "+action, name)
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s flag %q: %w", action, name, err)
	}
	s.report(action+"d", name)
	return nil
}

func toClientFlag(definition core.FlagDefinition) (rollout.Flag, error) {
	raw, err := json.Marshal(definition)
	if err != nil {
		return rollout.Flag{}, fmt.Errorf("encode flag %q: %w", definition.Name, err)
	}

	var flag rollout.Flag
	if err := json.Unmarshal(raw, &flag); err != nil {
		return rollout.Flag{}, fmt.Errorf("encode flag %q: %w", definition.Name, err)
	}
	return flag, nil
}

// sameDefinition compares the evaluated parts of two flags, ignoring
// metadata. An empty scope is the same as "user".
func sameDefinition(a, b rollout.Flag) bool {
	left, errA := json.Marshal(definitionOf(a))
	right, errB := json.Marshal(definitionOf(b))
	return errA == nil && errB == nil && bytes.Equal(left, right)
}

func definitionOf(flag rollout.Flag) rollout.Flag {
	if flag.Scope == "" {
		flag.Scope = string(core.ScopeUser)
	}
	flag.Description = ""
	flag.CreatedAt = time.Time{}
	flag.UpdatedAt = time.Time{}
	return flag
}
