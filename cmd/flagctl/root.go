package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/flagfile"
)

var errValidationFailed = errors.New("validation failed")

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "flagctl",
		Short:        "Validate, evaluate and administer rollout feature flags",
		SilenceUsage: true,
	}

	root.AddCommand(
		newValidateCommand(),
		newEvalCommand(),
		newBucketCommand(),
		newAPIKeyCommand(defaultStoreOpener),
		newSyncCommand(defaultManagerFactory),
	)

	return root
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check flag files for configuration errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			for _, path := range args {
				flags, err := flagfile.Load(path)
				if err != nil {
					cmd.PrintErrln(err)
					failed = true
					continue
				}

				if err := flagfile.Validate(flags); err != nil {
					for _, problem := range core.ConfigurationErrors(err) {
						cmd.PrintErrf("%s: %v\n", path, problem)
					}
					failed = true
					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d flags)\n", path, len(flags))
			}

			if failed {
				return errValidationFailed
			}
			return nil
		},
	}
}

func newEvalCommand() *cobra.Command {
	var (
		file     string
		identity string
		tenant   string
		attrs    []string
	)

	cmd := &cobra.Command{
		Use:   "eval -f FILE --identity ID [NAME...]",
		Short: "Evaluate flags from a file against one context",
		Long: "Evaluate flags from a file against one context. Attribute values are\n" +
			"parsed as JSON when possible (numbers, booleans, lists) and as strings otherwise.\n" +
			"All flags in the file are evaluated when no names are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(identity) == "" {
				return errors.New("--identity is required")
			}

			flags, err := flagfile.Load(file)
			if err != nil {
				return err
			}
			if err := flagfile.Validate(flags); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			byName := make(map[string]core.FlagDefinition, len(flags))
			for _, flag := range flags {
				byName[flag.Name] = flag
			}

			names := args
			if len(names) == 0 {
				names = slices.Sorted(maps.Keys(byName))
			}

			lookup := func(name string) (core.FlagDefinition, bool) {
				flag, ok := byName[name]
				return flag, ok
			}
			evalContext := core.EvaluationContext{
				Identity:   identity,
				TenantID:   tenant,
				Attributes: attributes,
			}

			encoded, err := json.MarshalIndent(map[string]any{
				"results": core.EvaluateBatch(lookup, names, evalContext),
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encode results: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "flag file (YAML or JSON)")
	cmd.Flags().StringVar(&identity, "identity", "", "subject identity")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newBucketCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bucket SEED...",
		Short: "Print the bucket (0-99) of each seed",
		Long: "Print the bucket (0-99) of each seed. Seeds have the form\n" +
			"flag::ruleIndex::subject, flag::subject or flag::default::subject.",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, seed := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", seed, core.Bucket(seed))
			}
		},
	}
}

func parseAttributes(pairs []string) (map[string]core.Value, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	attributes := make(map[string]core.Value, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --attr %q: want key=value", pair)
		}

		var value core.Value
		if err := decodeAttribute(raw, &value); err != nil {
			value = core.StringValue(raw)
		}
		attributes[name] = value
	}

	return attributes, nil
}

func decodeAttribute(raw string, value *core.Value) error {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := decoder.Decode(value); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data")
	}
	return nil
}
