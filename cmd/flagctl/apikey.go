package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/rollout/internal/repository"
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, tenantID, name string, canWrite bool) (string, string, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]repository.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error
}

// storeOpener connects to the key store; the returned func releases it.
type storeOpener func(ctx context.Context, databaseURL string) (apiKeyStore, func(), error)

func defaultStoreOpener(ctx context.Context, databaseURL string) (apiKeyStore, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func newAPIKeyCommand(open storeOpener) *cobra.Command {
	var (
		databaseURL string
		tenant      string
	)

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant that owns the keys")

	withStore := func(cmd *cobra.Command, fn func(context.Context, apiKeyStore) error) error {
		if strings.TrimSpace(databaseURL) == "" {
			return errors.New("--database-url or DATABASE_URL is required")
		}
		if strings.TrimSpace(tenant) == "" {
			return errors.New("--tenant is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		store, closeStore, err := open(ctx, databaseURL)
		if err != nil {
			return err
		}
		defer closeStore()

		return fn(ctx, store)
	}

	var (
		name     string
		canWrite bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its bearer token once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store apiKeyStore) error {
				id, secret, err := store.CreateAPIKey(ctx, tenant, name, canWrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\ntoken: %s.%s\n", id, id, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "human readable key name")
	create.Flags().BoolVar(&canWrite, "write", false, "allow flag mutations and audit log access")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store apiKeyStore) error {
				keys, err := store.ListAPIKeys(ctx, tenant)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tWRITE\tCREATED\tREVOKED")
				for _, key := range keys {
					revoked := "-"
					if key.RevokedAt != nil {
						revoked = key.RevokedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
						key.ID, key.Name, key.CanWrite, key.CreatedAt.UTC().Format(time.RFC3339), revoked)
				}
				return w.Flush()
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store apiKeyStore) error {
				if err := store.RevokeAPIKey(ctx, tenant, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}
