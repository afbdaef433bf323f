// Command yauthctl performs offline administration against the yauthd user
// store and session secret: schema migration, user lookup and session
// credential minting or verification.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"yauthd/client"
	"yauthd/server"
	"yauthd/store"
)

type options struct {
	configPath string
	envFile    string
	out        string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{
		envFile: ".env",
		out:     "text",
		timeout: 30 * time.Second,
	}

	root := &cobra.Command{
		Use:           "yauthctl",
		Short:         "Administrative commands for yauthd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "Path to optional YAML config (env YAUTHD_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", opts.envFile, "Dotenv file loaded before reading secrets")
	root.PersistentFlags().StringVar(&opts.out, "out", opts.out, "Output format: json|text")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", opts.timeout, "Timeout for store operations")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newUserCmd(opts))
	root.AddCommand(newSessionCmd(opts))
	return root
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the users schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			users, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer users.Close()

			if err := users.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return opts.print(cmd, map[string]any{"migrated": true}, "ok")
		},
	}
}

type userView struct {
	ID             int64      `json:"id"`
	Provider       string     `json:"provider"`
	ProviderUserID string     `json:"provider_user_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	ProfilePicture string     `json:"profile_picture"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func newUserCmd(opts *options) *cobra.Command {
	userCmd := &cobra.Command{Use: "user", Short: "Inspect stored users"}

	getCmd := &cobra.Command{
		Use:   "get <user-id>",
		Short: "Print a stored user without its provider tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			users, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer users.Close()

			u, err := users.GetUser(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %d not found", id)
			}
			if err != nil {
				return err
			}
			view := userView{
				ID:             u.ID,
				Provider:       u.Provider,
				ProviderUserID: u.ProviderUserID,
				Email:          u.Email,
				Name:           u.Name,
				ProfilePicture: u.ProfilePicture,
				TokenExpiresAt: u.TokenExpiresAt,
				CreatedAt:      u.CreatedAt,
				UpdatedAt:      u.UpdatedAt,
			}
			return opts.print(cmd, view, fmt.Sprintf("%d %s %s %s", u.ID, u.Provider, u.ProviderUserID, u.Email))
		},
	}

	userCmd.AddCommand(getCmd)
	return userCmd
}

func newSessionCmd(opts *options) *cobra.Command {
	sessionCmd := &cobra.Command{Use: "session", Short: "Mint or verify session credentials"}

	mintCmd := &cobra.Command{
		Use:   "mint <user-id>",
		Short: "Mint a session credential for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			issuer, err := server.NewSessionIssuer(cfg)
			if err != nil {
				return err
			}
			token, exp, err := issuer.Mint(id)
			if err != nil {
				return err
			}
			return opts.print(cmd, map[string]any{"token": token, "expires_at": exp.UTC()}, token)
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a session credential and print its subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			validator, err := client.NewValidator(client.ValidatorConfig{
				Secret: []byte(cfg.Sessions.Secret),
				Issuer: cfg.Sessions.Issuer,
			})
			if err != nil {
				return err
			}
			claims, err := validator.Validate(args[0])
			if err != nil {
				return fmt.Errorf("invalid session: %w", err)
			}
			userID, err := claims.UserID()
			if err != nil {
				return err
			}
			exp := claims.ExpiresAt.Time.UTC()
			return opts.print(cmd,
				map[string]any{"user_id": userID, "issuer": claims.Issuer, "expires_at": exp},
				fmt.Sprintf("user_id=%d expires_at=%s", userID, exp.Format(time.RFC3339)))
		},
	}

	sessionCmd.AddCommand(mintCmd)
	sessionCmd.AddCommand(verifyCmd)
	return sessionCmd
}

func (o *options) load() (server.Config, error) {
	if o.envFile != "" {
		if _, err := os.Stat(o.envFile); err == nil {
			if err := godotenv.Load(o.envFile); err != nil {
				return server.Config{}, fmt.Errorf("load %s: %w", o.envFile, err)
			}
		}
	}
	configPath := o.configPath
	if configPath == "" {
		configPath = os.Getenv("YAUTHD_CONFIG")
	}
	secrets, err := server.LoadSecrets()
	if err != nil {
		return server.Config{}, err
	}
	return server.LoadConfig(configPath, secrets)
}

func (o *options) print(cmd *cobra.Command, v any, text string) error {
	w := cmd.OutOrStdout()
	if o.out == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func openStore(ctx context.Context, cfg server.Config) (store.Users, error) {
	users, err := store.Open(ctx, store.Config{URI: cfg.Store.URI, MaxConns: cfg.Store.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return users, nil
}
