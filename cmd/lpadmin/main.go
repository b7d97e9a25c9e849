// lpadmin administers the launchpad system-of-record directly: user and
// application provisioning, access rules, and emergency session kills.
// It runs against the same config file as the server and needs database
// access; role and status changes go through the broadcaster so trust
// epochs and token revocation behave exactly as they do in the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/config"
	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/security/password"
	sectoken "github.com/epicdev/launchpad/internal/security/token"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/store/memory"
	"github.com/epicdev/launchpad/internal/store/pg"
	"github.com/epicdev/launchpad/internal/token"
)

type env struct {
	cfg   *config.Config
	store core.Repository
	bcast *session.Broadcaster
	close func()
}

func openEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, close: func() {}}

	switch cfg.Storage.Driver {
	case "postgres":
		st, err := pg.New(ctx, cfg.Storage.DSN, pg.Tuning{
			MaxConns:        2,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		e.store = st
		e.close = st.Close
	default:
		e.store = memory.New()
	}

	// Revocation plumbing so role/status edits kill live sessions the
	// same way the admin API does. Signing keys are irrelevant here; the
	// broadcaster only revokes, never mints.
	k, err := token.GenerateKey("lpadmin")
	if err != nil {
		return nil, err
	}
	ring, err := token.NewKeyring(k)
	if err != nil {
		return nil, err
	}
	accessTTL, _ := cfg.AccessTTL()
	refreshTTL, _ := cfg.RefreshTTL()
	rec := audit.NewOutboxRecorder(e.store)
	tokens := token.NewService(e.store, token.NewIssuer(cfg.JWT.Issuer, ring, accessTTL), rec, refreshTTL, 0)

	var notifier session.Notifier
	if cfg.AMQP.Enabled {
		notifier = &session.AMQPNotifier{URL: cfg.AMQP.URL}
	}
	e.bcast = session.NewBroadcaster(e.store, tokens, notifier)
	return e, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func main() {
	_ = godotenv.Load()
	logger.Init(logger.Config{Env: "dev", Level: "warn"})

	var configPath string
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var e *env
	root := &cobra.Command{
		Use:           "lpadmin",
		Short:         "launchpad administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			e, err = openEnv(ctx, configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e != nil {
				e.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LP_CONFIG"), "path to config yaml")

	root.AddCommand(userCmd(ctx, &e), appCmd(ctx, &e), ruleCmd(ctx, &e))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func userCmd(ctx context.Context, e **env) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "manage users"}

	var email, name, pass, role, tier string
	create := &cobra.Command{
		Use:   "create",
		Short: "create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := core.ParseRole(role)
			if err != nil {
				return err
			}
			t, err := core.ParseTier(tier)
			if err != nil {
				return err
			}
			if len(pass) < 12 {
				return fmt.Errorf("password must be at least 12 characters")
			}
			phc, err := password.Hash(password.Default, pass)
			if err != nil {
				return err
			}
			u := &core.User{Email: email, Name: name, Role: r, Status: core.StatusActive, Tier: t, PasswordHash: &phc}
			if err := (*e).store.CreateUser(ctx, u); err != nil {
				return err
			}
			printJSON(map[string]string{"id": u.ID, "email": u.Email})
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "email (required)")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&pass, "password", "", "initial password (required)")
	create.Flags().StringVar(&role, "role", "user", "user|admin")
	create.Flags().StringVar(&tier, "tier", "free", "free|pro|enterprise|custom")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")

	setRole := &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "change a user's role (kills their sessions)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := core.ParseRole(args[1])
			if err != nil {
				return err
			}
			u, err := (*e).bcast.ChangeRole(ctx, nil, args[0], r)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"id": u.ID, "role": u.Role, "trust_epoch": u.TrustEpoch})
			return nil
		},
	}

	setStatus := &cobra.Command{
		Use:   "status <user-id> <status>",
		Short: "change a user's status (kills their sessions)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := core.ParseStatus(args[1])
			if err != nil {
				return err
			}
			u, err := (*e).bcast.ChangeStatus(ctx, nil, args[0], s)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"id": u.ID, "status": u.Status, "trust_epoch": u.TrustEpoch})
			return nil
		},
	}

	logoutAll := &cobra.Command{
		Use:   "logout-all <user-id>",
		Short: "invalidate every session and refresh token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*e).bcast.InvalidateAllSessions(ctx, nil, args[0])
		},
	}

	cmd.AddCommand(create, setRole, setStatus, logoutAll)
	return cmd
}

func appCmd(ctx context.Context, e **env) *cobra.Command {
	cmd := &cobra.Command{Use: "app", Short: "manage applications"}

	var name, desc, logo string
	var redirects, scopes []string
	var confidential bool
	create := &cobra.Command{
		Use:   "create",
		Short: "register an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := sectoken.GenerateOpaqueToken(12)
			if err != nil {
				return err
			}
			a := &core.Application{
				ClientID:     clientID,
				Name:         name,
				Description:  desc,
				LogoURL:      logo,
				RedirectURIs: redirects,
				Scopes:       scopes,
				Active:       true,
			}
			out := map[string]string{"client_id": clientID}
			if confidential {
				secret, err := sectoken.GenerateOpaqueToken(32)
				if err != nil {
					return err
				}
				if a.SecretHash, err = password.Hash(password.Default, secret); err != nil {
					return err
				}
				out["client_secret"] = secret
			}
			if err := (*e).store.CreateApplication(ctx, a); err != nil {
				return err
			}
			out["id"] = a.ID
			printJSON(out)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "application name (required)")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().StringVar(&logo, "logo-url", "", "logo URL")
	create.Flags().StringSliceVar(&redirects, "redirect-uri", nil, "allowed redirect URI (repeatable, required)")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "allowed scope (repeatable)")
	create.Flags().BoolVar(&confidential, "confidential", false, "issue a client secret")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("redirect-uri")

	var includeInactive bool
	list := &cobra.Command{
		Use:   "list",
		Short: "list applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			apps, err := (*e).store.ListApplications(ctx, includeInactive)
			if err != nil {
				return err
			}
			printJSON(apps)
			return nil
		},
	}
	list.Flags().BoolVar(&includeInactive, "all", false, "include deactivated apps")

	cmd.AddCommand(create, list)
	return cmd
}

func ruleCmd(ctx context.Context, e **env) *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "manage access rules"}

	var mode string
	var users, tiers []string
	set := &cobra.Command{
		Use:   "set <app-id>",
		Short: "set the access rule for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := core.ParseAccessMode(mode)
			if err != nil {
				return err
			}
			rule := &core.AccessRule{AppID: args[0], Mode: m, UserIDs: users, UpdatedBy: "lpadmin"}
			for _, t := range tiers {
				tier, err := core.ParseTier(t)
				if err != nil {
					return err
				}
				rule.Tiers = append(rule.Tiers, tier)
			}
			saved, err := (*e).store.UpsertAccessRule(ctx, rule)
			if err != nil {
				return err
			}
			// A running server converges within its registry cache TTL;
			// only API writes invalidate synchronously.
			printJSON(saved)
			return nil
		},
	}
	set.Flags().StringVar(&mode, "mode", "", "all_users|all_except|only_specified|subscription_tier")
	set.Flags().StringSliceVar(&users, "user", nil, "user id operand (repeatable)")
	set.Flags().StringSliceVar(&tiers, "tier", nil, "tier operand (repeatable)")
	_ = set.MarkFlagRequired("mode")

	clear := &cobra.Command{
		Use:   "clear <app-id>",
		Short: "remove the access rule (back to allow-all)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*e).store.DeleteAccessRule(ctx, args[0])
		},
	}

	cmd.AddCommand(set, clear)
	return cmd
}
