package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
	"github.com/ManuelReschke/SubSync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/SubSync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubSync/internal/pkg/middleware"
)

type runtimeOpener func() (*bootstrap.Runtime, error)

func newRootCmd(open runtimeOpener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "subsyncctl",
		Short:         "Operator commands for the SubSync billing engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(statusCmd(open))
	rootCmd.AddCommand(refreshCmd(open))
	rootCmd.AddCommand(overrideCmd(open))
	rootCmd.AddCommand(grandfatherCmd(open))
	rootCmd.AddCommand(sweepCmd(open))
	rootCmd.AddCommand(issueKeyCmd(open))
	rootCmd.AddCommand(hashTokenCmd())

	return rootCmd
}

// withRuntime opens the runtime for one command and always closes it.
func withRuntime(open runtimeOpener, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	rt, err := open()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, rt)
}

func statusCmd(open runtimeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "status <userID>",
		Short: "Show the stored subscription snapshot of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				status, err := rt.Billing.Status(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func refreshCmd(open runtimeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <userID>",
		Short: "Refetch every provider of a user and reconcile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			async, _ := cmd.Flags().GetBool("async")
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if async {
					job, err := jobqueue.EnqueueRefresh(ctx, rt.Queue, userID, "cli")
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued job %s\n", job.ID)
					return nil
				}
				out, err := rt.Billing.Refresh(ctx, userID)
				if err != nil {
					return err
				}
				return printOutcome(cmd, out)
			})
		},
	}
	cmd.Flags().Bool("async", false, "Queue the refresh instead of running it now")
	return cmd
}

func overrideCmd(open runtimeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "override <userID> <RFC3339|clear>",
		Short: "Set or clear the manual expiration of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			expiresAt, err := parseOverride(args[1])
			if err != nil {
				return err
			}
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				out, err := rt.Billing.SetManualExpiration(ctx, userID, expiresAt)
				if err != nil {
					return err
				}
				return printOutcome(cmd, out)
			})
		},
	}
}

func grandfatherCmd(open runtimeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "grandfather <userID> <true|false>",
		Short: "Toggle the grandfathered exemption of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			flag, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid flag %q: %w", args[1], err)
			}
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				out, err := rt.Billing.SetGrandfathered(ctx, userID, flag)
				if err != nil {
					return err
				}
				return printOutcome(cmd, out)
			})
		},
	}
}

func sweepCmd(open runtimeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Queue refresh jobs for every user with an expiring recurring subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				n, err := rt.Manager.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d refresh jobs\n", n)
				return nil
			})
		},
	}
}

func issueKeyCmd(open runtimeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "issue-key <userID>",
		Short: "Generate a new client API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(open, func(ctx context.Context, rt *bootstrap.Runtime) error {
				user, err := rt.Repos.User.GetByID(userID)
				if err != nil {
					return err
				}
				raw, err := user.IssueAPIKey()
				if err != nil {
					return err
				}
				if err := rt.Repos.User.SetAPIKeyHash(user.ID, user.APIKeyHash); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				return nil
			})
		},
	}
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token <token>",
		Short: "Print the bcrypt hash to use as ADMIN_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashAdminToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func parseUserID(s string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return uint(id), nil
}

// parseOverride accepts an RFC3339 timestamp, a plain date, or "clear".
func parseOverride(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "clear") {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration %q: want RFC3339, YYYY-MM-DD or clear", s)
	}
	return &t, nil
}

func printOutcome(cmd *cobra.Command, out *billing.Outcome) error {
	if out == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
		return nil
	}
	return printJSON(cmd, map[string]interface{}{
		"user_id":      out.UserID,
		"changed":      out.Changed(),
		"before":       out.Before,
		"after":        out.After,
		"notification": out.Notification,
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
