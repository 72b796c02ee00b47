package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/storage/sqlstore"
	"github.com/mistakeknot/interlock/pkg/coordinator"
)

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage the config file"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a config file holding the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "interlock.yaml"
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"config": path})
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and report the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening applies pending migrations.
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			c.Close()
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := sqlstore.MigrationVersion(cmd.Context(), cfg.StoreConfig())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
		},
	}
}

func seqCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "seq", Short: "Named sequence counters"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "next NAME",
			Short: "Allocate the next number of a counter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
					v, err := c.Next(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "value": v})
				})
			},
		},
		&cobra.Command{
			Use:   "current NAME",
			Short: "Show the last number handed out by a counter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
					v, err := c.CurrentValue(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "value": v})
				})
			},
		},
	)
	return cmd
}

func claimCmd(a *app) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "claim GROUP ROLE OWNER",
		Short: "Claim one unowned slot of a group and role",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if payload != "" {
				body = []byte(payload)
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				slot, err := c.Claim(ctx, args[0], args[1], args[2], body)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), slot)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "payload stored on the claimed slot")
	return cmd
}

func slotsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "slots GROUP ROLE",
		Short: "List the slots of a group and role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				slots, err := c.Slots(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if slots == nil {
					slots = []coordinator.Slot{}
				}
				return printJSON(cmd.OutOrStdout(), slots)
			})
		},
	}
}

func validationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "validation", Short: "External validation records"}

	var request string
	enqueue := &cobra.Command{
		Use:   "enqueue SUBJECT",
		Short: "Record a new validation request for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				var raw json.RawMessage
				if request != "" {
					raw = json.RawMessage(request)
				}
				rec, err := c.Enqueue(ctx, args[0], raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	enqueue.Flags().StringVar(&request, "request", "", "request snapshot as JSON")

	var sentAt string
	sent := &cobra.Command{
		Use:   "sent ID...",
		Short: "Mark pending records as sent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if sentAt != "" {
				if at, err = time.Parse(time.RFC3339, sentAt); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				n, err := c.MarkSent(ctx, ids, at)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"updated": n})
			})
		},
	}
	sent.Flags().StringVar(&sentAt, "at", "", "send time as RFC 3339 (default now)")

	var response string
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply one external response to the record it references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp coordinator.Response
			if err := json.Unmarshal([]byte(response), &resp); err != nil {
				return fmt.Errorf("%w: %v", coordinator.ErrMalformedResponse, err)
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				res, err := c.Reconcile(ctx, resp.ReferenceID, resp)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	reconcileCmd.Flags().StringVar(&response, "response", "", "response as JSON")
	_ = reconcileCmd.MarkFlagRequired("response")

	history := &cobra.Command{
		Use:   "history SUBJECT",
		Short: "List every record of a subject, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
				records, err := c.History(ctx, args[0])
				if err != nil {
					return err
				}
				if records == nil {
					records = []coordinator.ValidationRecord{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}

	cmd.AddCommand(enqueue, sent, reconcileCmd, history)
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid record id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
