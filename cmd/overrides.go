package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/override"
)

var overridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "Manage admin field overrides on canonical rows",
}

func actorFlag(cmd *cobra.Command) string {
	actor, _ := cmd.Flags().GetString("actor")
	return actor
}

var overridesCreateCmd = &cobra.Command{
	Use:   "create <type> <canonical-id> <field> <json-value>",
	Short: "Create an override and apply it to the canonical row",
	Example: `  catalog-ingest overrides create product 7f3c... name '"Tank A"' --reason typo --actor ops@example.com
  catalog-ingest overrides create plant 91ab... status '"hidden"' --actor ops@example.com`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.overrides().Create(ctx, override.CreateRequest{
			Actor:         actorFlag(cmd),
			CanonicalType: model.EntityType(args[0]),
			CanonicalID:   args[1],
			FieldPath:     args[2],
			Value:         json.RawMessage(args[3]),
			Reason:        reason,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, o)
	},
}

var overridesUpdateCmd = &cobra.Command{
	Use:   "update <override-id> <json-value>",
	Short: "Replace an override's value and re-apply it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.overrides().Update(ctx, override.UpdateRequest{
			Actor:  actorFlag(cmd),
			ID:     args[0],
			Value:  json.RawMessage(args[1]),
			Reason: reason,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, o)
	},
}

var overridesDeleteCmd = &cobra.Command{
	Use:   "delete <override-id>",
	Short: "Delete an override; the canonical value stays until the next normalization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.overrides().Delete(ctx, actorFlag(cmd), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Deleted override %s\n", args[0])
		return nil
	},
}

var overridesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List overrides, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		typ, _ := cmd.Flags().GetString("type")
		canonicalID, _ := cmd.Flags().GetString("canonical-id")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.overrides().List(ctx, override.ListFilter{
			CanonicalType: model.EntityType(typ),
			CanonicalID:   canonicalID,
			Limit:         limit,
		})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No overrides found.")
			return nil
		}
		formatOverrides(os.Stdout, list)
		return nil
	},
}

var overridesFieldsCmd = &cobra.Command{
	Use:   "fields <type>",
	Short: "List the fields an override may target",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		fields := override.OverridableFields(model.EntityType(args[0]))
		if len(fields) == 0 {
			return apperr.Validation("unknown entity type %q", args[0])
		}
		fmt.Println(strings.Join(fields, "\n"))
		return nil
	},
}

var overridesAuditLogCmd = &cobra.Command{
	Use:   "audit-log [target-id]",
	Short: "Show admin audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		target := ""
		if len(args) == 1 {
			target = args[0]
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.overrides().AuditLog(ctx, target, limit)
		if err != nil {
			return err
		}
		t := newTable(os.Stdout, "ID", "At", "Actor", "Action", "Target", "Meta")
		for _, e := range entries {
			t.AppendRow([]any{
				e.ID, fmtTime(&e.CreatedAt), e.ActorUserID, e.Action,
				e.TargetType + "/" + e.TargetID, truncate(string(e.Meta), 80),
			})
		}
		t.Render()
		return nil
	},
}

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Manually link or unlink ingestion entities and canonical rows",
}

var mappingsMapCmd = &cobra.Command{
	Use:   "map <entity-id> <canonical-id>",
	Short: "Link an entity to a canonical row with a manual mapping",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.overrides().Map(ctx, override.MapRequest{
			Actor:       actorFlag(cmd),
			EntityID:    args[0],
			CanonicalID: args[1],
			Reason:      reason,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, m)
	},
}

var mappingsUnmapCmd = &cobra.Command{
	Use:   "unmap <entity-id>",
	Short: "Remove an entity's mapping so the next normalization re-matches it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.overrides().Unmap(ctx, actorFlag(cmd), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Unmapped entity %s\n", args[0])
		return nil
	},
}

func formatOverrides(w io.Writer, list []model.NormalizationOverride) {
	t := newTable(w, "ID", "Type", "Canonical", "Field", "Value", "Actor", "Updated")
	for _, o := range list {
		t.AppendRow([]any{
			o.ID, o.CanonicalType, o.CanonicalID, o.FieldPath,
			truncate(string(o.Value), 40), o.ActorUserID, fmtTime(&o.UpdatedAt),
		})
	}
	t.Render()
}

func init() {
	for _, c := range []*cobra.Command{overridesCreateCmd, overridesUpdateCmd, overridesDeleteCmd, mappingsMapCmd, mappingsUnmapCmd} {
		c.Flags().String("actor", os.Getenv("CATALOG_ACTOR"), "admin user id recorded in the audit log")
	}
	for _, c := range []*cobra.Command{overridesCreateCmd, overridesUpdateCmd, mappingsMapCmd} {
		c.Flags().String("reason", "", "why the change was made")
	}
	overridesListCmd.Flags().String("type", "", "filter by canonical type")
	overridesListCmd.Flags().String("canonical-id", "", "filter by canonical id")
	overridesListCmd.Flags().Int("limit", 100, "max number of overrides to display")
	overridesAuditLogCmd.Flags().Int("limit", 50, "max number of entries to display")

	overridesCmd.AddCommand(overridesCreateCmd, overridesUpdateCmd, overridesDeleteCmd,
		overridesListCmd, overridesFieldsCmd, overridesAuditLogCmd)
	mappingsCmd.AddCommand(mappingsMapCmd, mappingsUnmapCmd)
	rootCmd.AddCommand(overridesCmd, mappingsCmd)
}
