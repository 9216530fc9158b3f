package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/provenance"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report canonical rows that no ingestion entity backs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		alert, _ := cmd.Flags().GetBool("alert")
		strict, _ := cmd.Flags().GetBool("strict")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := provenance.NewAuditor(env.Pool).Audit(ctx)
		if err != nil {
			return err
		}

		if alert {
			a := provenance.NewAlerter(cfg.Audit.WebhookURL)
			alerts := a.Evaluate(report)
			sent := a.SendAlerts(ctx, alerts)
			zap.L().Info("audit: alerts evaluated", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
		}

		if err := printJSON(os.Stdout, report); err != nil {
			return err
		}
		if strict && report.HasDisplayedViolations {
			cmd.SilenceUsage = true
			return errDisplayedViolations
		}
		return nil
	},
}

var errDisplayedViolations = eris.New("audit: displayed canonical rows without provenance")

func init() {
	auditCmd.Flags().Bool("alert", false, "send violations to audit.webhook_url")
	auditCmd.Flags().Bool("strict", false, "exit non-zero when displayed rows lack provenance")
	rootCmd.AddCommand(auditCmd)
}
