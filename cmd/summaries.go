package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/catalog-ingest/internal/model"
)

var summariesCmd = &cobra.Command{
	Use:   "summaries",
	Short: "Read and rebuild offer summaries",
}

var summariesEnsureCmd = &cobra.Command{
	Use:   "ensure <product-id>...",
	Short: "Return summaries for products, computing any that are missing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sums, err := env.Summaries.Ensure(ctx, args)
		if err != nil {
			return err
		}
		list := make([]*model.OfferSummary, 0, len(args))
		for _, id := range args {
			if s, ok := sums[id]; ok {
				list = append(list, s)
			}
		}
		formatSummaries(os.Stdout, list)
		return nil
	},
}

var summariesRecomputeCmd = &cobra.Command{
	Use:   "recompute <product-id>...",
	Short: "Recompute and persist summaries from current offers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		list := make([]*model.OfferSummary, 0, len(args))
		for _, id := range args {
			s, err := env.Summaries.Recompute(ctx, id)
			if err != nil {
				return err
			}
			list = append(list, s)
		}
		formatSummaries(os.Stdout, list)
		return nil
	},
}

func formatSummaries(w io.Writer, list []*model.OfferSummary) {
	t := newTable(w, "Product", "Min Price", "In Stock", "Stale", "Checked")
	for _, s := range list {
		minPrice := "-"
		if s.MinPriceCents != nil {
			minPrice = formatCents(*s.MinPriceCents)
		}
		t.AppendRow([]any{s.ProductID, minPrice, s.InStockCount, s.StaleFlag, fmtTime(s.CheckedAt)})
	}
	t.Render()
}

var moneyPrinter = message.NewPrinter(language.English)

// formatCents renders cents as dollars with thousands separators.
func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return moneyPrinter.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

func init() {
	summariesCmd.AddCommand(summariesEnsureCmd, summariesRecomputeCmd)
	rootCmd.AddCommand(summariesCmd)
}
