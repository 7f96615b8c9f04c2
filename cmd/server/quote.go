package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
)

var (
	quoteCount      int
	quoteService    string
	quoteMonitoring int
	quoteFiling     int
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a batch with the active pricing table",
	Example: `  server quote --count 30 --service filing
  server quote --monitoring 5 --filing 12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := newProvider(cmd.Context(), cfg.Pricing, zap.L())
		q, err := runQuote(provider.Calculator())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(struct {
			pricing.Quote
			Source string `json:"source"`
		}{q, provider.Current().Source()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func runQuote(calc *pricing.Calculator) (pricing.Quote, error) {
	if quoteMonitoring > 0 || quoteFiling > 0 {
		return calc.CalculateMixed(quoteMonitoring, quoteFiling)
	}
	svc, err := filing.ParseServiceType(quoteService)
	if err != nil {
		return pricing.Quote{}, err
	}
	return calc.Calculate(quoteCount, svc)
}

func init() {
	quoteCmd.Flags().IntVar(&quoteCount, "count", 0, "number of entities")
	quoteCmd.Flags().StringVar(&quoteService, "service", string(filing.ServiceFiling), "monitoring or filing")
	quoteCmd.Flags().IntVar(&quoteMonitoring, "monitoring", 0, "monitoring entities in a mixed batch")
	quoteCmd.Flags().IntVar(&quoteFiling, "filing", 0, "filing entities in a mixed batch")
	rootCmd.AddCommand(quoteCmd)
}
