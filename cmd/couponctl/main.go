package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coupon-redemption-api/internal/bootstrap"
	"coupon-redemption-api/internal/config"
	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/service"
	"coupon-redemption-api/internal/store"
)

var Version = "dev"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "couponctl",
		Short:   "Manage the coupon catalog and inspect the redemption ledger",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a JSON config file")

	rootCmd.AddCommand(couponsCmd(&configFile))
	rootCmd.AddCommand(ledgerCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine loads the config and builds an engine over the configured store.
func openEngine(ctx context.Context, configFile string) (*service.Engine, store.Store, *time.Location, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	loc, err := cfg.LoadLocation()
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := bootstrap.OpenStore(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	return service.NewEngine(service.Options{Store: st, Location: loc}), st, loc, nil
}

func couponsCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupons",
		Short: "Coupon catalog commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every coupon in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, st, _, err := openEngine(ctx, *configFile)
			if err != nil {
				return err
			}
			defer st.Close()

			coupons, err := engine.ListCoupons(ctx)
			if err != nil {
				return err
			}
			return printCoupons(cmd, coupons)
		},
	})

	importCmd := &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Add or replace coupons from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, st, loc, err := openEngine(ctx, *configFile)
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			defs, err := ParseSeed(data, loc)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			for _, def := range defs {
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "would import %s\n", def.Code)
					continue
				}
				saved, err := engine.PutCoupon(ctx, def)
				if err != nil {
					return fmt.Errorf("coupon %s: %w", def.Code, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", saved.Code, saved.ID)
			}
			return nil
		},
	}
	importCmd.Flags().Bool("dry-run", false, "Parse the file without writing")
	cmd.AddCommand(importCmd)

	return cmd
}

func ledgerCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Redemption ledger commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List committed redemptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, st, _, err := openEngine(ctx, *configFile)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := engine.ListRedemptions(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tDATE\tCOUPON\tBUDGET\tDISCOUNTED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ProjectID, r.AppliedAt.Format(models.DateLayout), r.CouponCode,
					r.OriginalBudget.StringFixed(2), r.DiscountedAmount.StringFixed(2))
			}
			return w.Flush()
		},
	})

	return cmd
}

func printCoupons(cmd *cobra.Command, coupons []models.CouponDefinition) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tTYPE\tVALUE\tMIN\tTAG\tVALID UNTIL\tLEFT")
	for _, c := range coupons {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			c.Code, c.Kind, c.Value.String(), c.MinAmount.String(), c.ApplicabilityTag,
			c.ValidUntil.Format(models.DateLayout), c.RemainingQuantity)
	}
	return w.Flush()
}
