package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ayo6706/payout-ledger/internal/db"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/ayo6706/payout-ledger/internal/worker"
	"github.com/spf13/cobra"
)

var cmdMigrate = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	Run:   migrate,
}

var cmdReconcile = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay ledger entries and report balance drift",
	Args:  cobra.NoArgs,
	Run:   reconcile,
}

var cmdPreview = &cobra.Command{
	Use:   "preview [amount]",
	Short: "Quote the settlement fee for an amount",
	Args:  cobra.ExactArgs(1),
	Run:   preview,
}

var cmdSweep = &cobra.Command{
	Use:   "sweep",
	Short: "Settle every due stream once",
	Args:  cobra.NoArgs,
	Run:   sweep,
}

var flagReconcile struct {
	Tenant string
}

var flagPreview struct {
	Tenant   string
	Currency string
}

var flagSweep struct {
	MinAge    time.Duration
	BatchSize int
}

func init() {
	cmdMain.AddCommand(cmdMigrate, cmdReconcile, cmdPreview, cmdSweep)

	cmdReconcile.Flags().StringVar(&flagReconcile.Tenant, "tenant", "", "Only reconcile this tenant")

	cmdPreview.Flags().StringVar(&flagPreview.Tenant, "tenant", "", "Tenant whose fee configuration applies")
	cmdPreview.Flags().StringVar(&flagPreview.Currency, "currency", "USDC", "Currency of the amount")
	_ = cmdPreview.MarkFlagRequired("tenant")

	cmdSweep.Flags().DurationVar(&flagSweep.MinAge, "min-age", time.Minute, "Skip streams settled more recently than this")
	cmdSweep.Flags().IntVar(&flagSweep.BatchSize, "batch-size", 500, "Streams loaded per batch")
}

func migrate(*cobra.Command, []string) {
	cfg := loadConfig()
	if !cfg.UsesPostgres() {
		fatalf("DATABASE_URL is required")
	}
	ctx, cancel := commandContext()
	defer cancel()
	checkf(db.Migrate(ctx, cfg.DatabaseURL), "migrate")
	fmt.Println("migrations applied")
}

func reconcile(*cobra.Command, []string) {
	ctx, cancel := commandContext()
	defer cancel()
	a := buildApp(ctx, loadConfig())
	defer a.Close()

	report, err := a.Recon.Run(ctx, flagReconcile.Tenant)
	checkf(err, "reconcile")
	printJSON(report)
	if !report.Balanced() {
		a.Close()
		os.Exit(2)
	}
}

func preview(_ *cobra.Command, args []string) {
	amount, err := domain.ParseAmount(args[0])
	check(err)

	ctx, cancel := commandContext()
	defer cancel()
	a := buildApp(ctx, loadConfig())
	defer a.Close()

	quote, err := a.Settlement.Preview(tenant.WithTenant(ctx, flagPreview.Tenant), amount, flagPreview.Currency)
	checkf(err, "preview")
	decimal := func(v int64) string { return domain.NewMoney(v, quote.Currency).ToDecimal().StringFixed(6) }
	printJSON(map[string]string{
		"amount":   decimal(quote.Amount),
		"fee":      decimal(quote.Fee),
		"net":      decimal(quote.Net),
		"currency": quote.Currency,
	})
}

func sweep(*cobra.Command, []string) {
	ctx, cancel := commandContext()
	defer cancel()
	a := buildApp(ctx, loadConfig())
	defer a.Close()

	report, err := worker.NewStreamSweepWorker(a.Streams).
		WithMinAge(flagSweep.MinAge).
		WithBatchSize(flagSweep.BatchSize).
		SweepOnce(ctx)
	checkf(err, "sweep")
	printJSON(report)
}
