package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/ayo6706/payout-ledger/internal/app"
	"github.com/ayo6706/payout-ledger/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cmdMain = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tooling for the payout ledger",
	Run:   printUsageAndExit1,
}

var flagMain struct {
	LogLevel string
}

func init() {
	cmdMain.PersistentFlags().StringVar(&flagMain.LogLevel, "log-level", "warn", "Log level for the command run")
}

func main() {
	if err := cmdMain.Execute(); err != nil {
		os.Exit(1)
	}
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func checkf(err error, format string, otherArgs ...any) {
	if err != nil {
		fatalf(format+": %v", append(otherArgs, err)...)
	}
}

// commandContext is canceled on interrupt.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	checkf(err, "load config")
	return cfg
}

// buildApp wires the services against the configured stores.
func buildApp(ctx context.Context, cfg *config.Config) *app.App {
	logger, err := app.NewLogger(flagMain.LogLevel)
	checkf(err, "init logger")
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger)
	checkf(err, "connect")
	return a
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	check(enc.Encode(v))
}
