package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teorelay/config"
	"teorelay/logging"
	"teorelay/relay"
)

var cmdMain = &cobra.Command{
	Use:   "relayd",
	Short: "TeoCoin gas-free relay",
	Run:   printUsageAndExit1,
}

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Serve the relay API",
	Args:  cobra.NoArgs,
	Run:   serve,
}

var flagMain struct {
	EnvFile string
}

var flagServe struct {
	SeedAccounts []string
	SeedCourses  []string
}

// flag name -> config key
var serveFlagKeys = map[string]string{
	"listen":          config.KeyListen,
	"dsn":             config.KeyDSN,
	"executor":        config.KeyExecutor,
	"auth-token":      config.KeyRelayToken,
	"allowed-origins": config.KeyAllowedOrigins,
	"rpc-url":         config.KeyRPCURL,
	"chain-id":        config.KeyChainID,
	"log-level":       config.KeyLogLevel,
	"log-format":      config.KeyLogFormat,
}

func init() {
	cmdMain.PersistentFlags().StringVar(&flagMain.EnvFile, "env-file", ".env", "Optional dotenv file with TEO_* settings")

	f := cmdServe.Flags()
	f.String("listen", ":8080", "Address to listen on")
	f.String("dsn", "teorelay.db", "SQLite database path, empty for in-memory")
	f.String("executor", "simulated", "Transaction executor: simulated or evm")
	f.String("auth-token", "", "Bearer token required on POST routes")
	f.StringSlice("allowed-origins", []string{"*"}, "CORS allowed origins")
	f.String("rpc-url", "", "EVM JSON-RPC endpoint for the evm executor")
	f.Uint64("chain-id", 80002, "Chain id (137 Polygon, 80002 Amoy)")
	f.String("log-level", "info", "Log level")
	f.String("log-format", "text", "Log format: text or json")
	f.StringArrayVar(&flagServe.SeedAccounts, "seed-account", nil, "Seed a ledger account, ADDRESS=WALLET_TEO,PLATFORM_TEO (repeatable)")
	f.StringArrayVar(&flagServe.SeedCourses, "seed-course", nil, "Seed a catalog course, ID=PRICE_EUR@TEACHER (repeatable)")

	cmdMain.AddCommand(cmdServe)
}

func main() {
	_ = cmdMain.Execute()
}

func serve(cmd *cobra.Command, _ []string) {
	cfg, log := loadConfig(cmd)

	db, err := relay.OpenDB(cfg.DSN)
	checkf(err, "open database")
	for _, s := range flagServe.SeedAccounts {
		seed, err := parseSeedAccount(s)
		checkf(err, "--seed-account %q", s)
		check(relay.SeedAccount(db, seed.Address, seed.Wallet, seed.Platform))
		log.Info().Str("address", seed.Address.Hex()).Msg("seeded account")
	}
	for _, s := range flagServe.SeedCourses {
		seed, err := parseSeedCourse(s)
		checkf(err, "--seed-course %q", s)
		check(relay.SeedCourse(db, seed.ID, "Course "+seed.ID, seed.PriceEUR, seed.Teacher))
		log.Info().Str("course", seed.ID).Str("price_eur", seed.PriceEUR.String()).Msg("seeded course")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := newExecutor(ctx, cfg, log)
	checkf(err, "executor")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := relay.NewService(db, exec, log).WithMetrics(relay.NewMetrics(reg))

	handler := relay.NewServer(svc, relay.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		AuthToken:      cfg.RelayToken,
		ChainID:        cfg.ChainID,
		Gatherer:       reg,
		Log:            log,
	})
	log.Info().Str("executor", cfg.Executor).Uint64("chain_id", cfg.ChainID).Msg("relay starting")
	check(relay.ListenAndServe(ctx, cfg.Listen, handler, log))
}

func newExecutor(ctx context.Context, cfg *config.Config, log zerolog.Logger) (relay.Executor, error) {
	if cfg.Executor != "evm" {
		return relay.NewSimulatedExecutor(), nil
	}
	exec, err := relay.DialEVMExecutor(ctx, relay.EVMConfig{
		RPCURL:         cfg.RPCURL,
		ChainID:        int64(cfg.ChainID),
		HotWalletKey:   cfg.HotWalletKey,
		TokenAddress:   cfg.TokenAddress,
		StakingAddress: cfg.StakingAddress,
		ReceiptTimeout: cfg.ReceiptTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info().Str("hot_wallet", exec.HotWallet().Hex()).Msg("evm executor ready")
	return exec, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger) {
	v, err := config.New(flagMain.EnvFile)
	checkf(err, "config")
	bindFlags(cmd, v, serveFlagKeys)
	cfg, err := config.Load(v)
	checkf(err, "config")
	log, err := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	checkf(err, "logging")
	return cfg, log
}

// bindFlags lets explicitly set flags override env and defaults.
func bindFlags(cmd *cobra.Command, v *viper.Viper, keys map[string]string) {
	for name, key := range keys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			check(v.BindPFlag(key, flag))
		}
	}
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func checkf(err error, format string, otherArgs ...interface{}) {
	if err != nil {
		fatalf(format+": %v", append(otherArgs, err)...)
	}
}
