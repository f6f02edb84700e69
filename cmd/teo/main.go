package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teorelay/config"
	"teorelay/logging"
	"teorelay/relayclient"
	"teorelay/signer"
	"teorelay/wallet"
)

var cmdMain = &cobra.Command{
	Use:   "teo",
	Short: "Gas-free TeoCoin discounts and staking",
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		setup(cmd)
	},
	Run: printUsageAndExit1,
}

var flagMain struct {
	EnvFile   string
	WalletRPC string
	Resubmit  int
}

// flag name -> config key
var mainFlagKeys = map[string]string{
	"relay":       config.KeyRelayURL,
	"auth-token":  config.KeyRelayToken,
	"timeout":     config.KeyTimeout,
	"chain-id":    config.KeyChainID,
	"demo":        config.KeyDemoMode,
	"log-level":   config.KeyLogLevel,
	"log-format":  config.KeyLogFormat,
	"switch":      config.KeyAllowSwitch,
	"sign-expiry": config.KeySignatureTTL,
}

// Set up by setup before any command runs.
var (
	cfg *config.Config
	log zerolog.Logger
)

func init() {
	f := cmdMain.PersistentFlags()
	f.StringVar(&flagMain.EnvFile, "env-file", ".env", "Optional dotenv file with TEO_* settings")
	f.StringVar(&flagMain.WalletRPC, "wallet-rpc", "", "JSON-RPC wallet endpoint; TEO_PRIVATE_KEY is used when empty")
	f.IntVar(&flagMain.Resubmit, "resubmit", 0, "Resubmit the signed request this many times when the relay is unreachable")
	f.String("relay", "http://localhost:8080", "Relay base URL")
	f.String("auth-token", "", "Relay bearer token")
	f.Duration("timeout", 30*time.Second, "Relay request timeout")
	f.Uint64("chain-id", 80002, "Chain id (137 Polygon, 80002 Amoy)")
	f.Bool("demo", false, "Demo mode: placeholder balances and teacher when the relay has none")
	f.Bool("switch", false, "Ask the wallet to switch networks on chain mismatch")
	f.Duration("sign-expiry", 10*time.Minute, "How long a signature stays valid")
	f.String("log-level", "warn", "Log level")
	f.String("log-format", "text", "Log format: text or json")
}

func main() {
	_ = cmdMain.Execute()
}

func setup(cmd *cobra.Command) {
	v, err := config.New(flagMain.EnvFile)
	checkf(err, "config")
	v.SetDefault(config.KeyLogLevel, "warn")
	bindFlags(cmd, v, mainFlagKeys)
	cfg, err = config.Load(v)
	checkf(err, "config")
	log, err = logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	checkf(err, "logging")
}

// bindFlags lets explicitly set flags override env and defaults.
func bindFlags(cmd *cobra.Command, v *viper.Viper, keys map[string]string) {
	for name, key := range keys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			check(v.BindPFlag(key, flag))
		}
	}
}

// session holds the client side stack for one command.
type session struct {
	relay    *relayclient.Client
	signer   *signer.Client
	operator *relayclient.Operator
	account  common.Address
	close    func()
}

func newSession(ctx context.Context, needWallet bool) *session {
	s := &session{
		relay: relayclient.New(relayclient.Config{
			BaseURL:   cfg.RelayURL,
			AuthToken: cfg.RelayToken,
			Timeout:   cfg.Timeout,
			DemoMode:  cfg.DemoMode,
			MaxAge:    cfg.MaxAge,
		}, log),
		close: func() {},
	}
	if !needWallet {
		return s
	}

	w, closeWallet, err := openWallet(ctx)
	checkf(err, "wallet")
	s.close = closeWallet
	s.signer = signer.New(w, signer.Config{
		ChainID:      cfg.ChainID,
		AllowSwitch:  cfg.AllowSwitch,
		SignTimeout:  cfg.SignTimeout,
		SignatureTTL: cfg.SignatureTTL,
		DemoMode:     cfg.DemoMode,
	}, log)
	s.operator = relayclient.NewOperator(s.signer, s.relay, log)
	s.account, err = s.signer.Account(ctx)
	checkf(err, "wallet account")
	return s
}

func openWallet(ctx context.Context) (wallet.Wallet, func(), error) {
	if flagMain.WalletRPC != "" {
		w, err := wallet.DialRPCWallet(ctx, flagMain.WalletRPC)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	}
	if cfg.PrivateKey == "" {
		return nil, nil, fmt.Errorf("set TEO_PRIVATE_KEY or --wallet-rpc")
	}
	w, err := wallet.KeyWalletFromHex(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, nil, err
	}
	return w, func() {}, nil
}

// addressArg returns the positional address, or the wallet account when absent.
func addressArg(ctx context.Context, args []string) (*session, common.Address) {
	if len(args) > 0 {
		if !common.IsHexAddress(args[0]) {
			fatalf("invalid address %q", args[0])
		}
		return newSession(ctx, false), common.HexToAddress(args[0])
	}
	s := newSession(ctx, true)
	return s, s.account
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
