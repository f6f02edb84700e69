package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys read from the environment as TEO_<KEY>, e.g. TEO_RELAY_URL.
const (
	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"

	KeyRelayURL   = "relay.url"
	KeyRelayToken = "relay.token"
	KeyTimeout    = "relay.timeout"
	KeyMaxAge     = "relay.max_age"
	KeyDemoMode   = "demo"

	KeyChainID      = "chain.id"
	KeyAllowSwitch  = "chain.allow_switch"
	KeySignTimeout  = "sign.timeout"
	KeySignatureTTL = "sign.ttl"
	KeyPrivateKey   = "private_key"

	KeyListen         = "server.listen"
	KeyDSN            = "server.dsn"
	KeyAllowedOrigins = "server.allowed_origins"
	KeyExecutor       = "server.executor"

	KeyRPCURL         = "evm.rpc_url"
	KeyHotWalletKey   = "evm.hot_wallet_key"
	KeyTokenAddress   = "evm.token_address"
	KeyStakingAddress = "evm.staking_address"
	KeyReceiptTimeout = "evm.receipt_timeout"
)

// Config - Settings shared by relayd and the teo CLI
type Config struct {
	LogLevel  string
	LogFormat string

	RelayURL   string
	RelayToken string
	Timeout    time.Duration
	MaxAge     time.Duration
	DemoMode   bool

	ChainID      uint64
	AllowSwitch  bool
	SignTimeout  time.Duration
	SignatureTTL time.Duration
	PrivateKey   string

	Listen         string
	DSN            string
	AllowedOrigins []string
	Executor       string // simulated, evm

	RPCURL         string
	HotWalletKey   string
	TokenAddress   common.Address
	StakingAddress common.Address
	ReceiptTimeout time.Duration
}

// New returns a viper instance with defaults and TEO_ environment binding.
// envFile is loaded first when it exists; a missing file is not an error.
func New(envFile string) (*viper.Viper, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config.godotenv(%s): %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config.os.Stat(%s): %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyRelayURL, "http://localhost:8080")
	v.SetDefault(KeyRelayToken, "")
	v.SetDefault(KeyTimeout, 30*time.Second)
	v.SetDefault(KeyMaxAge, 60*time.Second)
	v.SetDefault(KeyDemoMode, false)
	v.SetDefault(KeyChainID, uint64(80002))
	v.SetDefault(KeyAllowSwitch, false)
	v.SetDefault(KeySignTimeout, 2*time.Minute)
	v.SetDefault(KeySignatureTTL, 10*time.Minute)
	v.SetDefault(KeyPrivateKey, "")
	v.SetDefault(KeyListen, ":8080")
	v.SetDefault(KeyDSN, "teorelay.db")
	v.SetDefault(KeyAllowedOrigins, []string{"*"})
	v.SetDefault(KeyExecutor, "simulated")
	v.SetDefault(KeyRPCURL, "https://rpc-amoy.polygon.technology")
	v.SetDefault(KeyHotWalletKey, "")
	v.SetDefault(KeyTokenAddress, "")
	v.SetDefault(KeyStakingAddress, "")
	v.SetDefault(KeyReceiptTimeout, 2*time.Minute)

	v.SetEnvPrefix("TEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load reads v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		RelayURL:       v.GetString(KeyRelayURL),
		RelayToken:     v.GetString(KeyRelayToken),
		Timeout:        v.GetDuration(KeyTimeout),
		MaxAge:         v.GetDuration(KeyMaxAge),
		DemoMode:       v.GetBool(KeyDemoMode),
		ChainID:        v.GetUint64(KeyChainID),
		AllowSwitch:    v.GetBool(KeyAllowSwitch),
		SignTimeout:    v.GetDuration(KeySignTimeout),
		SignatureTTL:   v.GetDuration(KeySignatureTTL),
		PrivateKey:     v.GetString(KeyPrivateKey),
		Listen:         v.GetString(KeyListen),
		DSN:            v.GetString(KeyDSN),
		AllowedOrigins: v.GetStringSlice(KeyAllowedOrigins),
		Executor:       strings.ToLower(v.GetString(KeyExecutor)),
		RPCURL:         v.GetString(KeyRPCURL),
		HotWalletKey:   v.GetString(KeyHotWalletKey),
		ReceiptTimeout: v.GetDuration(KeyReceiptTimeout),
	}

	var err error
	if cfg.TokenAddress, err = optionalAddress(KeyTokenAddress, v.GetString(KeyTokenAddress)); err != nil {
		return nil, err
	}
	if cfg.StakingAddress, err = optionalAddress(KeyStakingAddress, v.GetString(KeyStakingAddress)); err != nil {
		return nil, err
	}

	switch cfg.Executor {
	case "simulated":
	case "evm":
		if cfg.HotWalletKey == "" {
			return nil, fmt.Errorf("%s is required with the evm executor", KeyHotWalletKey)
		}
		if cfg.TokenAddress == (common.Address{}) {
			return nil, fmt.Errorf("%s is required with the evm executor", KeyTokenAddress)
		}
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%s must be positive", KeyTimeout)
	}
	return cfg, nil
}

func optionalAddress(key, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, s)
	}
	return common.HexToAddress(s), nil
}
