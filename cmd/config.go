package cmd

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/bridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
)

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type BridgeConfig struct {
	// chains
	RootRpcUrl   string // json rpc url of the root chain
	ChildRpcUrl  string // json rpc url of the child chain
	RootChainId  int64  // checked against the node, 0 to skip
	ChildChainId int64  // checked against the node, 0 to skip

	// contracts
	RootTokenAddr        string
	ChildTokenAddr       string
	RootChainManagerAddr string
	ERC20PredicateAddr   string // optional, looked up through the manager when empty
	RootChainProxyAddr   string // emits the checkpoints
	WithdrawMethod       string // "withdraw" or "burn"
	CheckpointStartBlock uint64 // first root block scanned for checkpoints

	// proof api
	ProofApiUrl     string
	ProofApiNetwork string // matic or mumbai

	// timing
	PollIntervalMs   int64 // receipt and checkpoint polling
	MaxWaitMs        int64 // checkpoint wait before an operation is parked
	ReceiptTimeoutMs int64
	RetryMaxAttempts int
	RetryBaseDelayMs int64
	RetryMaxDelayMs  int64
	RetryJitter      float64

	// state side
	DbFilePath string

	// Http side
	HttpIp   string // eg. 0.0.0.0
	HttpPort string // eg. 8080, empty disables the reporter

	// key of the account that signs bridge transactions
	PrivateKey string

	LogLevel string
}

// Default params. More often we don't recommend users to tweak those.
func setDefaults(v *viper.Viper) {
	v.SetDefault("WITHDRAW_METHOD", "withdraw")
	v.SetDefault("PROOF_API_NETWORK", "matic")
	v.SetDefault("POLL_INTERVAL_MS", 30_000)
	v.SetDefault("MAX_WAIT_MS", 3*60*60*1000)
	v.SetDefault("RECEIPT_TIMEOUT_MS", 5*60*1000)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_DELAY_MS", 500)
	v.SetDefault("RETRY_MAX_DELAY_MS", 30_000)
	v.SetDefault("RETRY_JITTER", 0.2)
	v.SetDefault("DB_FILE_PATH", "bridge.db")
	v.SetDefault("HTTP_IP", "127.0.0.1")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
}

// LoadBridgeConfig reads the configuration from v. Environment variables
// with the same names override the file.
func LoadBridgeConfig(v *viper.Viper) (*BridgeConfig, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &BridgeConfig{
		RootRpcUrl:           v.GetString("ROOT_RPC_URL"),
		ChildRpcUrl:          v.GetString("CHILD_RPC_URL"),
		RootChainId:          v.GetInt64("ROOT_CHAIN_ID"),
		ChildChainId:         v.GetInt64("CHILD_CHAIN_ID"),
		RootTokenAddr:        v.GetString("ROOT_TOKEN_ADDR"),
		ChildTokenAddr:       v.GetString("CHILD_TOKEN_ADDR"),
		RootChainManagerAddr: v.GetString("ROOT_CHAIN_MANAGER_ADDR"),
		ERC20PredicateAddr:   v.GetString("ERC20_PREDICATE_ADDR"),
		RootChainProxyAddr:   v.GetString("ROOT_CHAIN_PROXY_ADDR"),
		WithdrawMethod:       v.GetString("WITHDRAW_METHOD"),
		CheckpointStartBlock: v.GetUint64("CHECKPOINT_START_BLOCK"),
		ProofApiUrl:          v.GetString("PROOF_API_URL"),
		ProofApiNetwork:      v.GetString("PROOF_API_NETWORK"),
		PollIntervalMs:       v.GetInt64("POLL_INTERVAL_MS"),
		MaxWaitMs:            v.GetInt64("MAX_WAIT_MS"),
		ReceiptTimeoutMs:     v.GetInt64("RECEIPT_TIMEOUT_MS"),
		RetryMaxAttempts:     v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryBaseDelayMs:     v.GetInt64("RETRY_BASE_DELAY_MS"),
		RetryMaxDelayMs:      v.GetInt64("RETRY_MAX_DELAY_MS"),
		RetryJitter:          v.GetFloat64("RETRY_JITTER"),
		DbFilePath:           v.GetString("DB_FILE_PATH"),
		HttpIp:               v.GetString("HTTP_IP"),
		HttpPort:             v.GetString("HTTP_PORT"),
		PrivateKey:           v.GetString("PRIVATE_KEY"),
		LogLevel:             v.GetString("LOG_LEVEL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields needed to build a server.
func (cfg *BridgeConfig) Validate() error {
	var errs []error
	required := []struct {
		key, value string
		isAddr     bool
	}{
		{"ROOT_RPC_URL", cfg.RootRpcUrl, false},
		{"CHILD_RPC_URL", cfg.ChildRpcUrl, false},
		{"PROOF_API_URL", cfg.ProofApiUrl, false},
		{"PRIVATE_KEY", cfg.PrivateKey, false},
		{"DB_FILE_PATH", cfg.DbFilePath, false},
		{"ROOT_TOKEN_ADDR", cfg.RootTokenAddr, true},
		{"CHILD_TOKEN_ADDR", cfg.ChildTokenAddr, true},
		{"ROOT_CHAIN_MANAGER_ADDR", cfg.RootChainManagerAddr, true},
		{"ROOT_CHAIN_PROXY_ADDR", cfg.RootChainProxyAddr, true},
	}
	for _, r := range required {
		switch {
		case r.value == "":
			errs = append(errs, fmt.Errorf("%s is not set", r.key))
		case r.isAddr && !common.IsHexAddress(r.value):
			errs = append(errs, fmt.Errorf("%s is not an address: %q", r.key, r.value))
		}
	}
	if cfg.ERC20PredicateAddr != "" && !common.IsHexAddress(cfg.ERC20PredicateAddr) {
		errs = append(errs, fmt.Errorf("ERC20_PREDICATE_ADDR is not an address: %q", cfg.ERC20PredicateAddr))
	}
	if cfg.PollIntervalMs <= 0 || cfg.MaxWaitMs <= 0 || cfg.ReceiptTimeoutMs <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL_MS, MAX_WAIT_MS and RECEIPT_TIMEOUT_MS must be positive"))
	}
	if cfg.RetryJitter < 0 || cfg.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("RETRY_JITTER must be within [0, 1], got %v", cfg.RetryJitter))
	}
	return errors.Join(errs...)
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (cfg *BridgeConfig) pollInterval() time.Duration {
	return ms(cfg.PollIntervalMs)
}

func (cfg *BridgeConfig) orchestratorConfig() *bridge.Config {
	return &bridge.Config{
		ReceiptTimeout:         ms(cfg.ReceiptTimeoutMs),
		CheckpointPollInterval: cfg.pollInterval(),
		CheckpointMaxWait:      ms(cfg.MaxWaitMs),
		MaxExitBounces:         bridge.DefaultConfig().MaxExitBounces,
		Retry: bridge.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   ms(cfg.RetryBaseDelayMs),
			MaxDelay:    ms(cfg.RetryMaxDelayMs),
			Jitter:      cfg.RetryJitter,
		},
	}
}

func chainID(id int64) *big.Int {
	if id == 0 {
		return nil
	}
	return big.NewInt(id)
}

// ReporterAddr is where the http reporter of a server configured by v
// listens. Only the http settings are read.
func ReporterAddr(v *viper.Viper) (ip, port string) {
	setDefaults(v)
	v.AutomaticEnv()
	ip = v.GetString("HTTP_IP")
	if ip == "0.0.0.0" || ip == "" {
		ip = "127.0.0.1"
	}
	return ip, v.GetString("HTTP_PORT")
}

// FileExists reports whether a config file can be opened for reading.
func FileExists(filePath string) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
