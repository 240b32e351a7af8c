package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

const EnvPrefix = "BRIDGE"

func readFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewDecoder(f).Decode(cfg)
}

func readEnv(cfg *Configuration) error {
	return envconfig.Process(EnvPrefix, cfg)
}

// Load reads .env (if any), then the yaml file (if any), then the environment
// on top, fills defaults and validates. A missing yaml file is not an error.
func Load(path string) (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Configuration{
		Source:                 SepoliaChain,
		Destination:            HederaTestnetChain,
		ProtocolFeeBasisPoints: DefaultProtocolFeeBasisPoints,
	}

	if path != "" {
		if err := readFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := readEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "redis"
	}
	if c.Ledger.RedisHost == "" {
		c.Ledger.RedisHost = "127.0.0.1"
	}
	if c.Ledger.RedisPort == 0 {
		c.Ledger.RedisPort = 6379
	}
	if c.Ledger.MongoDatabase == "" {
		c.Ledger.MongoDatabase = "pyusdbridge"
	}
	if c.Ledger.BadgerPath == "" {
		c.Ledger.BadgerPath = "data/ledger"
	}
	if c.RequiredConfirmations == 0 {
		c.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if c.MintSubmissionTimeout == 0 {
		c.MintSubmissionTimeout = DefaultMintSubmissionTimeout
	}
	if c.MaxPendingAge == 0 {
		c.MaxPendingAge = DefaultMaxPendingAge
	}
	if c.DestinationNetwork == "" {
		c.DestinationNetwork = DefaultDestinationNetwork
	}
	if c.Workers.PendingMonitorInterval == 0 {
		c.Workers.PendingMonitorInterval = DefaultPendingMonitorInterval
	}
	if c.Workers.ScanInterval == 0 {
		c.Workers.ScanInterval = DefaultScanInterval
	}
	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = DefaultSessionPollInterval
	}
	if c.Session.MaxPollDuration == 0 {
		c.Session.MaxPollDuration = DefaultMaxPollDuration
	}
	if c.Session.APIURL == "" {
		c.Session.APIURL = "http://127.0.0.1" + c.Server.Listen
	}
	for _, chain := range []*ChainConfig{&c.Source, &c.Destination} {
		if chain.PollInterval == 0 {
			chain.PollInterval = DefaultChainPollInterval
		}
		if chain.BlockBatch == 0 {
			chain.BlockBatch = DefaultBlockBatch
		}
	}
}

func (c *Configuration) Validate() error {
	if c.ProtocolFeeBasisPoints < 0 || c.ProtocolFeeBasisPoints >= BasisPointsDenominator {
		return fmt.Errorf("protocol_fee_bps must be in [0, %d), got %d", BasisPointsDenominator, c.ProtocolFeeBasisPoints)
	}
	if c.Source.ChainID == c.Destination.ChainID {
		return fmt.Errorf("source and destination chain ids must differ, both are %d", c.Source.ChainID)
	}
	for side, chain := range map[string]ChainConfig{"source": c.Source, "destination": c.Destination} {
		if len(chain.RPCList) == 0 {
			return fmt.Errorf("%s chain %q has no rpc endpoints", side, chain.Name)
		}
		if !common.IsHexAddress(chain.BridgeAddress) {
			return fmt.Errorf("%s chain %q has invalid bridge address %q", side, chain.Name, chain.BridgeAddress)
		}
		if !common.IsHexAddress(chain.TokenAddress) {
			return fmt.Errorf("%s chain %q has invalid token address %q", side, chain.Name, chain.TokenAddress)
		}
	}
	switch c.Ledger.Backend {
	case "redis", "postgres", "mongodb", "badger":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Backend == "postgres" && c.Ledger.PostgresDSN == "" {
		return errors.New("postgres ledger requires postgres_dsn")
	}
	if c.Ledger.Backend == "mongodb" && c.Ledger.MongoURI == "" {
		return errors.New("mongodb ledger requires mongo_uri")
	}
	lo, hi, err := c.AmountLimits()
	if err != nil {
		return err
	}
	if lo != nil && hi != nil && lo.Cmp(hi) > 0 {
		return fmt.Errorf("min_amount %s is above max_amount %s", lo, hi)
	}
	return nil
}

// AmountLimits parses the optional bridge limits. A nil bound means unbounded.
func (c *Configuration) AmountLimits() (lo, hi *big.Int, err error) {
	parse := func(name, v string) (*big.Int, error) {
		if v == "" {
			return nil, nil
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
		}
		return n, nil
	}
	if lo, err = parse("min_amount", c.MinAmount); err != nil {
		return nil, nil, err
	}
	if hi, err = parse("max_amount", c.MaxAmount); err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}
