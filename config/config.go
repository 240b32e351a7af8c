package config

import (
	"time"
)

type Configuration struct {
	// Server config
	Server struct {
		Listen   string `yaml:"listen" envconfig:"LISTEN"`
		UseSSL   bool   `yaml:"ssl" envconfig:"SSL"`
		CertFile string `yaml:"cert_file" envconfig:"CERT_FILE"`
		KeyFile  string `yaml:"key_file" envconfig:"KEY_FILE"`
		Env      string `yaml:"env" envconfig:"ENV"`
	} `yaml:"server"`

	// Ledger storage, one backend is active at a time
	Ledger struct {
		Backend string `yaml:"backend" envconfig:"BACKEND"`

		RedisHost string `yaml:"redis_host" envconfig:"REDIS_HOST"`
		RedisPort int    `yaml:"redis_port" envconfig:"REDIS_PORT"`

		PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`

		MongoURI      string `yaml:"mongo_uri" envconfig:"MONGO_URI"`
		MongoDatabase string `yaml:"mongo_database" envconfig:"MONGO_DATABASE"`

		BadgerPath string `yaml:"badger_path" envconfig:"BADGER_PATH"`
	} `yaml:"ledger"`

	Source      ChainConfig `yaml:"source"`
	Destination ChainConfig `yaml:"destination"`

	// important private stuff
	Operator struct {
		PrivateKey string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	} `yaml:"operator"`

	RequiredConfirmations  uint64        `yaml:"required_confirmations" envconfig:"REQUIRED_CONFIRMATIONS"`
	MintConfirmations      uint64        `yaml:"mint_confirmations" envconfig:"MINT_CONFIRMATIONS"` // hedera is final once the receipt exists
	ProtocolFeeBasisPoints int64         `yaml:"protocol_fee_bps" envconfig:"PROTOCOL_FEE_BPS"`
	MintSubmissionTimeout  time.Duration `yaml:"mint_submission_timeout" envconfig:"MINT_SUBMISSION_TIMEOUT"`
	MaxPendingAge          time.Duration `yaml:"max_pending_age" envconfig:"MAX_PENDING_AGE"`
	DestinationNetwork     string        `yaml:"destination_network" envconfig:"DESTINATION_NETWORK"`

	// bridge limits in smallest token units, as decimal strings
	MinAmount string `yaml:"min_amount" envconfig:"MIN_AMOUNT"`
	MaxAmount string `yaml:"max_amount" envconfig:"MAX_AMOUNT"`

	Workers struct {
		PendingMonitorInterval time.Duration `yaml:"pending_monitor_interval" envconfig:"PENDING_MONITOR_INTERVAL"`
		ScanLocks              bool          `yaml:"scan_locks" envconfig:"SCAN_LOCKS"`
		ScanStartBlock         uint64        `yaml:"scan_start_block" envconfig:"SCAN_START_BLOCK"`
		ScanInterval           time.Duration `yaml:"scan_interval" envconfig:"SCAN_INTERVAL"`
	} `yaml:"workers"`

	Session struct {
		APIURL          string        `yaml:"api_url" envconfig:"API_URL"`
		PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
		MaxPollDuration time.Duration `yaml:"max_poll_duration" envconfig:"MAX_POLL_DURATION"`
	} `yaml:"session"`
}

// EVM-chain config, one for each side of the bridge
type ChainConfig struct {
	Name          string        `yaml:"name" envconfig:"NAME"`
	ChainID       int64         `yaml:"chain_id" envconfig:"CHAIN_ID"`
	RPCList       []string      `yaml:"rpc_list" envconfig:"RPC_LIST"`
	BridgeAddress string        `yaml:"bridge_address" envconfig:"BRIDGE_ADDRESS"`
	TokenAddress  string        `yaml:"token_address" envconfig:"TOKEN_ADDRESS"` // PYUSD on source, wPYUSD on destination
	MinGasPrice   uint64        `yaml:"min_gas_price" envconfig:"MIN_GAS_PRICE"` // wei, hedera relay rejects below 510 gwei
	GasLimit      uint64        `yaml:"gas_limit" envconfig:"GAS_LIMIT"`         // 0 means estimate
	PollInterval  time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	BlockBatch    uint64        `yaml:"block_batch" envconfig:"BLOCK_BATCH"`
	// as logs go in another thread, make some room when rescanning
	SafetyWindow uint64 `yaml:"safety_window" envconfig:"SAFETY_WINDOW"`
}

// maximum number of EVM RPC attempts for transport errors
const EVM_RETRIES = 3

const (
	DefaultRequiredConfirmations  = 3
	DefaultProtocolFeeBasisPoints = 10
	DefaultMintSubmissionTimeout  = 300 * time.Second
	DefaultMaxPendingAge          = time.Hour
	DefaultDestinationNetwork     = "hedera"
	DefaultListen                 = ":8080"
	DefaultChainPollInterval      = 2 * time.Second
	DefaultSessionPollInterval    = 3 * time.Second
	DefaultMaxPollDuration        = 10 * time.Minute
	DefaultPendingMonitorInterval = time.Minute
	DefaultScanInterval           = 10 * time.Second
	DefaultBlockBatch             = 512
	DefaultSafetyWindow           = 10

	BasisPointsDenominator = 10000
)

// Sepolia and Hedera testnet, as deployed by the bridge contracts
var (
	SepoliaChain = ChainConfig{
		Name:          "Sepolia",
		ChainID:       11155111,
		RPCList:       []string{"https://ethereum-sepolia-rpc.publicnode.com", "https://rpc.sepolia.org"},
		BridgeAddress: "0x4Ca5E06778eBd5d848b6130eD717eb836C58B228",
		TokenAddress:  "0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9",
		BlockBatch:    DefaultBlockBatch,
		SafetyWindow:  DefaultSafetyWindow,
	}
	HederaTestnetChain = ChainConfig{
		Name:          "Hedera Testnet",
		ChainID:       296,
		RPCList:       []string{"https://testnet.hashio.io/api"},
		BridgeAddress: "0x3D2d821089f83e0B272Aa2B6921C13e80eEd83ED",
		TokenAddress:  "0x9D5F12DBe903A0741F675e4Aa4454b2F7A010aB4",
		MinGasPrice:   510_000_000_000,
		GasLimit:      1_000_000,
		BlockBatch:    DefaultBlockBatch,
		SafetyWindow:  DefaultSafetyWindow,
	}
)
