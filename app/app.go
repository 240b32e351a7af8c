// Package app wires the bridge components from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/badgerdb"
	"pyusdbridge/bridge"
	"pyusdbridge/config"
	"pyusdbridge/coordinator"
	"pyusdbridge/ledger"
	"pyusdbridge/metrics"
	"pyusdbridge/mongodb"
	"pyusdbridge/postgres"
	"pyusdbridge/redis"
	"pyusdbridge/session"
	"pyusdbridge/verifier"
	"pyusdbridge/workers"
	"pyusdbridge/workers/handlers"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds how long workers get to stop.
const ShutdownTimeout = 10 * time.Second

// StoredLedger is a ledger backend that can also keep the scanner cursor.
type StoredLedger interface {
	ledger.Ledger
	ledger.BlockCursor
}

// OpenLedger connects the configured backend. Without persistence the bridge
// must not start, so every failure here is fatal to the caller.
func OpenLedger(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (StoredLedger, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		addr := net.JoinHostPort(cfg.Ledger.RedisHost, strconv.Itoa(cfg.Ledger.RedisPort))
		return opened(redis.New(ctx, addr, logger))
	case "postgres":
		return opened(postgres.Connect(ctx, cfg.Ledger.PostgresDSN, logger))
	case "mongodb":
		return opened(mongodb.NewLedger(mongodb.LedgerOpts{
			URI:          cfg.Ledger.MongoURI,
			DatabaseName: cfg.Ledger.MongoDatabase,
			Logger:       logger,
		}))
	case "badger":
		return opened(badgerdb.Open(cfg.Ledger.BadgerPath, logger))
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// opened keeps a failed constructor's typed nil out of the interface.
func opened[T StoredLedger](l T, err error) (StoredLedger, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

type App struct {
	Config  *config.Configuration
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Ledger      StoredLedger
	Source      *EVMRPC.Client
	Destination *EVMRPC.Client
	Signer      *bind.TransactOpts

	Verifier    *verifier.Verifier
	Coordinator *coordinator.Coordinator
	Bridge      *bridge.Handler
}

// New connects both chains and the ledger and builds the mint path.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*App, error) {
	if cfg.Operator.PrivateKey == "" {
		return nil, errors.New("operator private key is required")
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	var err error
	if a.Source, err = EVMRPC.NewClient(ctx, EVMRPC.ClientOpts{Chain: cfg.Source, Logger: logger}); err != nil {
		return nil, fmt.Errorf("source chain: %w", err)
	}
	if a.Destination, err = EVMRPC.NewClient(ctx, EVMRPC.ClientOpts{Chain: cfg.Destination, Logger: logger}); err != nil {
		a.Close()
		return nil, fmt.Errorf("destination chain: %w", err)
	}
	if a.Signer, err = EVMRPC.NewKeyedSigner(cfg.Operator.PrivateKey, cfg.Destination.ChainID); err != nil {
		a.Close()
		return nil, err
	}
	if a.Ledger, err = OpenLedger(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	lo, hi, err := cfg.AmountLimits()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Verifier = verifier.New(verifier.Opts{
		Chain:                 a.Source,
		BridgeAddress:         common.HexToAddress(cfg.Source.BridgeAddress),
		DestinationNetwork:    cfg.DestinationNetwork,
		RequiredConfirmations: cfg.RequiredConfirmations,
		Logger:                logger,
	})
	a.Coordinator = coordinator.New(coordinator.Opts{
		Ledger:            a.Ledger,
		Chain:             a.Destination,
		Signer:            a.Signer,
		Metrics:           a.Metrics,
		Logger:            logger,
		FeeBasisPoints:    cfg.ProtocolFeeBasisPoints,
		MinAmount:         lo,
		MaxAmount:         hi,
		SubmitTimeout:     cfg.MintSubmissionTimeout,
		MintConfirmations: cfg.MintConfirmations,
	})
	a.Bridge = bridge.NewHandler(a.Verifier, a.Coordinator, a.Ledger, a.Metrics, logger)

	logger.Info("Bridge wired",
		zap.String("source", cfg.Source.Name),
		zap.String("destination", cfg.Destination.Name),
		zap.String("operator", a.Signer.From.Hex()),
		zap.String("ledger", cfg.Ledger.Backend))
	return a, nil
}

func (a *App) Router() http.Handler {
	lo, hi, _ := a.Config.AmountLimits()
	h := handlers.New(a.Bridge, a.Ledger, a.Source, a.Destination, handlers.Limits{
		DestinationNetwork:     a.Config.DestinationNetwork,
		RequiredConfirmations:  a.Config.RequiredConfirmations,
		ProtocolFeeBasisPoints: a.Config.ProtocolFeeBasisPoints,
		MinAmount:              lo,
		MaxAmount:              hi,
	}, a.Logger)
	return workers.NewRouter(h, a.Metrics, a.Logger)
}

// Workers lists the background workers the server runs.
func (a *App) Workers() []workers.Worker {
	cfg := a.Config
	list := []workers.Worker{
		workers.NewHTTPServer(workers.HTTPServerOpts{
			Listen:   cfg.Server.Listen,
			UseSSL:   cfg.Server.UseSSL,
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
			Handler:  a.Router(),
			Logger:   a.Logger,
		}),
		workers.NewPendingMonitor(a.Ledger, cfg.Workers.PendingMonitorInterval, cfg.MaxPendingAge, a.Metrics, a.Logger),
	}
	if cfg.Workers.ScanLocks {
		list = append(list, workers.NewLockScanner(workers.LockScannerOpts{
			Chain:        a.Source,
			Cursor:       a.Ledger,
			Requests:     a.Bridge,
			Interval:     cfg.Workers.ScanInterval,
			BlockBatch:   cfg.Source.BlockBatch,
			SafetyWindow: cfg.Source.SafetyWindow,
			StartBlock:   cfg.Workers.ScanStartBlock,
			Metrics:      a.Metrics,
			Logger:       a.Logger,
		}))
	}
	return list
}

// ProbeChains logs the health of every RPC endpoint; a chain with none
// healthy is an error.
func (a *App) ProbeChains() error {
	var errs []error
	for _, chain := range []*EVMRPC.Client{a.Source, a.Destination} {
		healthy := 0
		for _, res := range chain.Probe() {
			if res.Healthy {
				healthy++
				a.Logger.Info("RPC endpoint healthy", zap.String("chain", chain.Name()), zap.String("url", res.URL), zap.Uint64("block", res.BlockNumber))
				continue
			}
			a.Logger.Warn("RPC endpoint unhealthy", zap.String("chain", chain.Name()), zap.String("url", res.URL), zap.String("error", res.Error))
		}
		if healthy == 0 {
			errs = append(errs, fmt.Errorf("chain %s has no healthy rpc endpoint", chain.Name()))
		}
	}
	return errors.Join(errs...)
}

// NewSession starts a client bridge session that signs with the operator key
// on the source chain and talks to the configured API.
func (a *App) NewSession(amount, destination string) (*session.Session, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", session.ErrInvalidInput, amount)
	}
	signer, err := EVMRPC.NewKeyedSigner(a.Config.Operator.PrivateKey, a.Config.Source.ChainID)
	if err != nil {
		return nil, err
	}
	wallet := session.NewEVMWallet(a.Source, signer, a.Config.RequiredConfirmations, a.Config.MintSubmissionTimeout)
	return session.New(a.SessionOpts(wallet), value, destination)
}

func (a *App) SessionOpts(wallet session.Wallet) session.Opts {
	return session.Opts{
		Wallet:          wallet,
		API:             session.NewHTTPClient(a.Config.Session.APIURL, a.Config.MintSubmissionTimeout),
		Logger:          a.Logger,
		PollInterval:    a.Config.Session.PollInterval,
		MaxPollDuration: a.Config.Session.MaxPollDuration,
	}
}

func (a *App) Close() {
	if a.Source != nil {
		a.Source.Close()
	}
	if a.Destination != nil {
		a.Destination.Close()
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.Logger.Warn("Error closing ledger", zap.Error(err))
		}
	}
}
