// Command operator inspects the mint ledger and drives bridge requests by hand.
//
//	operator [-config config.yml] process <sourceTxHash>
//	operator [-config config.yml] status <sourceTxHash>
//	operator [-config config.yml] pending|failed
//	operator [-config config.yml] bridge -amount 100000000 -to 0x...
//	operator [-config config.yml] bridge -resume <lockTxHash>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pyusdbridge/app"
	"pyusdbridge/config"
	"pyusdbridge/ledger"
	"pyusdbridge/session"
	"pyusdbridge/types"

	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: operator [-config path] <process|status|pending|failed|bridge> [args]\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yml", "path to the yaml config file")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "process":
		err = process(ctx, cfg, logger, args)
	case "status":
		err = status(ctx, cfg, logger, args)
	case "pending":
		err = list(ctx, cfg, logger, types.MintStatusPending)
	case "failed":
		err = list(ctx, cfg, logger, types.MintStatusFailed)
	case "bridge":
		err = runSession(ctx, cfg, logger, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneHash(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one transaction hash")
	}
	return types.NormalizeTxHash(args[0])
}

// process re-runs a lock through the same verify and mint path the API uses,
// claiming the amount the chain reports.
func process(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, args []string) error {
	hash, err := oneHash(args)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ev, err := a.Verifier.Verify(ctx, hash)
	if err != nil {
		return err
	}
	res := a.Bridge.Handle(ctx, types.BridgeRequest{
		SourceTxHash:  hash,
		UserAddress:   ev.SourceAccount,
		ClaimedAmount: ev.LockedAmount.String(),
	})
	if err := printJSON(res.Response); err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("http %d: %w", res.Code, res.Err)
	}
	return nil
}

func status(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, args []string) error {
	hash, err := oneHash(args)
	if err != nil {
		return err
	}
	l, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	rec, err := l.Get(ctx, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("no mint record for %s", hash)
	}
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func list(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, st types.MintStatus) error {
	l, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	records, err := l.ListByStatus(ctx, st)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*types.MintRecord{}
	}
	return printJSON(records)
}

// runSession bridges with the operator key as the user wallet, against the
// configured API.
func runSession(ctx context.Context, cfg *config.Configuration, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	amount := fs.String("amount", "", "amount in smallest token units")
	to := fs.String("to", "", "destination account on hedera")
	resume := fs.String("resume", "", "lock transaction hash of an earlier session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var s *session.Session
	if *resume != "" {
		if s, err = session.Resume(ctx, a.SessionOpts(nil), *resume); err != nil {
			return err
		}
	} else {
		if s, err = a.NewSession(*amount, *to); err != nil {
			return err
		}
		if err := s.SubmitApproval(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "approved\n")
		if err := s.SubmitLock(ctx); err != nil {
			printJSON(s.View())
			return err
		}
		fmt.Fprintf(os.Stderr, "locked in %s, waiting for mint\n", s.View().LockTxHash)
	}

	if s.State() == session.StateAwaitingMint {
		if err := s.Poll(ctx); err != nil {
			printJSON(s.View())
			return err
		}
	}
	return printJSON(s.View())
}
