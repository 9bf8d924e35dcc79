// Command backfill rebuilds derived state from the ledgers: stock positions
// with their contracts' pending quantities, P&L snapshots, or both.
//
//	backfill -what all
//	backfill -what pnl -prune
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/saudabook/position-engine/internal/app"
	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/config"
)

func main() {
	what := flag.String("what", "all", "what to rebuild: stock, pnl or all")
	continueOnError := flag.Bool("continue-on-error", true, "record failing positions/dates and keep going")
	prune := flag.Bool("prune", false, "delete snapshots for dates without trades")
	flag.Parse()

	kinds, err := kindsFor(*what)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer stack.Close()

	opts := backfill.Options{ContinueOnError: *continueOnError, PruneSnapshots: *prune}
	exit := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, kind := range kinds {
		job, err := stack.Runner.Run(ctx, kind, opts)
		if job != nil {
			enc.Encode(job)
		}
		if err != nil {
			slog.Error("backfill failed", "kind", kind, "err", err)
			exit = 1
			break
		}
		if job.Status != backfill.StatusSucceeded {
			exit = 1
		}
		if job.Status == backfill.StatusCancelled {
			break
		}
	}
	stack.Close()
	stop()
	os.Exit(exit)
}

func kindsFor(what string) ([]backfill.Kind, error) {
	switch what {
	case "stock":
		return []backfill.Kind{backfill.KindStock}, nil
	case "pnl":
		return []backfill.Kind{backfill.KindPnL}, nil
	case "all":
		return []backfill.Kind{backfill.KindStock, backfill.KindPnL}, nil
	default:
		return nil, fmt.Errorf("unknown -what %q (want stock, pnl or all)", what)
	}
}
