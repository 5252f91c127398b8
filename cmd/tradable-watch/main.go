// tradable-watch connects an SDK client with a token supplied via the
// environment and prints account updates and executions as they happen.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradable/internal/config"
	"tradable/internal/domain"
	"tradable/internal/session"
	"tradable/internal/util"
	"tradable/pkg/tradable"
)

func main() {
	var (
		symbols  = flag.String("symbols", "", "comma-separated symbols to watch prices for")
		interval = flag.Int64("interval", 0, "poll interval in milliseconds (0 = config value)")
	)
	flag.Parse()

	cfgPath := os.Getenv("TRADABLE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	token := os.Getenv("TRADABLE_TOKEN")
	endpoint := os.Getenv("TRADABLE_ENDPOINT")
	if token == "" || endpoint == "" {
		fmt.Fprintln(os.Stderr, "TRADABLE_TOKEN and TRADABLE_ENDPOINT must be set")
		os.Exit(1)
	}

	client, err := tradable.New(cfg, session.NoBrowserFlow{})
	if err != nil {
		logger.Error("creating client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	client.On("watch", domain.EventAccountUpdated, func(args ...any) {
		snap := args[0].(*domain.AccountSnapshot)
		fmt.Printf("balance=%.2f equity=%.2f open=%d pending=%d\n",
			snap.Metrics.Balance, snap.Metrics.Equity,
			len(snap.Positions.Open), len(snap.Orders.Pending))
	})
	client.On("watch", domain.EventExecution, func(args ...any) {
		res := args[0].(domain.DiffResult)
		for _, p := range res.NewPositions {
			fmt.Printf("OPENED  %s %s %.0f @ %.5f\n", p.Side, p.Symbol, p.Amount, p.OpenPrice)
		}
		for _, p := range res.NewClosedPositions {
			fmt.Printf("CLOSED  %s %s %.0f @ %.5f\n", p.Side, p.Symbol, p.Amount, p.ClosePrice)
		}
		for _, o := range res.NewOrders {
			fmt.Printf("ORDER   %s %s %s %.0f\n", o.Type, o.Side, o.Symbol, o.Amount)
		}
		for _, o := range res.NewCancelledOrders {
			fmt.Printf("CANCEL  %s %s %s %.0f\n", o.Type, o.Side, o.Symbol, o.Amount)
		}
	})
	client.On("watch", domain.EventTokenWillExpire, func(args ...any) {
		if remaining, ok := args[0].(int64); ok {
			fmt.Printf("token expires in %s\n", time.Duration(remaining)*time.Millisecond)
		}
	})
	client.On("watch", domain.EventTokenExpired, func(args ...any) {
		logger.Error("token expired, exiting")
		os.Exit(1)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Brokers occasionally reject the first request after a fresh token;
	// retry the activation a few times before giving up.
	err = util.Retry(ctx, 3, time.Second, func() error {
		return client.EnableTrading(ctx, token, endpoint, 0)
	})
	if err != nil {
		logger.Error("enabling trading", "error", err)
		os.Exit(1)
	}

	account, ok := client.SelectedAccount()
	if !ok {
		logger.Error("no account available")
		os.Exit(1)
	}
	logger.Info("watching account", "account", account.UniqueID, "broker", account.BrokerName)

	if *interval > 0 {
		if err := client.SetAccountUpdateInterval(*interval); err != nil {
			logger.Error("setting poll interval", "error", err)
			os.Exit(1)
		}
	}
	if *symbols != "" {
		for _, s := range strings.Split(*symbols, ",") {
			if err := client.AddPriceSubscription(strings.TrimSpace(s), "watch"); err != nil {
				logger.Error("subscribing to symbol", "symbol", s, "error", err)
				os.Exit(1)
			}
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
}
