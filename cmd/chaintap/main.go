// Command chaintap is the command-line front end of the zero-configuration
// smart-contract event log indexer. It follows
// tablelandnetwork-go-tableland's cmd/toolkit/main.go shape: a cobra root
// command with subcommands registered in init(), persistent flags for
// shared configuration, and a logrus logger configured once at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chaintap/internal/abiregistry"
	"chaintap/internal/chaintaperr"
	"chaintap/internal/config"
	"chaintap/internal/coordinator"
	"chaintap/internal/fetcher"
	"chaintap/internal/model"
	"chaintap/internal/providerpool"
	"chaintap/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes per spec §6's documented contract: 0 success, 1
// configuration error, 2 RPC error, 3 storage error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRPCError     = 2
	exitStorageError = 3
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaintap",
	Short: "A zero-configuration indexer for smart-contract event logs",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logrus.InfoLevel
		if verbose {
			level = logrus.DebugLevel
		}
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chaintap.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statusCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously poll and index new events for every configured contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, pool, registry, store, err := bootstrap()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		co := coordinator.New(cfg, pool, registry, store)
		logrus.Infof("chaintap: watching %d contract(s) on %s", len(cfg.Contracts), cfg.Chain)
		return co.Watch(ctx)
	},
}

var (
	backfillFrom uint64
	backfillTo   uint64
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Sequentially index a fixed historical block range for every configured contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, pool, registry, store, err := bootstrap()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		co := coordinator.New(cfg, pool, registry, store)

		to := backfillTo
		if to == 0 {
			head, err := headNumberForCLI(ctx, cfg)
			if err != nil {
				return err
			}
			to = head
		}

		logrus.Infof("chaintap: backfilling blocks %d-%d for %d contract(s)", backfillFrom, to, len(cfg.Contracts))
		return co.Backfill(ctx, backfillFrom, to)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "first block to backfill (required)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "last block to backfill (0 means the current chain head)")
	backfillCmd.MarkFlagRequired("from-block")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print each configured contract's sync progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// status opens one short-lived Store handle of its own and routes
		// every read through it -- there is no second database handle and
		// no separate read-replica or RPC-based status path (Open Question
		// Decision #3).
		store, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		states, err := store.SyncStates()
		if err != nil {
			return err
		}
		byAddress := make(map[string]model.SyncState, len(states))
		for _, st := range states {
			byAddress[st.Address] = st
		}

		for i, cc := range cfg.Contracts {
			if i > 0 {
				fmt.Println()
			}

			name := cc.Name
			if name == "" {
				name = cc.Address
			}
			fmt.Printf("Contract: %s\n", name)
			fmt.Printf("Chain: %s\n", cfg.Chain)
			fmt.Printf("Events: %s\n", strings.Join(cc.Events, ", "))

			st, synced := byAddress[cc.Address]
			if !synced {
				fmt.Println("Last synced block: never")
				fmt.Println("Total events: 0")
				fmt.Println("Status: pending")
				continue
			}

			total, err := store.CountEvents(cc.Address)
			if err != nil {
				return err
			}

			fmt.Printf("Last synced block: %s\n", humanize.Comma(int64(st.LastBlock)))
			fmt.Printf("Total events: %s\n", humanize.Comma(int64(total)))
			fmt.Printf("Status: %s\n", st.Status)
			fmt.Printf("Last sync: %s\n", humanize.Time(time.Unix(st.LastSync, 0)))
		}

		return nil
	},
}

// bootstrap loads configuration and wires the provider pool, ABI
// registry, and storage handle shared by watch and backfill.
func bootstrap() (*config.Config, *providerpool.Pool, *abiregistry.Registry, *storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	endpoints := make([]providerpool.Endpoint, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		endpoints = append(endpoints, providerpool.Endpoint{URL: p.URL, Priority: p.Priority})
	}
	pool, err := providerpool.New(endpoints, providerpool.Options{})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	registry := abiregistry.New(cfg.CacheDir, config.EtherscanAPIKey())

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return cfg, pool, registry, store, nil
}

func headNumberForCLI(ctx context.Context, cfg *config.Config) (uint64, error) {
	pool, err := providerpool.New(providerEndpoints(cfg), providerpool.Options{})
	if err != nil {
		return 0, err
	}
	provider, err := pool.Checkout()
	if err != nil {
		return 0, err
	}
	client, err := fetcher.Dial(ctx, provider.URL)
	if err != nil {
		return 0, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

func providerEndpoints(cfg *config.Config) []providerpool.Endpoint {
	out := make([]providerpool.Endpoint, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, providerpool.Endpoint{URL: p.URL, Priority: p.Priority})
	}
	return out
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, following
// the teacher's graceful-shutdown convention.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *chaintaperr.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case chaintaperr.RPCKind:
			return exitRPCError
		case chaintaperr.Storage:
			return exitStorageError
		default:
			return exitConfigError
		}
	}
	return exitConfigError
}
