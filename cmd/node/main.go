package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/bookpeer/params"
	"github.com/uhyunpark/bookpeer/pkg/api"
	"github.com/uhyunpark/bookpeer/pkg/broadcaster"
	"github.com/uhyunpark/bookpeer/pkg/metrics"
	"github.com/uhyunpark/bookpeer/pkg/node"
	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/storage"
	"github.com/uhyunpark/bookpeer/pkg/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	envPath   string
	listen    string
	bootstrap []string
	apiAddr   string
	journal   string
	mdns      bool
	trade     bool
	verbose   bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "bookpeer",
		Short:         "Run a peer of the replicated order book network",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := params.LoadFromEnv(f.envPath)
			applyFlags(cmd, f, &cfg)
			return run(cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.envPath, "env", "", "path to .env file (default ./.env)")
	fs.StringVar(&f.listen, "listen", "", "libp2p listen multiaddr (env LISTEN)")
	fs.StringSliceVar(&f.bootstrap, "bootstrap", nil, "peer multiaddrs to dial at startup (env BOOTSTRAP)")
	fs.StringVar(&f.apiAddr, "api", "", "HTTP API address, empty to disable (env API_ADDR)")
	fs.StringVar(&f.journal, "journal", "", "fill journal directory, empty for in-memory (env JOURNAL_DIR)")
	fs.BoolVar(&f.mdns, "mdns", true, "discover peers on the local network (env MDNS)")
	fs.BoolVar(&f.trade, "trade", true, "submit random orders once joined (env TRADING_ENABLED)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging (env VERBOSE)")
	return cmd
}

// applyFlags overrides env config with flags given on the command line.
func applyFlags(cmd *cobra.Command, f flags, cfg *params.Config) {
	fs := cmd.Flags()
	if fs.Changed("listen") {
		cfg.Network.ListenAddr = f.listen
	}
	if fs.Changed("bootstrap") {
		cfg.Network.Bootstrap = f.bootstrap
	}
	if fs.Changed("api") {
		cfg.Node.APIAddr = f.apiAddr
	}
	if fs.Changed("journal") {
		cfg.Node.JournalDir = f.journal
	}
	if fs.Changed("mdns") {
		cfg.Network.MDNS = f.mdns
	}
	if fs.Changed("trade") {
		cfg.Trading.Enabled = f.trade
	}
	if fs.Changed("verbose") {
		cfg.Node.Verbose = f.verbose
	}
}

func newLogger(cfg params.Node) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.Verbose)
	}
	return util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
}

func run(cfg params.Config) error {
	logger, err := newLogger(cfg.Node)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Network ----
	// Not tied to ctx: withdrawals are still published after a signal.
	lpn, err := p2p.NewLibp2pNet(context.Background(), p2p.Libp2pConfig{
		ListenAddr:       cfg.Network.ListenAddr,
		Bootstrap:        cfg.Network.Bootstrap,
		MDNS:             cfg.Network.MDNS,
		RequestTimeout:   cfg.Network.RequestTimeout,
		AnnounceInterval: cfg.Network.AnnounceInterval,
		AnnounceTTL:      cfg.Network.AnnounceTTL,
		Logger:           sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer lpn.Close()

	// ---- Fill journal ----
	journal, err := storage.NewPebbleStore(cfg.Node.JournalDir)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "dir", cfg.Node.JournalDir, "err", err)
	}
	defer journal.Close()
	sugar.Infow("journal_opened", "dir", cfg.Node.JournalDir, "last_seq", journal.LastSeq())

	m := metrics.PrometheusMetrics("bookpeer")

	peer := node.New(node.Config{
		GateLease:          cfg.Join.GateLease,
		GatePoll:           cfg.Join.GatePoll,
		VisibilityInitial:  cfg.Join.DiscoveryInitial,
		VisibilityMax:      cfg.Join.DiscoveryMax,
		VisibilityAttempts: cfg.Join.DiscoveryAttempts,
	}, lpn, journal, m, sugar)

	// ---- API Server ----
	var apiServer *api.Server
	if cfg.Node.APIAddr != "" {
		apiServer = api.NewServer(peer, journal, sugar)
		go func() {
			if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
				sugar.Fatalw("api_server_failed", "err", err)
			}
		}()
	}

	// ---- Kafka (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		b := broadcaster.New(broadcaster.Config{
			PeerID:   string(peer.Self()),
			Interval: cfg.Kafka.Interval,
		}, journal, broadcaster.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), m, sugar)
		go b.Run(ctx)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	sugar.Infow("node_starting", "peer", peer.Self(), "bootstrap", len(cfg.Network.Bootstrap), "mdns", cfg.Network.MDNS)

	if err := peer.Join(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		sugar.Fatalw("join_failed", "err", err)
	}
	sugar.Infow("node_trading", "peer", peer.Self(), "book_size", peer.Book().Size())

	if cfg.Trading.Enabled {
		gen := node.NewOrderGenerator(cfg.Trading.Seed, cfg.Trading.MinDelay, cfg.Trading.Jitter)
		go peer.RunTrading(ctx, gen)
	} else {
		sugar.Info("trading_disabled")
	}

	<-ctx.Done()
	sugar.Infow("node_stopping")

	// Withdraw announcements, then give the withdrawal time to propagate.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownGrace)
	defer cancel()
	if err := peer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("unannounce_failed", "err", err)
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("api_shutdown_failed", "err", err)
		}
	}
	time.Sleep(cfg.Node.ShutdownGrace)
	return nil
}
