package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/config"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/db"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/delivery"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/engine"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/evm"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/fetcher"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/listener"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/readiness"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/relayer"
)

const envPrefix = "RELAYER"

var (
	configFile *string
	logLevel   *string
	statusAddr *string

	spyRPC         *string
	guardianRPC    *string
	guardianNoTLS  *bool
	fetchTimeout   *time.Duration
	fetchRate      *float64
	fetchBurst     *int
	fetchParallel  *int
	privateKey     *string
	storeBackend   *string
	dataDir        *string
	workerInterval *time.Duration
	roundTimeout   *time.Duration
	retryPolicy    *string
	retryInitial   *time.Duration
	retryMax       *time.Duration

	scanRecentBlocks     *uint64
	scanWindowSize       *uint64
	scanWindows          *int
	scanFallbackAttempts *uint64
	scanFallbackDelay    *time.Duration

	gasLimit            *uint64
	budgetMargin        *uint64
	waitForConfirmation *bool
	confirmationTimeout *time.Duration
	submittedCacheSize  *int

	queueSize       *int
	maxConcurrent   *int
	dedupeCacheSize *int

	fileConfig *viper.Viper
)

func init() {
	configFile = RunCmd.Flags().String("configFile", "", "Path to the config file holding the chain list")
	logLevel = RunCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	statusAddr = RunCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for status server (disabled if blank)")

	spyRPC = RunCmd.Flags().String("spyRPC", "", "Spy gRPC address to subscribe to signed VAAs")
	guardianRPC = RunCmd.Flags().String("guardianRPC", "", "Guardian public gRPC address to fetch missing VAAs")
	guardianNoTLS = RunCmd.Flags().Bool("guardianInsecure", false, "Connect to the guardian public RPC without TLS")
	fetchTimeout = RunCmd.Flags().Duration("fetchTimeout", 10*time.Second, "Timeout of a single VAA fetch")
	fetchRate = RunCmd.Flags().Float64("fetchRate", 10, "Sustained VAA fetch requests per second")
	fetchBurst = RunCmd.Flags().Int("fetchBurst", 20, "VAA fetch burst size")
	fetchParallel = RunCmd.Flags().Int("fetchParallelism", 4, "Concurrent VAA fetches per batch")
	privateKey = RunCmd.Flags().String("privateKey", "", "Hex encoded key signing deliveries on every target chain")
	storeBackend = RunCmd.Flags().String("storeBackend", db.BackendBadger, "Staging store backend (badger, pebble)")
	dataDir = RunCmd.Flags().String("dataDir", "", "Directory of the staging store")
	workerInterval = RunCmd.Flags().Duration("workerInterval", 3*time.Second, "Interval between reconciliation rounds")
	roundTimeout = RunCmd.Flags().Duration("roundTimeout", time.Minute, "Upper bound of a reconciliation round")
	retryPolicy = RunCmd.Flags().String("retryPolicy", relayer.RetryPolicyExponential, "Retry policy of pending batches (exponential, none)")
	retryInitial = RunCmd.Flags().Duration("retryInitial", 3*time.Second, "First retry delay of the exponential policy")
	retryMax = RunCmd.Flags().Duration("retryMax", 5*time.Minute, "Maximum retry delay of the exponential policy")

	defaultScan := evm.DefaultScanConfig()
	scanRecentBlocks = RunCmd.Flags().Uint64("scanRecentBlocks", defaultScan.RecentBlocks, "Depth of the first receipt search window")
	scanWindowSize = RunCmd.Flags().Uint64("scanWindowSize", defaultScan.WindowSize, "Size of the older receipt search windows")
	scanWindows = RunCmd.Flags().Int("scanWindows", defaultScan.Windows, "Number of receipt search windows")
	scanFallbackAttempts = RunCmd.Flags().Uint64("scanFallbackAttempts", defaultScan.FallbackAttempts, "Polls of the recent window after all windows missed")
	scanFallbackDelay = RunCmd.Flags().Duration("scanFallbackDelay", defaultScan.FallbackDelay, "Delay between fallback polls")

	defaultExec := delivery.DefaultConfig()
	gasLimit = RunCmd.Flags().Uint64("gasLimit", defaultExec.GasLimit, "Gas limit of delivery transactions")
	budgetMargin = RunCmd.Flags().Uint64("budgetMargin", defaultExec.Margin, "Value added to the budget of every delivery")
	waitForConfirmation = RunCmd.Flags().Bool("waitForConfirmation", false, "Wait for each delivery to be mined before the next")
	confirmationTimeout = RunCmd.Flags().Duration("confirmationTimeout", defaultExec.ConfirmationTimeout, "Upper bound of waiting for a delivery to be mined")
	submittedCacheSize = RunCmd.Flags().Int("submittedCacheSize", defaultExec.SubmittedCacheSize, "Submitted instructions remembered so replays skip them")

	defaultEngine := engine.DefaultConfig()
	queueSize = RunCmd.Flags().Int("queueSize", defaultEngine.QueueSize, "Capacity of the event queue")
	maxConcurrent = RunCmd.Flags().Int("maxConcurrentEvents", defaultEngine.MaxConcurrentEvents, "Events processed concurrently")
	dedupeCacheSize = RunCmd.Flags().Int("dedupeCacheSize", defaultEngine.DedupeCacheSize, "Executed triggers remembered to suppress duplicates")
}

// RunCmd runs the generic relayer.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the generic relayer",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.InitFileConfig(cmd, config.ConfigOptions{FilePath: *configFile, EnvPrefix: envPrefix})
		if err != nil {
			return err
		}
		fileConfig = v
		return nil
	},
	Run: runRelayer,
}

func runRelayer(cmd *cobra.Command, args []string) {
	lvl, err := ipfslog.LevelFromString(*logLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	logger := ipfslog.Logger("generic-relayer").Desugar()

	ipfslog.SetAllLoggers(lvl)

	// Verify flags

	if *spyRPC == "" {
		logger.Fatal("Please specify --spyRPC")
	}
	if *guardianRPC == "" {
		logger.Fatal("Please specify --guardianRPC")
	}
	if *dataDir == "" {
		logger.Fatal("Please specify --dataDir")
	}
	chains, err := config.LoadChains(fileConfig)
	if err != nil {
		logger.Fatal("Invalid chain configuration", zap.Error(err))
	}
	key, err := config.LoadPrivateKey(*privateKey)
	if err != nil {
		logger.Fatal("Failed to load delivery key", zap.Error(err))
	}
	retry, err := relayer.NewRetryPolicy(*retryPolicy, relayer.ExponentialRetry{
		Initial:    *retryInitial,
		Multiplier: 2,
		Max:        *retryMax,
	})
	if err != nil {
		logger.Fatal("Invalid retry policy", zap.Error(err))
	}

	rootCtx, rootCtxCancel := context.WithCancel(context.Background())
	defer rootCtxCancel()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigterm
		logger.Info("Received sigterm. exiting.")
		rootCtxCancel()
	}()

	store, err := db.Open(logger, *storeBackend, *dataDir)
	if err != nil {
		logger.Fatal("Failed to open staging store", zap.Error(err))
	}
	defer store.Close()

	guardian, err := fetcher.NewGuardianClient(logger, *guardianRPC, fetcher.ClientOptions{
		Insecure:    *guardianNoTLS,
		CallTimeout: *fetchTimeout,
		RateLimit:   *fetchRate,
		Burst:       *fetchBurst,
	})
	if err != nil {
		logger.Fatal("Failed to create guardian client", zap.Error(err))
	}
	defer guardian.Close()
	resolver := fetcher.NewEngine(logger, guardian, *fetchParallel)

	scanCfg := evm.DefaultScanConfig()
	scanCfg.RecentBlocks = *scanRecentBlocks
	scanCfg.WindowSize = *scanWindowSize
	scanCfg.Windows = *scanWindows
	scanCfg.FallbackAttempts = *scanFallbackAttempts
	scanCfg.FallbackDelay = *scanFallbackDelay

	sources := make([]relayer.SourceChain, 0, len(chains))
	providers := make(map[vaa.ChainID]delivery.Provider, len(chains))
	emitters := make([]listener.Emitter, 0, len(chains))
	for _, c := range chains {
		client, err := evm.Dial(rootCtx, logger, c.ID, c.RPC)
		if err != nil {
			logger.Fatal("Failed to connect to chain", zap.Stringer("chain", c.ID), zap.Error(err))
		}
		defer client.Close()

		provider, err := evm.NewRelayProvider(rootCtx, c.RelayProvider, client, key)
		if err != nil {
			logger.Fatal("Failed to bind relay provider", zap.Stringer("chain", c.ID), zap.Error(err))
		}
		providers[c.ID] = provider

		sources = append(sources, relayer.SourceChain{
			ChainID:        c.ID,
			CoreContract:   c.CoreContract,
			RelayerEmitter: c.RelayerEmitter(),
			Receipts:       evm.NewReceiptScanner(logger, c.ID, client, c.CoreContract, c.RelayerAddress, scanCfg),
		})
		emitters = append(emitters, listener.Emitter{Chain: c.ID, Address: c.RelayerEmitter()})
		logger.Info("Configured chain",
			zap.Stringer("chain", c.ID),
			zap.Stringer("relayProvider", c.RelayProvider),
			zap.Stringer("signer", provider.Signer()))
	}

	executor := delivery.NewExecutor(logger, providers, delivery.Config{
		GasLimit:            *gasLimit,
		Margin:              *budgetMargin,
		WaitForConfirmation: *waitForConfirmation,
		ConfirmationTimeout: *confirmationTimeout,
		SubmittedCacheSize:  *submittedCacheSize,
	})
	defer executor.Close()

	consumer := relayer.NewConsumer(logger, store, resolver, sources)
	eng, err := engine.New(logger, consumer, executor, engine.Config{
		QueueSize:           *queueSize,
		MaxConcurrentEvents: *maxConcurrent,
		DedupeCacheSize:     *dedupeCacheSize,
	})
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	worker := relayer.NewWorker(logger, store, resolver, eng, relayer.WorkerConfig{
		Interval:     *workerInterval,
		RoundTimeout: *roundTimeout,
		Retry:        retry,
	})

	registry := readiness.NewRegistry()
	if err := registry.RegisterComponent(listener.Component); err != nil {
		logger.Fatal("Failed to register readiness component", zap.Error(err))
	}
	spy, err := listener.Dial(logger, *spyRPC, emitters, eng, registry)
	if err != nil {
		logger.Fatal("Failed to create spy listener", zap.Error(err))
	}
	defer spy.Close()

	// Status server
	if *statusAddr != "" {
		router := mux.NewRouter()

		router.Handle("/metrics", promhttp.Handler())
		router.HandleFunc("/readyz", registry.Handler)

		go func() {
			logger.Info("status server listening", zap.String("addr", *statusAddr))
			logger.Error("status server crashed", zap.Error(http.ListenAndServe(*statusAddr, router)))
		}()
	}

	g, ctx := errgroup.WithContext(rootCtx)
	for name, runnable := range map[string]common.Runnable{
		"engine":     eng.Run,
		"reconciler": worker.Run,
		"listener":   spy.Run,
	} {
		g.Go(func() error {
			return common.WrapWithScissors(runnable, name)(ctx)
		})
	}

	logger.Info("Started internal services", zap.Int("chains", len(chains)))
	if err := g.Wait(); err != nil {
		logger.Error("relayer stopped with error", zap.Error(err))
	}
	logger.Info("root context cancelled, exiting...")
}
