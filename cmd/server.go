// Server = root side + child side + checkpoint oracle + operation db +
// orchestrator + http reporter.
// All components are configured via environment variables (strings!).

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/bridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/checkpoint"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/database"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/etherman"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/proof"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/reporter"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/signers"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/token"
)

// BridgeServer holds the objects that consists of the bridge server.
type BridgeServer struct {
	cfg *BridgeConfig

	// chains
	RootEtherman  *etherman.Etherman
	ChildEtherman *etherman.Etherman

	// signing
	Keyring *signers.Keyring
	Account agreement.Account

	// checkpoints and proofs
	ProofClient *proof.Client
	Oracle      *checkpoint.Oracle

	// tokens
	RootToken  *token.RootToken
	ChildToken *token.ChildToken

	// state side
	SqlDB       *sql.DB
	OperationDB *operation.OperationDB

	Orchestrator *bridge.Orchestrator
	Registry     *prometheus.Registry

	// last child block covered by a checkpoint
	checkpointBlock prometheus.Gauge

	// nil when HttpPort is empty
	Reporter *reporter.HttpReporter
}

// NewBridgeServer dials both chains, checks the configured contracts exist
// and wires every component. Nothing is started until Run.
func NewBridgeServer(ctx context.Context, cfg *BridgeConfig) (*BridgeServer, error) {
	// 0) connect to both chains
	rootEm, err := etherman.NewEtherman(ctx, &etherman.Config{
		URL:             cfg.RootRpcUrl,
		Chain:           agreement.Root,
		ExpectedChainID: chainID(cfg.RootChainId),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to root chain: %w", err)
	}
	childEm, err := etherman.NewEtherman(ctx, &etherman.Config{
		URL:             cfg.ChildRpcUrl,
		Chain:           agreement.Child,
		ExpectedChainID: chainID(cfg.ChildChainId),
	})
	if err != nil {
		rootEm.Close()
		return nil, fmt.Errorf("failed to connect to child chain: %w", err)
	}

	bs, err := NewBridgeServerWithEthermans(cfg, rootEm, childEm)
	if err != nil {
		rootEm.Close()
		childEm.Close()
		return nil, err
	}
	if err := bs.CheckContracts(ctx); err != nil {
		bs.Close()
		return nil, err
	}
	return bs, nil
}

// NewBridgeServerWithEthermans wires the server over already connected
// chains. The server owns them afterwards and closes them in Close.
func NewBridgeServerWithEthermans(cfg *BridgeConfig, rootEm, childEm *etherman.Etherman) (*BridgeServer, error) {
	// 1) the account that signs every bridge transaction
	signer, err := signers.NewLocalSignerFromHex(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	keyring := signers.NewKeyring(signer)
	account, err := keyring.Account(signer.Address())
	if err != nil {
		return nil, err
	}
	logger.WithField("address", account.Address.Hex()).Info("bridge account")

	// 2) proof api + checkpoint oracle over the RootChainProxy logs
	proofClient := proof.NewClient(&proof.Config{
		URL:     cfg.ProofApiUrl,
		Network: cfg.ProofApiNetwork,
	})
	childTokenAddr := ethcommon.HexToAddress(cfg.ChildTokenAddr)
	oracle, err := checkpoint.NewOracle(&checkpoint.Config{
		RootChainProxy: ethcommon.HexToAddress(cfg.RootChainProxyAddr),
		ChildToken:     childTokenAddr,
		StartBlock:     cfg.CheckpointStartBlock,
		SyncInterval:   cfg.pollInterval(),
	}, rootEm.Client(), childEm.Client())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint oracle: %w", err)
	}

	// 3) token proxies on both chains
	var predicate ethcommon.Address
	if cfg.ERC20PredicateAddr != "" {
		predicate = ethcommon.HexToAddress(cfg.ERC20PredicateAddr)
	}
	rootToken, err := token.NewRootToken(rootEm, &token.Config{
		Address:      ethcommon.HexToAddress(cfg.RootTokenAddr),
		ChainManager: ethcommon.HexToAddress(cfg.RootChainManagerAddr),
		Predicate:    predicate,
		PollInterval: cfg.pollInterval(),
	}, proofClient, oracle)
	if err != nil {
		return nil, fmt.Errorf("failed to create root token: %w", err)
	}
	childToken, err := token.NewChildToken(childEm, &token.Config{
		Address:        childTokenAddr,
		WithdrawMethod: cfg.WithdrawMethod,
		PollInterval:   cfg.pollInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create child token: %w", err)
	}

	// 4) sqlite + operation db
	sqlDB, err := database.NewSQLiteDB(cfg.DbFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file: %w", err)
	}
	opDB, err := operation.NewOperationDB(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create operation db: %w", err)
	}

	// 5) orchestrator, with its metrics on a registry of its own
	registry := prometheus.NewRegistry()
	orchestrator := bridge.New(cfg.orchestratorConfig(), rootToken, childToken, oracle, opDB, keyring).
		WithMetrics(bridge.NewMetrics(registry))
	checkpointBlock := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "checkpoint_child_block",
		Help:      "Last child block covered by a checkpoint on the root chain.",
	})
	registry.MustRegister(checkpointBlock)

	// 6) http reporter
	var httpReporter *reporter.HttpReporter
	if cfg.HttpPort != "" {
		httpReporter = reporter.NewHttpReporter(cfg.HttpIp, cfg.HttpPort, orchestrator, keyring).
			WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return &BridgeServer{
		cfg:             cfg,
		RootEtherman:    rootEm,
		ChildEtherman:   childEm,
		Keyring:         keyring,
		Account:         account,
		ProofClient:     proofClient,
		Oracle:          oracle,
		RootToken:       rootToken,
		ChildToken:      childToken,
		SqlDB:           sqlDB,
		OperationDB:     opDB,
		Orchestrator:    orchestrator,
		Registry:        registry,
		checkpointBlock: checkpointBlock,
		Reporter:        httpReporter,
	}, nil
}

// CheckContracts fails when one of the configured contracts has no code.
func (bs *BridgeServer) CheckContracts(ctx context.Context) error {
	rootAddrs := []string{bs.cfg.RootTokenAddr, bs.cfg.RootChainManagerAddr, bs.cfg.RootChainProxyAddr}
	for _, addr := range rootAddrs {
		if err := bs.RootEtherman.EnsureContract(ctx, ethcommon.HexToAddress(addr)); err != nil {
			return err
		}
	}
	return bs.ChildEtherman.EnsureContract(ctx, ethcommon.HexToAddress(bs.cfg.ChildTokenAddr))
}

// Run resumes the unfinished operations and serves until ctx is done. The
// orchestrator is stopped before Run returns, so every operation has its
// last state persisted.
func (bs *BridgeServer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bs.Oracle.Sync(ctx)
	})

	g.Go(func() error {
		bs.followCheckpoints(ctx)
		return nil
	})

	if bs.Reporter != nil {
		g.Go(func() error {
			return bs.Reporter.Run(ctx)
		})
	}

	g.Go(func() error {
		handles, err := bs.Orchestrator.ResumeUnfinished(ctx)
		if err != nil {
			logger.Errorf("failed to resume operations: err=%v", err)
		} else if len(handles) > 0 {
			logger.Infof("resumed %d operations", len(handles))
		}

		<-ctx.Done()
		bs.Orchestrator.Stop()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// followCheckpoints exports the newest checkpoint until ctx is done.
func (bs *BridgeServer) followCheckpoints(ctx context.Context) {
	for rec := range bs.Oracle.Watch(ctx, 0) {
		bs.checkpointBlock.Set(float64(rec.ChildEnd))
		logger.WithFields(logger.Fields{
			"headerBlock": rec.HeaderBlockID,
			"childStart":  rec.ChildStart,
			"childEnd":    rec.ChildEnd,
		}).Debug("new checkpoint")
	}
}

func (bs *BridgeServer) Close() {
	bs.Orchestrator.Stop()
	bs.OperationDB.Close()
	bs.SqlDB.Close()
	bs.RootEtherman.Close()
	bs.ChildEtherman.Close()
}

// Create, then start the bridge server and wait.
// Press Ctrl-C to kill the server.
func StartBridgeServerAndWait(cfg *BridgeConfig) error {
	// Set up a context that is cancelled on Ctrl-C (SIGINT) or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bs, err := NewBridgeServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer bs.Close()

	logger.Info("bridge server started, press Ctrl-C to stop")
	err = bs.Run(ctx)
	logger.Info("bridge server stopped")
	return err
}
