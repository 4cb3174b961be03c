package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/workers"
)

// settlementNode holds the components shared by the long running node and the
// one-shot CLI commands
type settlementNode struct {
	store    *database.SQLiteManager
	assets   *payment.AssetCatalog
	payments *payment.PaymentManager
	settler  *payment.Settler
	monitor  *payment.PaymentMonitor
	metrics  *utils.SettlementMetrics
	pool     *workers.WorkerPool
	eth      *payment.EthNode
}

type nodeOptions struct {
	// chains dials the chain backends; commands that only touch the database skip it
	chains bool
	// publisher receives settlement events, nil when nothing subscribes
	publisher payment.EventPublisher
}

func openNode(ctx context.Context, opts nodeOptions) (*settlementNode, error) {
	n := &settlementNode{metrics: utils.NewSettlementMetrics()}

	store, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	n.store = store

	n.assets, err = payment.NewAssetCatalog(config)
	if err != nil {
		n.Close()
		return nil, err
	}

	fallback, err := payment.LoadFallbackRates(config)
	if err != nil {
		n.Close()
		return nil, err
	}
	if fiat := config.GetConfigWithDefault("fiat_currency", "USD"); !strings.EqualFold(fiat, fallback.Fiat) {
		logger.Warn(fmt.Sprintf("Fallback rates are quoted in %s but charges are priced in %s, charges fail while the live rate is down", fallback.Fiat, fiat), "cli")
	}
	rates := payment.NewExchangeRateProvider(payment.NewCoinGeckoRates(config, logger), fallback, logger)
	generator := payment.NewChargeGenerator(config, n.assets, rates, logger)
	n.payments = payment.NewPaymentManager(config, store, generator, logger)

	n.pool = workers.NewWorkerPool(ctx,
		config.GetConfigInt("notifier_workers", 2, 1, 64),
		config.GetConfigInt("notifier_queue_size", 100, 1, 100000),
		logger)
	n.pool.Start()

	n.settler = payment.NewSettler(store, n.assets, n.notifier(opts.publisher), logger, n.metrics)
	if opts.publisher != nil {
		n.settler.SetEventPublisher(opts.publisher)
	}

	var clients payment.ChainClients
	if opts.chains {
		clients = n.dialChains(ctx)
	}
	verifiers, err := payment.NewVerifierSet(config, n.assets, clients, logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.monitor = payment.NewPaymentMonitor(config, store, verifiers, n.settler, logger, n.metrics)
	if opts.publisher != nil {
		n.monitor.SetEventPublisher(opts.publisher)
	}

	return n, nil
}

// notifier delivers settlements to notifier_url when set and to the log otherwise,
// plus the event stream when one is attached
func (n *settlementNode) notifier(publisher payment.EventPublisher) payment.Notifier {
	var primary payment.Notifier = payment.NewLogNotifier(logger)
	if strings.TrimSpace(config.GetConfigWithDefault("notifier_url", "")) != "" {
		primary = payment.NewHTTPNotifier(config, logger)
	}

	var next payment.Notifier = primary
	if publisher != nil {
		next = payment.MultiNotifier{primary, payment.NewEventNotifier(publisher)}
	}
	return payment.NewAsyncNotifier(next, n.pool, logger, n.metrics)
}

// dialChains connects the configured backends; an unreachable backend leaves its
// currencies pending instead of failing startup
func (n *settlementNode) dialChains(ctx context.Context) payment.ChainClients {
	limiter := payment.NewChainRateLimiter(config)
	var clients payment.ChainClients

	if config.GetConfigWithDefault("esplora_url", "") != "" {
		clients.Esplora = payment.NewEsploraClient(config, limiter, logger)
	}

	if rpcURL := config.GetConfigWithDefault("eth_rpc_url", ""); rpcURL != "" {
		eth, err := payment.DialEthNode(ctx, rpcURL, limiter)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to connect to Ethereum RPC %s: %v", rpcURL, err), "cli")
		} else {
			n.eth = eth
			clients.Account = eth
			clients.Tokens = eth
		}
	}

	if rpcURL := config.GetConfigWithDefault("solana_rpc_url", ""); rpcURL != "" {
		clients.Solana = payment.NewSolanaNode(rpcURL, limiter)
	}

	return clients
}

// Close drains queued notifications and releases the backends
func (n *settlementNode) Close() {
	if n.pool != nil {
		n.pool.Stop()
	}
	if n.eth != nil {
		n.eth.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to close database: %v", err), "cli")
		}
	}
}
