// Package watcher observes token transfers arriving at the desk's
// published deposit address.
//
// Observations are advisory. The desk holds no funds on-platform and an
// admin still confirms every payment by hand; the watcher only logs and
// broadcasts what it sees on chain so admins can cross-check the books.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// USDT carries 6 decimals on Polygon.
const tokenDecimals = 6

var watcherObservationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "middleman",
	Subsystem: "watcher",
	Name:      "observed_transfers_total",
	Help:      "Token transfers observed arriving at the desk address.",
})

func init() {
	prometheus.MustRegister(watcherObservationsTotal)
}

// Observation describes one transfer seen arriving at the desk address.
type Observation struct {
	TxHash     string    `json:"txHash"`
	From       string    `json:"from"`
	Amount     string    `json:"amount"`
	Token      string    `json:"token"`
	Block      uint64    `json:"block"`
	ObservedAt time.Time `json:"observedAt"`
}

// Sink receives observations as they are seen. Implementations must not
// block; the watcher calls them from its poll loop.
type Sink interface {
	TransferObserved(obs Observation)
}

// Config for the desk watcher
type Config struct {
	RPCURL        string
	TokenContract common.Address
	DeskAddress   common.Address
	TokenSymbol   string
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TokenSymbol:  "USDT",
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher polls the chain for transfers into the desk address.
type Watcher struct {
	client *ethclient.Client
	config Config
	sink   Sink
	logger *slog.Logger

	// Track observed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last scanned block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New connects to the RPC endpoint and prepares a watcher. The sink may be
// nil, in which case observations are only logged.
func New(cfg Config, sink Sink) (*Watcher, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("no RPC URL configured")
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "USDT"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &Watcher{
		client:    client,
		config:    cfg,
		sink:      sink,
		logger:    slog.Default(),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// WithLogger sets the watcher's logger.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger
	return w
}

// Start begins polling for transfers.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("desk watcher started",
		"desk", w.config.DeskAddress.Hex(),
		"token", w.config.TokenContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				w.logger.Error("watcher scan failed", "error", err)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Transfer events into the desk address
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.config.DeskAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		w.observe(vLog)
	}

	w.lastBlock = currentBlock
	return nil
}

// observe records one transfer. Escrows move on admin commands, never on
// chain events, so this only logs, counts, and forwards to the sink.
func (w *Watcher) observe(vLog types.Log) {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return
	}
	w.processed[txHash] = true
	w.mu.Unlock()

	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		w.logger.Warn("malformed transfer event", "tx", txHash)
		return
	}

	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	amount := decimal.NewFromBigInt(new(big.Int).SetBytes(vLog.Data), -tokenDecimals)

	obs := Observation{
		TxHash:     txHash,
		From:       from,
		Amount:     amount.String(),
		Token:      w.config.TokenSymbol,
		Block:      vLog.BlockNumber,
		ObservedAt: time.Now().UTC(),
	}

	watcherObservationsTotal.Inc()
	w.logger.Info("transfer observed at desk address",
		"from", obs.From,
		"amount", obs.Amount,
		"token", obs.Token,
		"block", obs.Block,
		"tx", txHash,
	)

	if w.sink != nil {
		w.sink.TransferObserved(obs)
	}
}
