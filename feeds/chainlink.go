package feeds

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINLINK PRIMARY ORACLE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls latestRoundData() on the on-chain aggregators the market resolves
// against. This is the source the strike must align with, so it ranks first
// in reference-price resolution.
//
// ═══════════════════════════════════════════════════════════════════════════════

// latestRoundData() → (roundId, answer, startedAt, updatedAt, answeredInRound)
var latestRoundDataSelector = common.FromHex("0xfeaf968c")

// Aggregator addresses on Polygon.
var chainlinkFeeds = map[string]struct {
	Address  string
	Decimals int32
}{
	"BTC": {Address: "0xc907E116054Ad103354f2D350FD2514433D57F6f", Decimals: 8},
	"ETH": {Address: "0xF9680D99D6C9589e2a93a78A04A279e509205945", Decimals: 8},
	"SOL": {Address: "0x10C8264C0935b3B9870013e057f330Ff3e9C56dC", Decimals: 8},
}

// ChainlinkOracle polls the aggregator contracts over JSON-RPC.
type ChainlinkOracle struct {
	mu sync.Mutex

	rpcURL   string
	symbols  []string
	interval time.Duration
	timeout  time.Duration

	client  *ethclient.Client
	running bool
	stopCh  chan struct{}

	lastRound map[string]uint64
}

func NewChainlinkOracle(rpcURL string, symbols []string, interval, timeout time.Duration) *ChainlinkOracle {
	tracked := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := chainlinkFeeds[s]; ok {
			tracked = append(tracked, s)
		} else {
			log.Warn().Str("symbol", s).Msg("No Chainlink aggregator for symbol, primary oracle skipped")
		}
	}
	return &ChainlinkOracle{
		rpcURL:    rpcURL,
		symbols:   tracked,
		interval:  interval,
		timeout:   timeout,
		stopCh:    make(chan struct{}),
		lastRound: make(map[string]uint64),
	}
}

func (c *ChainlinkOracle) Name() string     { return "chainlink" }
func (c *ChainlinkOracle) Kind() SourceKind { return KindPrimaryOracle }

// Start dials the RPC endpoint and begins polling.
func (c *ChainlinkOracle) Start(out chan<- PriceUpdate) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.pollLoop(out)
	log.Info().
		Strs("symbols", c.symbols).
		Str("rpc", c.rpcURL).
		Msg("⛓️ Chainlink oracle started")
}

// Stop stops the poll loop.
func (c *ChainlinkOracle) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.client != nil {
		c.client.Close()
	}
}

func (c *ChainlinkOracle) pollLoop(out chan<- PriceUpdate) {
	client, err := ethclient.Dial(c.rpcURL)
	if err != nil {
		log.Error().Err(err).Msg("Chainlink RPC dial failed, oracle disabled")
		return
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.fetchAll(out)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.fetchAll(out)
		}
	}
}

func (c *ChainlinkOracle) fetchAll(out chan<- PriceUpdate) {
	for _, symbol := range c.symbols {
		price, roundID, err := c.fetch(symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Chainlink fetch failed")
			continue
		}

		c.mu.Lock()
		newRound := roundID != c.lastRound[symbol]
		c.lastRound[symbol] = roundID
		c.mu.Unlock()

		if newRound {
			log.Debug().
				Str("symbol", symbol).
				Str("price", price.StringFixed(2)).
				Uint64("round", roundID).
				Msg("⛓️ Chainlink round update")
		}

		select {
		case out <- PriceUpdate{
			Source: c.Name(),
			Kind:   KindPrimaryOracle,
			Symbol: symbol,
			Price:  price,
			At:     time.Now().UTC(),
		}:
		case <-c.stopCh:
			return
		}
	}
}

// fetch reads latestRoundData for one symbol's aggregator.
func (c *ChainlinkOracle) fetch(symbol string) (decimal.Decimal, uint64, error) {
	feed := chainlinkFeeds[symbol]
	to := common.HexToAddress(feed.Address)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: latestRoundDataSelector,
	}, nil)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if len(result) < 160 { // 5 words
		return decimal.Zero, 0, fmt.Errorf("round data too short: %d bytes", len(result))
	}

	roundID := new(big.Int).SetBytes(result[0:32]).Uint64()
	answer := new(big.Int).SetBytes(result[32:64])
	price := decimal.NewFromBigInt(answer, -feed.Decimals)

	return price, roundID, nil
}
