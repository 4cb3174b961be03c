package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const (
	satoshiDecimals     = 8
	esploraMaxPages     = 10
	esploraChainPageLen = 25
)

type esploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type esploraOutput struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type esploraTx struct {
	TxID   string          `json:"txid"`
	Status esploraStatus   `json:"status"`
	Vout   []esploraOutput `json:"vout"`
}

// EsploraClient reads address history from an Esplora compatible REST API
type EsploraClient struct {
	baseURL string
	client  *jsonHTTPClient
}

func NewEsploraClient(cm *utils.ConfigManager, limiter *rate.Limiter, logger Logger) *EsploraClient {
	return newEsploraClient(
		cm.GetConfigWithDefault("esplora_url", "https://blockstream.info/api"),
		cm.GetConfigDuration("chain_call_timeout", 15*time.Second),
		limiter,
		logger,
	)
}

func newEsploraClient(baseURL string, timeout time.Duration, limiter *rate.Limiter, logger Logger) *EsploraClient {
	return &EsploraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newJSONHTTPClient("esplora", timeout, limiter, 2, logger),
	}
}

// addressTxs returns one page of history. The first page holds mempool and the newest
// confirmed transactions; later pages continue after lastSeen.
func (c *EsploraClient) addressTxs(ctx context.Context, address string, lastSeen string) ([]esploraTx, error) {
	endpoint := fmt.Sprintf("%s/address/%s/txs", c.baseURL, url.PathEscape(address))
	if lastSeen != "" {
		endpoint = fmt.Sprintf("%s/chain/%s", endpoint, url.PathEscape(lastSeen))
	}
	var txs []esploraTx
	if err := c.client.getJSON(ctx, endpoint, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// UTXOVerifier matches outputs paid to the receiving address
type UTXOVerifier struct {
	asset  Asset
	client *EsploraClient
	opts   ScanOptions
	logger Logger
}

func NewUTXOVerifier(asset Asset, client *EsploraClient, opts ScanOptions, logger Logger) *UTXOVerifier {
	return &UTXOVerifier{asset: asset, client: client, opts: opts, logger: logger}
}

func (v *UTXOVerifier) Verify(ctx context.Context, req MatchRequest) ChainMatch {
	notBefore := req.NotBefore.Unix()
	var unconfirmed *ChainMatch
	lastSeen := ""

	for page := 0; page < esploraMaxPages; page++ {
		callCtx, cancel := v.opts.callContext(ctx)
		txs, err := v.client.addressTxs(callCtx, req.Address, lastSeen)
		cancel()
		if err != nil {
			return ChainMatch{Err: transientError(v.asset.Currency, "address history", err)}
		}

		reachedWindowStart := false
		for _, tx := range txs {
			if tx.Status.Confirmed && tx.Status.BlockTime < notBefore {
				reachedWindowStart = true
				continue
			}
			if req.claimed(tx.TxID) {
				continue
			}

			received, ok := v.matchingOutput(tx, req.Address, req.Expected)
			if !ok {
				continue
			}

			match := ChainMatch{Verified: true, TxID: tx.TxID, Amount: received}
			if tx.Status.Confirmed {
				match.Confirmations = 1
				match.BlockHeight = tx.Status.BlockHeight
				return match
			}
			if unconfirmed == nil {
				unconfirmed = &match
			}
		}

		if reachedWindowStart || len(txs) < esploraChainPageLen {
			break
		}
		last := txs[len(txs)-1]
		if !last.Status.Confirmed {
			break
		}
		lastSeen = last.TxID
	}

	if unconfirmed != nil {
		v.logger.Debug(fmt.Sprintf("Unconfirmed %s transfer %s seen for %s", v.asset.Currency, unconfirmed.TxID, req.ChargeID), "verifier")
		return *unconfirmed
	}
	return ChainMatch{}
}

// matchingOutput returns the first output of tx paying address an amount within
// tolerance of expected; outputs are never summed
func (v *UTXOVerifier) matchingOutput(tx esploraTx, address string, expected decimal.Decimal) (decimal.Decimal, bool) {
	for _, out := range tx.Vout {
		if out.Value <= 0 || !sameBitcoinAddress(out.ScriptPubKeyAddress, address) {
			continue
		}
		amount := decimal.New(out.Value, -satoshiDecimals)
		if v.asset.WithinTolerance(expected, amount) {
			return amount, true
		}
	}
	return decimal.Zero, false
}
