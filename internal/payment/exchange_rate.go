package payment

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const (
	RateSourceLive     = "live"
	RateSourceFallback = "fallback"
)

// RateProvider returns fiat units per one unit of currency
type RateProvider interface {
	Rate(ctx context.Context, currency types.Currency, fiat string) (decimal.Decimal, error)
}

// RateQuote is the rate used for one conversion
type RateQuote struct {
	Rate   decimal.Decimal
	Source string
}

var coinGeckoIDs = map[types.Currency]string{
	types.CurrencyBTC:     "bitcoin",
	types.CurrencyETH:     "ethereum",
	types.CurrencyUSDT:    "tether",
	types.CurrencyUSDC:    "usd-coin",
	types.CurrencyUSDCSol: "usd-coin",
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// CoinGeckoRates queries a CoinGecko compatible /simple/price endpoint with a TTL cache
type CoinGeckoRates struct {
	baseURL string
	ttl     time.Duration
	client  *jsonHTTPClient
	nowFn   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRate
}

func NewCoinGeckoRates(cm *utils.ConfigManager, logger Logger) *CoinGeckoRates {
	return &CoinGeckoRates{
		baseURL: strings.TrimRight(cm.GetConfigWithDefault("exchange_rate_url", "https://api.coingecko.com/api/v3"), "/"),
		ttl:     cm.GetConfigDuration("exchange_rate_cache_ttl", 5*time.Minute),
		client:  newJSONHTTPClient("exchange_rate", cm.GetConfigDuration("exchange_rate_timeout", 10*time.Second), nil, 1, logger),
		nowFn:   time.Now,
		cache:   make(map[string]cachedRate),
	}
}

func (c *CoinGeckoRates) Rate(ctx context.Context, currency types.Currency, fiat string) (decimal.Decimal, error) {
	id, ok := coinGeckoIDs[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	vs := strings.ToLower(fiat)
	key := id + "/" + vs

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.nowFn().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.rate, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s", c.baseURL, url.QueryEscape(id), url.QueryEscape(vs))
	var body map[string]map[string]decimal.Decimal
	if err := c.client.getJSON(ctx, endpoint, &body); err != nil {
		return decimal.Zero, fmt.Errorf("exchange rate lookup failed: %w", err)
	}

	rate, ok := body[id][vs]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange rate missing for %s/%s", id, vs)
	}

	c.mu.Lock()
	c.cache[key] = cachedRate{rate: rate, fetchedAt: c.nowFn()}
	c.mu.Unlock()

	return rate, nil
}

// FallbackRates is the static table used when the live lookup fails. Every rate is
// quoted in Fiat.
type FallbackRates struct {
	Fiat  string
	Rates map[types.Currency]decimal.Decimal
}

// Rate returns the table rate of currency, only when fiat is the table's fiat
func (f FallbackRates) Rate(currency types.Currency, fiat string) (decimal.Decimal, error) {
	if !strings.EqualFold(f.Fiat, fiat) {
		return decimal.Zero, fmt.Errorf("%w: fallback rates are quoted in %s, not %s", ErrRateUnavailable, f.Fiat, fiat)
	}
	rate, ok := f.Rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no fallback rate for %s", ErrUnsupportedCurrency, currency)
	}
	return rate, nil
}

type fallbackRatesFile struct {
	Fiat  string            `yaml:"fiat"`
	Rates map[string]string `yaml:"rates"`
}

// LoadFallbackRates reads fallback_rates_fiat and fallback_rate_<currency> keys, then
// the optional YAML file named by fallback_rates_file, whose entries take precedence.
func LoadFallbackRates(cm *utils.ConfigManager) (FallbackRates, error) {
	defaults := map[types.Currency]string{
		types.CurrencyBTC:     "60000",
		types.CurrencyETH:     "3000",
		types.CurrencyUSDT:    "1",
		types.CurrencyUSDC:    "1",
		types.CurrencyUSDCSol: "1",
	}

	rates := FallbackRates{
		Fiat:  strings.ToUpper(cm.GetConfigWithDefault("fallback_rates_fiat", "USD")),
		Rates: make(map[types.Currency]decimal.Decimal),
	}
	for _, currency := range types.SupportedCurrencies() {
		raw := cm.GetConfigWithDefault("fallback_rate_"+currency.ConfigKey(), defaults[currency])
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			return FallbackRates{}, &ConfigurationError{Currency: currency, Reason: fmt.Sprintf("invalid fallback rate %q", raw)}
		}
		rates.Rates[currency] = rate
	}

	path := cm.GetConfigWithDefault("fallback_rates_file", "")
	if path == "" {
		return rates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FallbackRates{}, fmt.Errorf("failed to read fallback rates file: %w", err)
	}
	var file fallbackRatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return FallbackRates{}, fmt.Errorf("failed to parse fallback rates file: %w", err)
	}
	if file.Fiat != "" {
		rates.Fiat = strings.ToUpper(file.Fiat)
	}
	for code, raw := range file.Rates {
		currency, ok := types.ParseCurrency(code)
		if !ok {
			return FallbackRates{}, fmt.Errorf("%w in fallback rates file: %s", ErrUnsupportedCurrency, code)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			return FallbackRates{}, &ConfigurationError{Currency: currency, Reason: fmt.Sprintf("invalid fallback rate %q", raw)}
		}
		rates.Rates[currency] = rate
	}

	return rates, nil
}

// ExchangeRateProvider prefers the live provider and falls back to the static table
type ExchangeRateProvider struct {
	live     RateProvider
	fallback FallbackRates
	logger   Logger
}

func NewExchangeRateProvider(live RateProvider, fallback FallbackRates, logger Logger) *ExchangeRateProvider {
	return &ExchangeRateProvider{live: live, fallback: fallback, logger: logger}
}

// Quote falls back to the static table only when the table is quoted in fiat
func (p *ExchangeRateProvider) Quote(ctx context.Context, currency types.Currency, fiat string) (RateQuote, error) {
	if p.live != nil {
		rate, err := p.live.Rate(ctx, currency, fiat)
		if err == nil && rate.IsPositive() {
			return RateQuote{Rate: rate, Source: RateSourceLive}, nil
		}
		if err == nil {
			err = fmt.Errorf("non-positive rate %s", rate)
		}
		p.logger.Warn(fmt.Sprintf("Live %s/%s rate unavailable, using fallback table: %v", currency, fiat, err), "exchange_rate")
	}

	rate, err := p.fallback.Rate(currency, fiat)
	if err != nil {
		return RateQuote{}, err
	}
	return RateQuote{Rate: rate, Source: RateSourceFallback}, nil
}
