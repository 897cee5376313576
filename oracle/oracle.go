package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures an exchange rate for a specific asset pair along with the
// timestamp reported by the upstream feed and the feed identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision. The value is rounded
// using bankers rounding in line with big.Rat formatting semantics.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// ScaledInt converts the quote into a fixed-point integer rate by multiplying
// with the supplied scale and truncating toward zero. The ledger consumes
// rates this way so that all downstream arithmetic stays in integers.
func (q PriceQuote) ScaledInt(scale *big.Int) (*big.Int, error) {
	if q.Rate == nil || q.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: rate must be positive")
	}
	if scale == nil || scale.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: scale must be positive")
	}
	scaled := new(big.Int).Mul(q.Rate.Num(), scale)
	scaled.Quo(scaled, q.Rate.Denom())
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: rate %s vanishes at scale %s", q.Rate.RatString(), scale.String())
	}
	return scaled, nil
}

// PriceOracle resolves an exchange rate for the provided base/quote asset pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote within
// the configured freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// Aggregator consults a list of registered feeds in priority order until a
// fresh quote is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
}

// NewAggregator constructs a new aggregator with the provided priority and
// freshness window. When priority is nil a zero-length slice is initialised so
// that Register can safely append identifiers without additional checks.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	prio := append([]string{}, priority...)
	return &Aggregator{
		priority: prio,
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetPriority replaces the priority ordering used when consulting child feeds.
func (a *Aggregator) SetPriority(priority []string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.priority = append([]string{}, priority...)
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored in lowercase to ensure lookups remain consistent regardless of the
// configuration casing.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	exists := false
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			exists = true
			break
		}
	}
	if !exists {
		a.priority = append(a.priority, trimmed)
	}
}

// GetRate fetches a rate from the configured feeds respecting the priority
// ordering. The aggregator enforces the freshness window and the returned
// quote carries its own copy of the upstream value.
func (a *Aggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	baseSym := normaliseSymbol(base)
	quoteSym := normaliseSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("oracle: base and quote required")
	}

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		oracle := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if oracle == nil {
			continue
		}
		quoted, err := oracle.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = err
			continue
		}
		if quoted.Rate == nil || quoted.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && quoted.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quoted.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

// ManualOracle provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

func manualKey(base, quote string) string {
	return normaliseSymbol(base) + "_" + normaliseSymbol(quote)
}

// SetDecimal records the supplied decimal rate for the asset pair using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(base, quote, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Set stores the provided rational rate for the asset pair. Pairs with an
// empty side are ignored.
func (m *ManualOracle) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	if normaliseSymbol(base) == "" || normaliseSymbol(quote) == "" {
		return
	}
	m.mu.Lock()
	clone := PriceQuote{Timestamp: ts, Source: "manual"}
	clone.Rate = new(big.Rat).Set(rate)
	m.quotes[manualKey(base, quote)] = clone
	m.mu.Unlock()
}

// GetRate retrieves the stored rate for the asset pair.
func (m *ManualOracle) GetRate(base, quote string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual oracle not configured")
	}
	key := manualKey(base, quote)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual oracle: quote for %s/%s not found", base, quote)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOracle fetches price data from a JSON quote endpoint. The endpoint is
// expected to accept from/to query parameters and respond with
// {"rate": "<decimal>", "timestamp": <unix seconds>}.
type HTTPOracle struct {
	client   HTTPDoer
	name     string
	endpoint string
	apiKey   string
}

// NewHTTPOracle constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPOracle(name string, client HTTPDoer, endpoint, apiKey string) *HTTPOracle {
	if client == nil {
		client = http.DefaultClient
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		trimmed = "http"
	}
	return &HTTPOracle{
		client:   client,
		name:     trimmed,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

func (o *HTTPOracle) GetRate(base, quote string) (PriceQuote, error) {
	if o == nil {
		return PriceQuote{}, fmt.Errorf("http oracle not configured")
	}
	if o.endpoint == "" {
		return PriceQuote{}, fmt.Errorf("%s oracle: endpoint required", o.name)
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceQuote{}, err
	}
	values := url.Values{}
	values.Set("from", normaliseSymbol(base))
	values.Set("to", normaliseSymbol(quote))
	req.URL.RawQuery = values.Encode()
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceQuote{}, fmt.Errorf("%s oracle: status %d: %s", o.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PriceQuote{}, fmt.Errorf("%s oracle: decode: %w", o.name, err)
	}
	rate := strings.TrimSpace(payload.Rate)
	if rate == "" {
		return PriceQuote{}, fmt.Errorf("%s oracle: empty rate", o.name)
	}
	rat, ok := new(big.Rat).SetString(rate)
	if !ok || rat.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("%s oracle: invalid rate %q", o.name, payload.Rate)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return PriceQuote{Rate: rat, Timestamp: ts, Source: o.name}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
