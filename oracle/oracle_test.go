package oracle

import (
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type oracleFunc func(base, quote string) (PriceQuote, error)

func (f oracleFunc) GetRate(base, quote string) (PriceQuote, error) {
	return f(base, quote)
}

func TestManualOracleProvidesQuotes(t *testing.T) {
	manual := NewManualOracle()
	now := time.Now().UTC()
	if err := manual.SetDecimal("ZLED", "LED", "2.5", now); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	quote, err := manual.GetRate("zled", "led")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate == nil || quote.Rate.FloatString(2) != "2.50" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
	if !quote.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", quote.Timestamp)
	}
}

func TestManualOracleRejectsInvalidRate(t *testing.T) {
	manual := NewManualOracle()
	if err := manual.SetDecimal("ZLED", "LED", "-1", time.Now()); err == nil {
		t.Fatalf("expected error for negative rate")
	}
	if err := manual.SetDecimal("ZLED", "LED", "abc", time.Now()); err == nil {
		t.Fatalf("expected error for malformed rate")
	}
}

func TestAggregatorStaleQuote(t *testing.T) {
	manual := NewManualOracle()
	agg := NewAggregator([]string{"manual"}, time.Second)
	agg.Register("manual", manual)
	if err := manual.SetDecimal("ZLED", "LED", "2", time.Now().Add(-2*time.Second)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if _, err := agg.GetRate("ZLED", "LED"); err == nil {
		t.Fatalf("expected error for stale quote")
	}
}

func TestAggregatorPriorityFallback(t *testing.T) {
	manual := NewManualOracle()
	agg := NewAggregator([]string{"primary", "manual"}, 5*time.Minute)
	agg.Register("primary", oracleFunc(func(string, string) (PriceQuote, error) {
		return PriceQuote{}, fmt.Errorf("primary down")
	}))
	agg.Register("manual", manual)
	if err := manual.SetDecimal("ZLED", "LED", "1.25", time.Now()); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	quote, err := agg.GetRate("ZLED", "LED")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Source != "manual" {
		t.Fatalf("expected manual source, got %q", quote.Source)
	}
	if quote.Rate.FloatString(2) != "1.25" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
}

func TestAggregatorRejectsNonPositiveRates(t *testing.T) {
	agg := NewAggregator([]string{"bad"}, 0)
	agg.Register("bad", oracleFunc(func(string, string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(0, 1), Timestamp: time.Now()}, nil
	}))
	if _, err := agg.GetRate("ZLED", "LED"); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestHTTPOracleFetchesQuote(t *testing.T) {
	ts := time.Now().Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("from"); got != "ZLED" {
			t.Errorf("unexpected from parameter %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("missing api key header, got %q", got)
		}
		fmt.Fprintf(w, `{"rate":"2.000","timestamp":%d}`, ts)
	}))
	defer server.Close()

	feed := NewHTTPOracle("feed", server.Client(), server.URL, "secret")
	quote, err := feed.GetRate("zled", "led")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate.FloatString(1) != "2.0" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
	if quote.Source != "feed" {
		t.Fatalf("unexpected source %q", quote.Source)
	}
	if quote.Timestamp.Unix() != ts {
		t.Fatalf("unexpected timestamp: %v", quote.Timestamp)
	}
}

func TestHTTPOracleSurfacesUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit", http.StatusTooManyRequests)
	}))
	defer server.Close()

	feed := NewHTTPOracle("feed", server.Client(), server.URL, "")
	if _, err := feed.GetRate("ZLED", "LED"); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestScaledIntTruncates(t *testing.T) {
	quote := PriceQuote{Rate: big.NewRat(4, 3)}
	scale := big.NewInt(1_000_000)
	scaled, err := quote.ScaledInt(scale)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if scaled.String() != "1333333" {
		t.Fatalf("expected truncated 1333333, got %s", scaled)
	}

	if _, err := (PriceQuote{}).ScaledInt(scale); err == nil {
		t.Fatalf("expected error for missing rate")
	}
}
