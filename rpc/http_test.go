package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/events"
	"lendledger/ledger"
	"lendledger/node"
	"lendledger/oracle"
	"lendledger/state"
	"lendledger/storage"
)

const testAuthToken = "test-rpc-token"

func newRPCTestNode(t *testing.T) *node.Node {
	t.Helper()
	feed := oracle.NewManualOracle()
	if err := feed.SetDecimal("ZLED", "LED", "2", time.Now()); err != nil {
		t.Fatalf("seed oracle: %v", err)
	}
	n, err := node.New(state.NewManager(storage.NewMemDB()), ledger.Params{}, feed, events.NewJournal())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := n.AdvanceTick(); err != nil {
		t.Fatalf("advance tick: %v", err)
	}
	return n
}

func testParticipant(t *testing.T, n *node.Node, suffix byte, base, collateral int64) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	addr := crypto.NewAddress(crypto.LedgerPrefix, raw)
	err := n.WithSession(func(session *state.Session) error {
		return custody.Credit(session, addr, big.NewInt(base), big.NewInt(collateral))
	})
	if err != nil {
		t.Fatalf("fund participant: %v", err)
	}
	return addr
}

func rpcCall(t *testing.T, handler http.Handler, token, method string, params ...interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		encoded, err := json.Marshal(param)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
		"params":  raw,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:52000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) RPCResponse {
	t.Helper()
	var resp RPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func resultField(t *testing.T, resp RPCResponse, key string) string {
	t.Helper()
	object, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %T", resp.Result)
	}
	value, ok := object[key].(string)
	if !ok {
		t.Fatalf("expected string field %q in %v", key, object)
	}
	return value
}

func TestDepositRequiresAuth(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x01, 0, 100)

	params := depositParams{From: participant.String(), Asset: "collateral", Amount: "50"}

	rec := rpcCall(t, handler, "", "ledger_deposit", params)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", resp.Error)
	}

	rec = rpcCall(t, handler, "wrong-token", "ledger_deposit", params)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}

	rec = rpcCall(t, handler, testAuthToken, "ledger_deposit", params)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
	resp = decodeResponse(t, rec)
	if hash := resultField(t, resp, "txHash"); !strings.HasPrefix(hash, "0x") {
		t.Fatalf("expected receipt hash, got %q", hash)
	}
}

func TestJWTBearerAccepted(t *testing.T) {
	n := newRPCTestNode(t)
	secret := "stream-shared-secret"
	server := NewServer(n, Config{AuthToken: testAuthToken, JWTSecret: secret})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x02, 0, 100)

	params := depositParams{From: participant.String(), Asset: "collateral", Amount: "10"}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec := rpcCall(t, handler, signed, "ledger_deposit", params)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with JWT, got %d: %s", rec.Code, rec.Body.String())
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = rpcCall(t, handler, expired, "ledger_deposit", params)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired JWT, got %d", rec.Code)
	}
}

func TestQueriesStayOpen(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x03, 0, 100)

	if _, modErr := server.ledger.Deposit(participant, ledger.AssetCollateral, big.NewInt(40), nil); modErr != nil {
		t.Fatalf("seed deposit: %v", modErr)
	}

	rec := rpcCall(t, handler, "", "ledger_getBalance", balanceParams{Address: participant.String(), Asset: "collateral"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open query, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if balance := resultField(t, resp, "balance"); balance != "40" {
		t.Fatalf("expected balance 40, got %s", balance)
	}

	rec = rpcCall(t, handler, "", "bank_getBalance", participant.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open bank query, got %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	if free := resultField(t, resp, "balanceCollateral"); free != "60" {
		t.Fatalf("expected free collateral 60, got %s", free)
	}
}

func TestMalformedRequestsRejected(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"1.0","method":"ledger_getPosition","id":1}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	resp = decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp.Error)
	}

	rec = rpcCall(t, handler, "", "ledger_getLunchMenu")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown method, got %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestParamValidation(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x04, 0, 100)

	cases := []struct {
		name   string
		params depositParams
	}{
		{"bad address", depositParams{From: "nope", Asset: "collateral", Amount: "10"}},
		{"bad asset", depositParams{From: participant.String(), Asset: "doubloons", Amount: "10"}},
		{"negative amount", depositParams{From: participant.String(), Asset: "collateral", Amount: "-10"}},
		{"non-decimal amount", depositParams{From: participant.String(), Asset: "collateral", Amount: "0x10"}},
		{"missing amount", depositParams{From: participant.String(), Asset: "collateral"}},
	}
	for _, tc := range cases {
		rec := rpcCall(t, handler, testAuthToken, "ledger_deposit", tc.params)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != codeInvalidParams {
			t.Fatalf("%s: expected invalid params, got %+v", tc.name, resp.Error)
		}
	}
}

func TestEngineRejectionsMapToInvalidParams(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x05, 0, 30)

	// Overdraft against the bank surfaces as a custody rejection.
	rec := rpcCall(t, handler, testAuthToken, "ledger_deposit", depositParams{
		From: participant.String(), Asset: "collateral", Amount: "31",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for overdraft, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params mapping, got %+v", resp.Error)
	}

	// Borrowing without collateral is an engine precondition failure.
	rec = rpcCall(t, handler, testAuthToken, "ledger_borrow", borrowParams{
		Borrower: participant.String(), Amount: "10",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for uncollateralised borrow, got %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "no collateral") {
		t.Fatalf("expected collateral precondition message, got %+v", resp.Error)
	}
}

func TestMutationRateLimited(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken, RateLimitRPS: 1, RateLimitBurst: 2})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x06, 0, 1000)

	params := depositParams{From: participant.String(), Asset: "collateral", Amount: "1"}
	for i := 0; i < 2; i++ {
		rec := rpcCall(t, handler, testAuthToken, "ledger_deposit", params)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d should pass, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := rpcCall(t, handler, testAuthToken, "ledger_deposit", params)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("expected rate limited error, got %+v", resp.Error)
	}

	// Queries bypass the limiter entirely.
	rec = rpcCall(t, handler, "", "ledger_getBalance", balanceParams{Address: participant.String(), Asset: "collateral"})
	if rec.Code != http.StatusOK {
		t.Fatalf("query should bypass rate limit, got %d", rec.Code)
	}
}

func TestPositionQueryRoundTrip(t *testing.T) {
	n := newRPCTestNode(t)
	server := NewServer(n, Config{AuthToken: testAuthToken})
	handler := server.Handler()
	participant := testParticipant(t, n, 0x07, 0, 100)
	lender := testParticipant(t, n, 0x08, 500, 0)

	if _, modErr := server.ledger.Deposit(lender, ledger.AssetBase, big.NewInt(500), big.NewInt(500)); modErr != nil {
		t.Fatalf("seed vault: %v", modErr)
	}
	if _, modErr := server.ledger.Deposit(participant, ledger.AssetCollateral, big.NewInt(100), nil); modErr != nil {
		t.Fatalf("deposit: %v", modErr)
	}
	if _, modErr := server.ledger.Borrow(participant, big.NewInt(100)); modErr != nil {
		t.Fatalf("borrow: %v", modErr)
	}

	rec := rpcCall(t, handler, "", "ledger_getPosition", participant.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("position query failed: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if ratio := resultField(t, resp, "collateralRatio"); ratio != "20000" {
		t.Fatalf("expected ratio 20000, got %s", ratio)
	}

	rec = rpcCall(t, handler, "", "ledger_getCollateralRatio", addressParams{Address: participant.String()})
	resp = decodeResponse(t, rec)
	if ratio := resultField(t, resp, "collateralRatio"); ratio != "20000" {
		t.Fatalf("expected wrapped address param to work, got %s", ratio)
	}
}
