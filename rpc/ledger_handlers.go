package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"lendledger/crypto"
	"lendledger/ledger"
)

type depositParams struct {
	From     string `json:"from"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Attached string `json:"attached,omitempty"`
}

type withdrawParams struct {
	From   string `json:"from"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type borrowParams struct {
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
}

type repayParams struct {
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
	Attached string `json:"attached,omitempty"`
}

type liquidateParams struct {
	Liquidator string `json:"liquidator"`
	Target     string `json:"target"`
	Attached   string `json:"attached"`
}

type balanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type addressParams struct {
	Address string `json:"address"`
}

func (s *Server) handleLedgerDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	from, err := decodeParticipant(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	kind, err := ledger.ParseAssetKind(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	attached, err := parseOptionalAmount(params.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid attached value", err.Error())
		return
	}
	receipt, moduleErr := s.ledger.Deposit(from, kind, amount, attached)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleLedgerWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params withdrawParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	from, err := decodeParticipant(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	kind, err := ledger.ParseAssetKind(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	receipt, moduleErr := s.ledger.Withdraw(from, kind, amount)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleLedgerBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params borrowParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	borrower, err := decodeParticipant(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	receipt, moduleErr := s.ledger.Borrow(borrower, amount)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleLedgerRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params repayParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	borrower, err := decodeParticipant(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	attached, err := parseOptionalAmount(params.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid attached value", err.Error())
		return
	}
	receipt, moduleErr := s.ledger.Repay(borrower, amount, attached)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleLedgerLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params liquidateParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	liquidator, err := decodeParticipant(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator address", err.Error())
		return
	}
	target, err := decodeParticipant(params.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid target address", err.Error())
		return
	}
	attached, err := parseAmount(params.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid attached value", err.Error())
		return
	}
	receipt, moduleErr := s.ledger.Liquidate(liquidator, target, attached)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleLedgerGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params balanceParams
	if !unmarshalSingleObject(w, req, &params) {
		return
	}
	addr, err := decodeParticipant(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	kind, err := ledger.ParseAssetKind(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
		return
	}
	view, moduleErr := s.ledger.Balance(addr, kind)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, view)
}

func (s *Server) handleLedgerGetCollateralRatio(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := addressFromParams(w, req)
	if !ok {
		return
	}
	view, moduleErr := s.ledger.CollateralRatio(addr)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, view)
}

func (s *Server) handleLedgerGetPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := addressFromParams(w, req)
	if !ok {
		return
	}
	view, moduleErr := s.ledger.Position(addr)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, view)
}

// unmarshalSingleObject expects exactly one parameter object and decodes it
// into out. It writes the error response itself and reports success.
func unmarshalSingleObject(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

// addressFromParams accepts either a bare bech32 string or an object with an
// address field as the single parameter.
func addressFromParams(w http.ResponseWriter, req *RPCRequest) (crypto.Address, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected address parameter", nil)
		return crypto.Address{}, false
	}
	var addressParam string
	if err := json.Unmarshal(req.Params[0], &addressParam); err != nil {
		var wrapped addressParams
		if err := json.Unmarshal(req.Params[0], &wrapped); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address parameter", err.Error())
			return crypto.Address{}, false
		}
		addressParam = wrapped.Address
	}
	addr, err := decodeParticipant(addressParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

func decodeParticipant(addr string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, err
	}
	if decoded.Prefix() != crypto.LedgerPrefix {
		return crypto.Address{}, fmt.Errorf("address must carry the %q prefix", crypto.LedgerPrefix)
	}
	return decoded, nil
}

// parseAmount reads a decimal token amount, bounded to 256 bits. Zero is a
// valid amount; several operations give it a distinct meaning.
func parseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal amount")
	}
	return value.ToBig(), nil
}

// parseOptionalAmount is parseAmount for fields that may be omitted; an empty
// string yields nil.
func parseOptionalAmount(amount string) (*big.Int, error) {
	if strings.TrimSpace(amount) == "" {
		return nil, nil
	}
	return parseAmount(amount)
}
