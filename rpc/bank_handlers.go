package rpc

import (
	"net/http"
)

func (s *Server) handleBankGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := addressFromParams(w, req)
	if !ok {
		return
	}
	balances, moduleErr := s.bank.Balances(addr)
	if moduleErr != nil {
		writeModuleError(w, req.ID, moduleErr)
		return
	}
	writeResult(w, req.ID, balances)
}
