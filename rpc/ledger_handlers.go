package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dealescrow/crypto"
	"dealescrow/native/escrow"
)

type ledgerBalanceParams struct {
	Account  string `json:"account,omitempty"`
	Identity string `json:"identity,omitempty"`
	Asset    string `json:"asset"`
}

type ledgerMintParams struct {
	Identity string `json:"identity"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

type balanceJSON struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if _, ok := s.caller(w, r, req); !ok {
		return
	}
	var params ledgerBalanceParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	acct, err := resolveAccount(params.Account, params.Identity)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	asset, err := escrow.NormalizeAsset(params.Asset)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	balance, err := s.ledger.Balance(acct, asset)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Account: acct.String(), Asset: string(asset), Balance: strconv.FormatUint(balance, 10)})
}

func (s *Server) handleLedgerMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.caller(w, r, req)
	if !ok {
		return
	}
	if !caller.HasScope(ScopeAdmin) {
		writeError(w, http.StatusForbidden, req.ID, codeForbidden, "forbidden", "admin scope required")
		return
	}
	var params ledgerMintParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	identity, err := escrow.ParseIdentity(params.Identity)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	asset, err := escrow.NormalizeAsset(params.Asset)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	acct := identity.Account()
	balance, err := s.ledger.Mint(acct, asset, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("ledger mint",
		"caller", caller.Identity.String(),
		"account", acct.String(),
		"asset", string(asset),
		"amount", amount)
	writeResult(w, req.ID, balanceJSON{Account: acct.String(), Asset: string(asset), Balance: strconv.FormatUint(balance, 10)})
}

// resolveAccount accepts exactly one of an account or an identity.
func resolveAccount(account, identity string) (escrow.Account, error) {
	account = strings.TrimSpace(account)
	identity = strings.TrimSpace(identity)
	switch {
	case account != "" && identity != "":
		return escrow.Account{}, errors.New("provide account or identity, not both")
	case account != "":
		acct, err := crypto.ParseAccount(account)
		if err != nil {
			return escrow.Account{}, err
		}
		return escrow.Account(acct), nil
	case identity != "":
		id, err := escrow.ParseIdentity(identity)
		if err != nil {
			return escrow.Account{}, err
		}
		return id.Account(), nil
	default:
		return escrow.Account{}, fmt.Errorf("account or identity required")
	}
}
