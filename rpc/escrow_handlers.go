package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealescrow/native/escrow"
	"dealescrow/observability"
)

type escrowInitiateParams struct {
	DealID    string `json:"dealId,omitempty"`
	Buyer     string `json:"buyer"`
	Arbiter   string `json:"arbiter"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	FeeBps    uint16 `json:"feeBps"`
	DisputeBy int64  `json:"disputeBy"`
}

type escrowIDParams struct {
	DealID string `json:"dealId"`
}

type escrowTicketParams struct {
	// DealID is the deal the arbiter signed for. Empty means the outer dealId.
	DealID        string `json:"dealId,omitempty"`
	ExpectedNonce uint64 `json:"expectedNonce"`
	ExpiresAt     int64  `json:"expiresAt"`
	SellerPct     uint8  `json:"sellerPct"`
	BuyerPct      uint8  `json:"buyerPct"`
	Signature     string `json:"signature"`
}

type escrowResolveParams struct {
	DealID string              `json:"dealId"`
	Ticket *escrowTicketParams `json:"ticket"`
}

type escrowEvidenceParams struct {
	DealID string `json:"dealId"`
	CID    string `json:"cid"`
}

type escrowListEventsParams struct {
	DealID string `json:"dealId"`
	Limit  int    `json:"limit,omitempty"`
}

type dealJSON struct {
	ID        string   `json:"id"`
	Seller    string   `json:"seller"`
	Buyer     string   `json:"buyer"`
	Arbiter   string   `json:"arbiter"`
	Asset     string   `json:"asset"`
	Amount    string   `json:"amount"`
	FeeBps    uint16   `json:"feeBps"`
	Custody   string   `json:"custody"`
	Status    string   `json:"status"`
	Nonce     uint64   `json:"nonce"`
	CreatedAt int64    `json:"createdAt"`
	FundedAt  int64    `json:"fundedAt,omitempty"`
	DisputeBy int64    `json:"disputeBy,omitempty"`
	Verdict   string   `json:"verdict,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
}

type eventJSON struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	DealID     string            `json:"dealId"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"createdAt"`
}

func formatDeal(d *escrow.Deal) dealJSON {
	out := dealJSON{
		ID:        d.ID.String(),
		Seller:    d.Seller.String(),
		Buyer:     d.Buyer.String(),
		Arbiter:   d.Arbiter.String(),
		Asset:     string(d.Asset),
		Amount:    strconv.FormatUint(d.Amount, 10),
		FeeBps:    d.FeeBps,
		Custody:   d.Custody.String(),
		Status:    d.Status.String(),
		Nonce:     d.Nonce,
		CreatedAt: d.CreatedAt,
		FundedAt:  d.FundedAt,
		DisputeBy: d.DisputeBy,
	}
	if d.Verdict != escrow.VerdictNone {
		out.Verdict = d.Verdict.String()
	}
	if len(d.Evidence) > 0 {
		out.Evidence = append([]string(nil), d.Evidence...)
	}
	return out
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request, req *RPCRequest) (*Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthenticated", nil)
		return nil, false
	}
	return caller, true
}

func (s *Server) observe(op string, start time.Time, err error) {
	observability.Escrow().Observe(op, time.Since(start), err)
}

func (s *Server) handleEscrowInitiate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.caller(w, r, req)
	if !ok {
		return
	}
	var params escrowInitiateParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	id := escrow.NewDealID()
	if strings.TrimSpace(params.DealID) != "" {
		parsed, err := escrow.ParseDealID(params.DealID)
		if err != nil {
			writeInvalidParams(w, req.ID, err)
			return
		}
		id = parsed
	}
	buyer, err := escrow.ParseIdentity(params.Buyer)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("buyer: %w", err))
		return
	}
	arbiter, err := escrow.ParseIdentity(params.Arbiter)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("arbiter: %w", err))
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	start := time.Now()
	deal, err := s.engine.Initiate(caller.Identity, escrow.InitiateParams{
		ID:        id,
		Seller:    caller.Identity,
		Buyer:     buyer,
		Arbiter:   arbiter,
		Asset:     params.Asset,
		Amount:    amount,
		FeeBps:    params.FeeBps,
		DisputeBy: params.DisputeBy,
	})
	s.observe("initiate", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(deal))
}

type dealTransition func(caller escrow.Identity, id escrow.DealID) (*escrow.Deal, error)

// handleEscrowTransition serves the methods whose only parameter is the deal id.
func (s *Server) handleEscrowTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, fn dealTransition) {
	caller, ok := s.caller(w, r, req)
	if !ok {
		return
	}
	id, ok := s.dealIDParam(w, req)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := fn(caller.Identity, id)
	s.observe(op, start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(deal))
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.caller(w, r, req)
	if !ok {
		return
	}
	var params escrowResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	id, err := escrow.ParseDealID(params.DealID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if params.Ticket == nil {
		writeInvalidParams(w, req.ID, errors.New("ticket required"))
		return
	}
	ticketDeal := id
	if strings.TrimSpace(params.Ticket.DealID) != "" {
		ticketDeal, err = escrow.ParseDealID(params.Ticket.DealID)
		if err != nil {
			writeInvalidParams(w, req.ID, fmt.Errorf("ticket.dealId: %w", err))
			return
		}
	}
	sig, err := decodeHex(params.Ticket.Signature)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("signature: %w", err))
		return
	}
	ticket := &escrow.Ticket{
		DealID:        ticketDeal,
		ExpectedNonce: params.Ticket.ExpectedNonce,
		ExpiresAt:     params.Ticket.ExpiresAt,
		SellerPct:     params.Ticket.SellerPct,
		BuyerPct:      params.Ticket.BuyerPct,
		Signature:     sig,
	}
	start := time.Now()
	deal, err := s.engine.Resolve(caller.Identity, id, ticket)
	s.observe("resolve", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(deal))
}

func (s *Server) handleEscrowSubmitEvidence(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.caller(w, r, req)
	if !ok {
		return
	}
	var params escrowEvidenceParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	id, err := escrow.ParseDealID(params.DealID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	start := time.Now()
	deal, err := s.engine.SubmitEvidence(caller.Identity, id, params.CID)
	s.observe("submit_evidence", start, err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(deal))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if _, ok := s.caller(w, r, req); !ok {
		return
	}
	id, ok := s.dealIDParam(w, req)
	if !ok {
		return
	}
	deal, err := s.engine.Deal(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDeal(deal))
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if _, ok := s.caller(w, r, req); !ok {
		return
	}
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, req.ID, codeServerError, "audit log disabled", nil)
		return
	}
	var params escrowListEventsParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	id, err := escrow.ParseDealID(params.DealID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if params.Limit < 0 {
		writeInvalidParams(w, req.ID, errors.New("limit must be >= 0"))
		return
	}
	records, err := s.events.List(r.Context(), id.String(), params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal", err.Error())
		return
	}
	out := make([]eventJSON, 0, len(records))
	for _, rec := range records {
		attrs, err := rec.Decoded()
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal", err.Error())
			return
		}
		out = append(out, eventJSON{
			ID:         rec.EventID.String(),
			Type:       rec.Type,
			DealID:     rec.DealID,
			Attributes: attrs,
			CreatedAt:  rec.CreatedAt.Unix(),
		})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) dealIDParam(w http.ResponseWriter, req *RPCRequest) (escrow.DealID, bool) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return escrow.DealID{}, false
	}
	id, err := escrow.ParseDealID(params.DealID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return escrow.DealID{}, false
	}
	return id, true
}

func parseAmount(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("amount required")
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("value required")
	}
	return hex.DecodeString(trimmed)
}
