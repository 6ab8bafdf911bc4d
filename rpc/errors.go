package rpc

import (
	"errors"
	"net/http"

	"dealescrow/native/escrow"
	"dealescrow/observability"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32003
	codeRateLimited    = -32020
)

// Escrow failure codes. Values are part of the wire contract.
const (
	codeEscrowUnauthorized       = -32101
	codeEscrowInvalidState       = -32102
	codeEscrowDeadlinePassed     = -32103
	codeEscrowInsufficientFunds  = -32104
	codeEscrowAssetMismatch      = -32105
	codeEscrowTicketMismatch     = -32106
	codeEscrowStaleTicket        = -32107
	codeEscrowExpiredTicket      = -32108
	codeEscrowInvalidSplit       = -32109
	codeEscrowSignatureInvalid   = -32110
	codeEscrowArithmeticOverflow = -32111
	codeEscrowInvalidAmount      = -32112
	codeEscrowInvalidFee         = -32113
	codeEscrowInvalidParty       = -32114
	codeEscrowInvalidAsset       = -32115
	codeEscrowNotFound           = -32116
	codeEscrowExists             = -32117
	codeEscrowEvidenceInvalid    = -32118
	codeEscrowCapabilityDenied   = -32119
)

var escrowErrors = []struct {
	err    error
	code   int
	status int
}{
	{escrow.ErrUnauthorized, codeEscrowUnauthorized, http.StatusForbidden},
	{escrow.ErrInvalidState, codeEscrowInvalidState, http.StatusConflict},
	{escrow.ErrDeadlinePassed, codeEscrowDeadlinePassed, http.StatusConflict},
	{escrow.ErrInsufficientFunds, codeEscrowInsufficientFunds, http.StatusConflict},
	{escrow.ErrAssetMismatch, codeEscrowAssetMismatch, http.StatusBadRequest},
	{escrow.ErrTicketMismatch, codeEscrowTicketMismatch, http.StatusBadRequest},
	{escrow.ErrStaleTicket, codeEscrowStaleTicket, http.StatusConflict},
	{escrow.ErrExpiredTicket, codeEscrowExpiredTicket, http.StatusBadRequest},
	{escrow.ErrInvalidSplit, codeEscrowInvalidSplit, http.StatusBadRequest},
	{escrow.ErrSignatureInvalid, codeEscrowSignatureInvalid, http.StatusForbidden},
	{escrow.ErrArithmeticOverflow, codeEscrowArithmeticOverflow, http.StatusConflict},
	{escrow.ErrInvalidAmount, codeEscrowInvalidAmount, http.StatusBadRequest},
	{escrow.ErrInvalidFee, codeEscrowInvalidFee, http.StatusBadRequest},
	{escrow.ErrInvalidParty, codeEscrowInvalidParty, http.StatusBadRequest},
	{escrow.ErrInvalidAsset, codeEscrowInvalidAsset, http.StatusBadRequest},
	{escrow.ErrDealNotFound, codeEscrowNotFound, http.StatusNotFound},
	{escrow.ErrDealExists, codeEscrowExists, http.StatusConflict},
	{escrow.ErrEvidenceInvalid, codeEscrowEvidenceInvalid, http.StatusBadRequest},
	{escrow.ErrCapabilityDenied, codeEscrowCapabilityDenied, http.StatusForbidden},
}

// writeEscrowError maps engine failures onto stable codes. The message is the
// snake_case reason; data carries the full error text.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	for _, entry := range escrowErrors {
		if errors.Is(err, entry.err) {
			writeError(w, entry.status, id, entry.code, observability.RejectionReason(err), err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, id, codeServerError, "internal", err.Error())
}

func writeInvalidParams(w http.ResponseWriter, id interface{}, err error) {
	writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
}
