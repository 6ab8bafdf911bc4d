package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"dealescrow/native/escrow"
)

func runInitiate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("initiate", stderr)
	dealStr := fs.String("deal", "", "deal id (generated when empty)")
	buyer := fs.String("buyer", "", "buyer identity")
	arbiter := fs.String("arbiter", "", "arbiter identity")
	asset := fs.String("asset", "", "asset class")
	amount := fs.String("amount", "", "amount in base units")
	feeBps := fs.Uint("fee-bps", 0, "fee in basis points")
	disputeBy := fs.String("dispute-by", "", "optional dispute deadline (+duration, unix or RFC3339)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(*buyer) == "" {
		return printError(stderr, "--buyer is required")
	}
	if strings.TrimSpace(*arbiter) == "" {
		return printError(stderr, "--arbiter is required")
	}
	if _, err := escrow.NormalizeAsset(*asset); err != nil {
		return printError(stderr, "--asset: "+err.Error())
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(*amount), 10, 64); err != nil {
		return printError(stderr, "--amount must be a positive integer")
	}
	if *feeBps > escrow.MaxFeeBps {
		return printError(stderr, fmt.Sprintf("--fee-bps must be <= %d", escrow.MaxFeeBps))
	}
	params := map[string]interface{}{
		"buyer":   *buyer,
		"arbiter": *arbiter,
		"asset":   *asset,
		"amount":  strings.TrimSpace(*amount),
		"feeBps":  *feeBps,
	}
	if strings.TrimSpace(*dealStr) != "" {
		if _, err := escrow.ParseDealID(*dealStr); err != nil {
			return printError(stderr, err.Error())
		}
		params["dealId"] = *dealStr
	}
	if strings.TrimSpace(*disputeBy) != "" {
		deadline, err := parseTimestamp(*disputeBy, cliNow())
		if err != nil {
			return printError(stderr, "--dispute-by: "+err.Error())
		}
		params["disputeBy"] = deadline
	}
	return invoke("escrow_initiate", params, stdout, stderr)
}

// runDealCall serves the subcommands whose only input is the deal id.
func runDealCall(method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(method, stderr)
	dealStr := fs.String("deal", "", "deal id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := requireDeal(*dealStr, stderr)
	if !ok {
		return 1
	}
	return invoke(method, map[string]string{"dealId": id}, stdout, stderr)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	dealStr := fs.String("deal", "", "deal id")
	ticketPath := fs.String("ticket", "", "ticket JSON from sign-ticket, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := requireDeal(*dealStr, stderr)
	if !ok {
		return 1
	}
	if strings.TrimSpace(*ticketPath) == "" {
		return printError(stderr, "--ticket is required")
	}
	var data []byte
	var err error
	if *ticketPath == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*ticketPath)
	}
	if err != nil {
		return printError(stderr, err.Error())
	}
	var ticket ticketOutput
	if err := json.Unmarshal(data, &ticket); err != nil {
		return printError(stderr, "invalid ticket JSON: "+err.Error())
	}
	return invoke("escrow_resolve", map[string]interface{}{"dealId": id, "ticket": ticket}, stdout, stderr)
}

func runSubmitEvidence(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("submit-evidence", stderr)
	dealStr := fs.String("deal", "", "deal id")
	cid := fs.String("cid", "", "evidence content identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := requireDeal(*dealStr, stderr)
	if !ok {
		return 1
	}
	if strings.TrimSpace(*cid) == "" {
		return printError(stderr, "--cid is required")
	}
	return invoke("escrow_submitEvidence", map[string]string{"dealId": id, "cid": *cid}, stdout, stderr)
}

func runListEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list-events", stderr)
	dealStr := fs.String("deal", "", "deal id")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := requireDeal(*dealStr, stderr)
	if !ok {
		return 1
	}
	if *limit < 0 {
		return printError(stderr, "--limit must be >= 0")
	}
	params := map[string]interface{}{"dealId": id}
	if *limit > 0 {
		params["limit"] = *limit
	}
	return invoke("escrow_listEvents", params, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	identity := fs.String("identity", "", "identity whose account to query")
	account := fs.String("account", "", "ledger account")
	asset := fs.String("asset", "", "asset class")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if (*identity == "") == (*account == "") {
		return printError(stderr, "exactly one of --identity or --account is required")
	}
	if _, err := escrow.NormalizeAsset(*asset); err != nil {
		return printError(stderr, "--asset: "+err.Error())
	}
	params := map[string]string{"asset": *asset}
	if *identity != "" {
		params["identity"] = *identity
	} else {
		params["account"] = *account
	}
	return invoke("ledger_balance", params, stdout, stderr)
}

func runMint(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("mint", stderr)
	identity := fs.String("identity", "", "identity to credit")
	asset := fs.String("asset", "", "asset class")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*identity) == "" {
		return printError(stderr, "--identity is required")
	}
	if _, err := escrow.NormalizeAsset(*asset); err != nil {
		return printError(stderr, "--asset: "+err.Error())
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(*amount), 10, 64); err != nil {
		return printError(stderr, "--amount must be a positive integer")
	}
	return invoke("ledger_mint", map[string]string{
		"identity": *identity,
		"asset":    *asset,
		"amount":   strings.TrimSpace(*amount),
	}, stdout, stderr)
}

func requireDeal(value string, stderr io.Writer) (string, bool) {
	if strings.TrimSpace(value) == "" {
		printError(stderr, "--deal is required")
		return "", false
	}
	id, err := escrow.ParseDealID(value)
	if err != nil {
		printError(stderr, err.Error())
		return "", false
	}
	return id.String(), true
}
