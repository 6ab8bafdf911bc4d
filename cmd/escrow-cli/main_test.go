package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dealescrow/crypto"
	"dealescrow/native/escrow"
	"dealescrow/rpc"
)

func stubRPC(t *testing.T, fn func(method string, params interface{}) (json.RawMessage, *rpcError, error)) {
	t.Helper()
	original := rpcCall
	rpcCall = fn
	t.Cleanup(func() { rpcCall = original })
}

func forbidRPC(t *testing.T) {
	stubRPC(t, func(method string, params interface{}) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	})
}

func fixedNow(t *testing.T) time.Time {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	original := cliNow
	cliNow = func() time.Time { return now }
	t.Cleanup(func() { cliNow = original })
	return now
}

func identityString(b byte) string {
	var id escrow.Identity
	for i := range id {
		id[i] = b
	}
	return id.String()
}

// asMap round-trips params the way the HTTP transport would.
func asMap(t *testing.T, params interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	return out
}

func TestArgValidation(t *testing.T) {
	forbidRPC(t)
	fixedNow(t)

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "usage", args: nil, wantErr: "Usage: escrow-cli"},
		{name: "unknown", args: []string{"explode"}, wantErr: "Unknown command: explode"},
		{name: "initiate missing buyer", args: []string{"initiate", "--arbiter", identityString(3), "--asset", "usdc", "--amount", "10"}, wantErr: "--buyer is required"},
		{name: "initiate bad amount", args: []string{"initiate", "--buyer", identityString(2), "--arbiter", identityString(3), "--asset", "usdc", "--amount", "1.5"}, wantErr: "--amount must be a positive integer"},
		{name: "initiate bad fee", args: []string{"initiate", "--buyer", identityString(2), "--arbiter", identityString(3), "--asset", "usdc", "--amount", "10", "--fee-bps", "10001"}, wantErr: "--fee-bps must be <= 10000"},
		{name: "fund missing deal", args: []string{"fund"}, wantErr: "--deal is required"},
		{name: "get invalid deal", args: []string{"get", "--deal", "0x1234"}, wantErr: "Error:"},
		{name: "balance needs exactly one target", args: []string{"balance", "--asset", "usdc"}, wantErr: "exactly one of --identity or --account"},
		{name: "evidence missing cid", args: []string{"submit-evidence", "--deal", escrow.NewDealID().String()}, wantErr: "--cid is required"},
		{name: "list negative limit", args: []string{"list-events", "--deal", escrow.NewDealID().String(), "--limit", "-1"}, wantErr: "--limit must be >= 0"},
		{name: "global flag without value", args: []string{"--rpc"}, wantErr: "missing value for --rpc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("exit code = %d, want 1 (stderr %q)", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestInitiateSendsParams(t *testing.T) {
	now := fixedNow(t)
	buyer, arbiter := identityString(2), identityString(3)
	var gotMethod string
	var gotParams map[string]interface{}
	stubRPC(t, func(method string, params interface{}) (json.RawMessage, *rpcError, error) {
		gotMethod = method
		gotParams = asMap(t, params)
		return json.RawMessage(`{"status":"init"}`), nil, nil
	})

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"initiate",
		"--buyer", buyer,
		"--arbiter", arbiter,
		"--asset", "usdc",
		"--amount", "400",
		"--fee-bps", "250",
		"--dispute-by", "+2d",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if gotMethod != "escrow_initiate" {
		t.Fatalf("method = %q", gotMethod)
	}
	if gotParams["buyer"] != buyer || gotParams["arbiter"] != arbiter {
		t.Fatalf("unexpected parties: %v", gotParams)
	}
	if gotParams["amount"] != "400" || gotParams["feeBps"] != float64(250) {
		t.Fatalf("unexpected amount/fee: %v", gotParams)
	}
	if _, ok := gotParams["dealId"]; ok {
		t.Fatalf("dealId should be omitted when not supplied")
	}
	wantDeadline := float64(now.Add(48 * time.Hour).Unix())
	if gotParams["disputeBy"] != wantDeadline {
		t.Fatalf("disputeBy = %v, want %v", gotParams["disputeBy"], wantDeadline)
	}
	if !strings.Contains(stdout.String(), `"status": "init"`) {
		t.Fatalf("expected pretty printed result, got %q", stdout.String())
	}
}

func TestDealCommandsMapToMethods(t *testing.T) {
	id := escrow.NewDealID().String()
	cases := map[string]string{
		"fund":         "escrow_fund",
		"open-dispute": "escrow_openDispute",
		"release":      "escrow_release",
		"refund":       "escrow_refund",
		"get":          "escrow_get",
	}
	for cmd, method := range cases {
		t.Run(cmd, func(t *testing.T) {
			var called string
			stubRPC(t, func(m string, params interface{}) (json.RawMessage, *rpcError, error) {
				called = m
				if got := asMap(t, params)["dealId"]; got != id {
					t.Fatalf("dealId = %v, want %s", got, id)
				}
				return json.RawMessage(`{}`), nil, nil
			})
			var stdout, stderr bytes.Buffer
			if code := run([]string{cmd, "--deal", id}, &stdout, &stderr); code != 0 {
				t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
			}
			if called != method {
				t.Fatalf("method = %q, want %q", called, method)
			}
		})
	}
}

func TestRPCErrorIsReported(t *testing.T) {
	stubRPC(t, func(string, interface{}) (json.RawMessage, *rpcError, error) {
		return nil, &rpcError{Code: -32102, Message: "invalid_state", Data: json.RawMessage(`"escrow: deal is funded"`)}, nil
	})
	var stdout, stderr bytes.Buffer
	if code := run([]string{"release", "--deal", escrow.NewDealID().String()}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "RPC error -32102: invalid_state") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout should be empty, got %q", stdout.String())
	}
}

func TestGlobalFlagsOverrideEndpoint(t *testing.T) {
	origEndpoint, origToken := rpcEndpoint, rpcAuthToken
	t.Cleanup(func() { rpcEndpoint, rpcAuthToken = origEndpoint, origToken })

	rest, err := applyGlobalFlags([]string{"--rpc", "http://example:1/rpc", "get", "--token=abc", "--deal", "x"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if rpcEndpoint != "http://example:1/rpc" || rpcAuthToken != "abc" {
		t.Fatalf("endpoint %q token %q", rpcEndpoint, rpcAuthToken)
	}
	if strings.Join(rest, " ") != "get --deal x" {
		t.Fatalf("remaining args %v", rest)
	}
}

func TestKeygenSignTicketAndResolve(t *testing.T) {
	fixedNow(t)
	forbidRPC(t)
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "arbiter.seed")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"keygen", "--scheme", "ed25519", "--out", keyPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr.String())
	}
	var identityLine string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if strings.HasPrefix(line, "Identity: ") {
			identityLine = strings.TrimSpace(strings.TrimPrefix(line, "Identity: "))
		}
	}
	arbiter, err := escrow.ParseIdentity(identityLine)
	if err != nil {
		t.Fatalf("parse keygen identity %q: %v", identityLine, err)
	}

	stdout.Reset()
	if code := run([]string{"identity", "--scheme", "ed25519", "--key", keyPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("identity exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), arbiter.String()) {
		t.Fatalf("identity output %q missing %s", stdout.String(), arbiter)
	}

	deal := escrow.NewDealID()
	stdout.Reset()
	code := run([]string{
		"sign-ticket", "--scheme", "ed25519", "--key", keyPath,
		"--deal", deal.String(), "--nonce", "0", "--expires", "+1h",
		"--seller-pct", "0", "--buyer-pct", "100",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("sign-ticket exit %d: %s", code, stderr.String())
	}
	var out ticketOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(out.Signature, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	ticket := &escrow.Ticket{
		DealID:        deal,
		ExpectedNonce: out.ExpectedNonce,
		ExpiresAt:     out.ExpiresAt,
		SellerPct:     out.SellerPct,
		BuyerPct:      out.BuyerPct,
	}
	if err := (crypto.Ed25519Verifier{}).Verify(arbiter, ticket.SigningBytes(), sig); err != nil {
		t.Fatalf("ticket signature does not verify: %v", err)
	}

	ticketPath := filepath.Join(dir, "ticket.json")
	if err := os.WriteFile(ticketPath, stdout.Bytes(), 0o600); err != nil {
		t.Fatalf("write ticket: %v", err)
	}
	var sent map[string]interface{}
	stubRPC(t, func(method string, params interface{}) (json.RawMessage, *rpcError, error) {
		if method != "escrow_resolve" {
			t.Fatalf("method = %q", method)
		}
		sent = asMap(t, params)
		return json.RawMessage(`{"status":"resolved"}`), nil, nil
	})
	stdout.Reset()
	if code := run([]string{"resolve", "--deal", deal.String(), "--ticket", ticketPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("resolve exit %d: %s", code, stderr.String())
	}
	sentTicket, ok := sent["ticket"].(map[string]interface{})
	if !ok || sentTicket["signature"] != out.Signature || sentTicket["buyerPct"] != float64(100) || sentTicket["dealId"] != deal.String() {
		t.Fatalf("unexpected resolve params %v", sent)
	}
}

func TestSignTicketRejectsPartialSplit(t *testing.T) {
	forbidRPC(t)
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "arbiter.seed")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"keygen", "--scheme", "ed25519", "--out", keyPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr.String())
	}
	stdout.Reset()
	code := run([]string{
		"sign-ticket", "--scheme", "ed25519", "--key", keyPath,
		"--deal", escrow.NewDealID().String(), "--seller-pct", "50", "--buyer-pct", "50",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("no ticket should be printed, got %q", stdout.String())
	}
}

func TestTokenIsAcceptedByAuthenticator(t *testing.T) {
	secret := strings.Repeat("s", 32)
	subject := identityString(7)
	var stdout, stderr bytes.Buffer
	code := run([]string{"token", "--subject", subject, "--secret", secret, "--scope", "admin", "--ttl", "10m"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("token exit %d: %s", code, stderr.String())
	}
	auth, err := rpc.NewAuthenticator(rpc.AuthConfig{HMACSecret: secret})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	req := httptest.NewRequest("POST", "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(stdout.String()))
	caller, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if caller.Identity.String() != subject || !caller.HasScope(rpc.ScopeAdmin) {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestParseTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := map[string]int64{
		"+1h":                  now.Add(time.Hour).Unix(),
		"+3d":                  now.Add(72 * time.Hour).Unix(),
		"1700000500":           1_700_000_500,
		"2024-01-01T00:00:00Z": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	for in, want := range cases {
		got, err := parseTimestamp(in, now)
		if err != nil {
			t.Fatalf("parseTimestamp(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseTimestamp(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "+0s", "+-1h", "tomorrow"} {
		if _, err := parseTimestamp(bad, now); err == nil {
			t.Fatalf("parseTimestamp(%q) should fail", bad)
		}
	}
}
