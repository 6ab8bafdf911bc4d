package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"dealescrow/core/events"
	"dealescrow/core/state"
	"dealescrow/crypto"
	"dealescrow/native/escrow"
	"dealescrow/storage"
	"dealescrow/storage/auditlog"
)

const testJWTSecret = "rpc-test-secret-0123456789abcdef"

var testAuth = AuthConfig{HMACSecret: testJWTSecret, Issuer: "escrowd-tests", ClockSkew: time.Minute}

type testEnv struct {
	t       *testing.T
	server  *Server
	http    *httptest.Server
	hub     *events.Hub
	arbiter *crypto.Ed25519Signer
	seller  escrow.Identity
	buyer   escrow.Identity
}

func fillIdentity(b byte) escrow.Identity {
	var id escrow.Identity
	copy(id[:], bytes.Repeat([]byte{b}, len(id)))
	return id
}

func newTestEnv(t *testing.T, limits RateLimitConfig) *testEnv {
	t.Helper()
	arbiter, err := crypto.GenerateEd25519Signer()
	require.NoError(t, err)
	caps, err := escrow.NewCapabilityIssuer(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	ledger := state.NewManager(storage.NewMemDB())
	engine := escrow.NewEngine(ledger, crypto.Ed25519Verifier{}, caps)

	audit, err := auditlog.Open(auditlog.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	hub := events.NewHub(64)
	hub.AddSink(audit)
	engine.SetEmitter(hub)

	srv, err := NewServer(engine, ledger, ServerConfig{Auth: testAuth, RateLimit: limits})
	require.NoError(t, err)
	srv.SetEventLog(audit)
	srv.SetEventStream(hub)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{
		t:       t,
		server:  srv,
		http:    ts,
		hub:     hub,
		arbiter: arbiter,
		seller:  fillIdentity(0x11),
		buyer:   fillIdentity(0x22),
	}
}

func (e *testEnv) token(id escrow.Identity, scopes ...string) string {
	e.t.Helper()
	tok, err := IssueToken(testAuth, id, scopes, time.Hour, time.Now())
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) call(token, method string, params interface{}) (json.RawMessage, *RPCError, int) {
	e.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(e.t, err)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []json.RawMessage{raw},
	})
	require.NoError(e.t, err)
	return e.post(token, body)
}

func (e *testEnv) post(token string, body []byte) (json.RawMessage, *RPCError, int) {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(e.t, json.Unmarshal(data, &out), string(data))
	return out.Result, out.Error, resp.StatusCode
}

func (e *testEnv) mustCall(token, method string, params interface{}, dst interface{}) {
	e.t.Helper()
	result, rpcErr, status := e.call(token, method, params)
	require.Nil(e.t, rpcErr, "%s failed with status %d", method, status)
	if dst != nil {
		require.NoError(e.t, json.Unmarshal(result, dst))
	}
}

func (e *testEnv) mint(id escrow.Identity, amount string) {
	e.t.Helper()
	admin := e.token(fillIdentity(0x99), ScopeAdmin)
	e.mustCall(admin, "ledger_mint", map[string]interface{}{
		"identity": id.String(), "asset": "USDC", "amount": amount,
	}, nil)
}

func (e *testEnv) initiate(amount string) dealJSON {
	e.t.Helper()
	var deal dealJSON
	e.mustCall(e.token(e.seller), "escrow_initiate", map[string]interface{}{
		"buyer":   e.buyer.String(),
		"arbiter": escrow.Identity(e.arbiter.Identity()).String(),
		"asset":   "usdc",
		"amount":  amount,
		"feeBps":  250,
	}, &deal)
	return deal
}

func (e *testEnv) signedTicket(dealID string, nonce uint64, sellerPct, buyerPct uint8) map[string]interface{} {
	e.t.Helper()
	id, err := escrow.ParseDealID(dealID)
	require.NoError(e.t, err)
	ticket := &escrow.Ticket{
		DealID:        id,
		ExpectedNonce: nonce,
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
		SellerPct:     sellerPct,
		BuyerPct:      buyerPct,
	}
	sig, err := e.arbiter.Sign(ticket.SigningBytes())
	require.NoError(e.t, err)
	return map[string]interface{}{
		"dealId":        id.String(),
		"expectedNonce": ticket.ExpectedNonce,
		"expiresAt":     ticket.ExpiresAt,
		"sellerPct":     ticket.SellerPct,
		"buyerPct":      ticket.BuyerPct,
		"signature":     "0x" + hex.EncodeToString(sig),
	}
}

func (e *testEnv) balance(id escrow.Identity) string {
	e.t.Helper()
	var out balanceJSON
	e.mustCall(e.token(id), "ledger_balance", map[string]interface{}{"identity": id.String(), "asset": "USDC"}, &out)
	return out.Balance
}

func TestRPCRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	_, rpcErr, status := env.call("", "escrow_get", map[string]string{"dealId": uuid.NewString()})
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeUnauthorized, rpcErr.Code)

	forged, err := IssueToken(AuthConfig{HMACSecret: "another-secret-entirely-0000000000", Issuer: testAuth.Issuer}, env.seller, nil, time.Hour, time.Now())
	require.NoError(t, err)
	_, rpcErr, status = env.call(forged, "escrow_get", map[string]string{"dealId": uuid.NewString()})
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, rpcErr)

	expired, err := IssueToken(testAuth, env.seller, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, _, status = env.call(expired, "escrow_get", map[string]string{"dealId": uuid.NewString()})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRPCReleaseLifecycle(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "1000")

	deal := env.initiate("400")
	require.Equal(t, "init", deal.Status)
	require.Equal(t, "USDC", deal.Asset)
	require.Equal(t, env.seller.String(), deal.Seller)

	var funded dealJSON
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, &funded)
	require.Equal(t, "funded", funded.Status)
	require.Equal(t, "600", env.balance(env.buyer))

	var resolved dealJSON
	env.mustCall(env.token(escrow.Identity(env.arbiter.Identity())), "escrow_resolve", map[string]interface{}{
		"dealId": deal.ID,
		"ticket": env.signedTicket(deal.ID, 0, 100, 0),
	}, &resolved)
	require.Equal(t, "resolved", resolved.Status)
	require.Equal(t, "release", resolved.Verdict)
	require.Equal(t, uint64(1), resolved.Nonce)

	var released dealJSON
	env.mustCall(env.token(env.seller), "escrow_release", map[string]string{"dealId": deal.ID}, &released)
	require.Equal(t, "released", released.Status)
	require.Equal(t, "0", released.Amount)
	require.Equal(t, "400", env.balance(env.seller))

	var history []eventJSON
	env.mustCall(env.token(env.seller), "escrow_listEvents", map[string]interface{}{"dealId": deal.ID}, &history)
	types := make([]string, 0, len(history))
	for _, evt := range history {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{
		escrow.EventTypeDealInitiated,
		escrow.EventTypeDealFunded,
		escrow.EventTypeDealResolved,
		escrow.EventTypeDealReleased,
	}, types)
}

func TestRPCErrorMapping(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "50")
	deal := env.initiate("100")

	_, rpcErr, status := env.call(env.token(env.seller), "escrow_fund", map[string]string{"dealId": deal.ID})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeEscrowUnauthorized, rpcErr.Code)
	require.Equal(t, "unauthorized", rpcErr.Message)

	_, rpcErr, status = env.call(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeEscrowInsufficientFunds, rpcErr.Code)
	require.Equal(t, "insufficient_funds", rpcErr.Message)

	_, rpcErr, status = env.call(env.token(env.seller), "escrow_release", map[string]string{"dealId": deal.ID})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "invalid_state", rpcErr.Message)

	_, rpcErr, status = env.call(env.token(env.seller), "escrow_get", map[string]string{"dealId": uuid.NewString()})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeEscrowNotFound, rpcErr.Code)

	_, rpcErr, _ = env.call(env.token(env.seller), "escrow_initiate", map[string]interface{}{
		"dealId": deal.ID, "buyer": env.buyer.String(), "arbiter": escrow.Identity(env.arbiter.Identity()).String(),
		"asset": "USDC", "amount": "5",
	})
	require.Equal(t, "deal_exists", rpcErr.Message)

	_, rpcErr, status = env.call(env.token(env.seller), "escrow_fund", map[string]string{"dealId": "not-a-uuid"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, rpcErr.Code)

	_, rpcErr, status = env.call(env.token(env.seller), "escrow_teleport", map[string]string{})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, rpcErr.Code)
}

func TestRPCResolveTwiceIsInvalidState(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "100")
	deal := env.initiate("100")
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, nil)
	env.mustCall(env.token(env.buyer), "escrow_openDispute", map[string]string{"dealId": deal.ID}, nil)

	arbiterToken := env.token(escrow.Identity(env.arbiter.Identity()))
	ticket := env.signedTicket(deal.ID, 0, 0, 100)
	var resolved dealJSON
	env.mustCall(arbiterToken, "escrow_resolve", map[string]interface{}{"dealId": deal.ID, "ticket": ticket}, &resolved)
	require.Equal(t, "refund", resolved.Verdict)

	_, rpcErr, _ := env.call(arbiterToken, "escrow_resolve", map[string]interface{}{"dealId": deal.ID, "ticket": ticket})
	require.NotNil(t, rpcErr)
	require.Equal(t, "invalid_state", rpcErr.Message)

	env.mustCall(env.token(env.buyer), "escrow_refund", map[string]string{"dealId": deal.ID}, nil)
	require.Equal(t, "100", env.balance(env.buyer))
}

func TestRPCSubmitEvidence(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "10")
	deal := env.initiate("10")
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, nil)

	var updated dealJSON
	env.mustCall(env.token(env.seller), "escrow_submitEvidence", map[string]string{
		"dealId": deal.ID, "cid": "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
	}, &updated)
	require.Len(t, updated.Evidence, 1)

	_, rpcErr, _ := env.call(env.token(env.seller), "escrow_submitEvidence", map[string]string{"dealId": deal.ID, "cid": ""})
	require.Equal(t, "evidence_invalid", rpcErr.Message)
}

func TestRPCMintRequiresAdminScope(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	_, rpcErr, status := env.call(env.token(env.buyer), "ledger_mint", map[string]string{
		"identity": env.buyer.String(), "asset": "USDC", "amount": "10",
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeForbidden, rpcErr.Code)
	require.Equal(t, "0", env.balance(env.buyer))

	_, rpcErr, _ = env.call(env.token(env.buyer), "ledger_balance", map[string]string{
		"identity": env.buyer.String(), "account": env.buyer.Account().String(), "asset": "USDC",
	})
	require.Equal(t, codeInvalidParams, rpcErr.Code)
}

func TestRPCRejectsMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	tok := env.token(env.seller)

	_, rpcErr, status := env.post(tok, []byte("{"))
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeParseError, rpcErr.Code)

	_, rpcErr, _ = env.post(tok, []byte(`{"jsonrpc":"1.0","id":1,"method":"escrow_get"}`))
	require.Equal(t, codeInvalidRequest, rpcErr.Code)

	_, rpcErr, _ = env.post(tok, []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_get","params":[{"dealId":"x","extra":1}]}`))
	require.Equal(t, codeInvalidParams, rpcErr.Code)
}

func TestRPCRateLimit(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{RatePerSecond: 0.001, Burst: 2})
	tok := env.token(env.seller)
	params := map[string]string{"dealId": uuid.NewString()}

	_, _, status := env.call(tok, "escrow_get", params)
	require.Equal(t, http.StatusNotFound, status)
	_, _, status = env.call(tok, "escrow_get", params)
	require.Equal(t, http.StatusNotFound, status)
	_, rpcErr, status := env.call(tok, "escrow_get", params)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, rpcErr.Code)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := env.http.Client().Get(env.http.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestEventsWebSocketStreamsBacklogAndLive(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "10")
	deal := env.initiate("10")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/events/ws?deal=" + deal.ID
	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(env.seller))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readRecord := func() events.Record {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var rec events.Record
		require.NoError(t, json.Unmarshal(data, &rec))
		return rec
	}

	first := readRecord()
	require.Equal(t, escrow.EventTypeDealInitiated, first.Type)
	require.Equal(t, deal.ID, first.Attributes["id"])

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, nil)
	second := readRecord()
	require.Equal(t, escrow.EventTypeDealFunded, second.Type)
	require.Greater(t, second.Sequence, first.Sequence)
}

func TestRPCResolveRejectsTicketForAnotherDeal(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "100")
	dealA := env.initiate("60")
	dealB := env.initiate("40")
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": dealA.ID}, nil)

	arbiterToken := env.token(escrow.Identity(env.arbiter.Identity()))
	ticket := env.signedTicket(dealB.ID, 0, 100, 0)
	_, rpcErr, status := env.call(arbiterToken, "escrow_resolve", map[string]interface{}{"dealId": dealA.ID, "ticket": ticket})
	require.NotNil(t, rpcErr)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeEscrowTicketMismatch, rpcErr.Code)
	require.Equal(t, "ticket_mismatch", rpcErr.Message)

	var got dealJSON
	env.mustCall(env.token(env.seller), "escrow_get", map[string]string{"dealId": dealA.ID}, &got)
	require.Equal(t, "funded", got.Status)
	require.Equal(t, uint64(0), got.Nonce)
}

func TestRPCResolveTicketWithoutDealIDUsesOuterDeal(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "100")
	deal := env.initiate("100")
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, nil)

	ticket := env.signedTicket(deal.ID, 0, 100, 0)
	delete(ticket, "dealId")
	var resolved dealJSON
	env.mustCall(env.token(escrow.Identity(env.arbiter.Identity())), "escrow_resolve",
		map[string]interface{}{"dealId": deal.ID, "ticket": ticket}, &resolved)
	require.Equal(t, "release", resolved.Verdict)
}

func TestRPCResolveRejectsStaleTicket(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.mint(env.buyer, "100")
	deal := env.initiate("100")
	env.mustCall(env.token(env.buyer), "escrow_fund", map[string]string{"dealId": deal.ID}, nil)

	ticket := env.signedTicket(deal.ID, 1, 100, 0)
	_, rpcErr, status := env.call(env.token(escrow.Identity(env.arbiter.Identity())), "escrow_resolve",
		map[string]interface{}{"dealId": deal.ID, "ticket": ticket})
	require.NotNil(t, rpcErr)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeEscrowStaleTicket, rpcErr.Code)
	require.Equal(t, "stale_ticket", rpcErr.Message)
}
