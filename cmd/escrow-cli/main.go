package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	tokenEnv      = "ESCROW_TOKEN"
	rpcURLEnv     = "ESCROW_RPC_URL"
	keystorePass  = "ESCROW_KEYSTORE_PASS"
	defaultRPCURL = "http://localhost:8645/rpc"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = strings.TrimSpace(os.Getenv(tokenEnv))
	cliNow       = time.Now
	rpcCall      = callRPC
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "new-deal-id":
		return runNewDealID(stdout)
	case "sign-ticket":
		return runSignTicket(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "initiate":
		return runInitiate(args[1:], stdout, stderr)
	case "fund":
		return runDealCall("escrow_fund", args[1:], stdout, stderr)
	case "open-dispute":
		return runDealCall("escrow_openDispute", args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "release":
		return runDealCall("escrow_release", args[1:], stdout, stderr)
	case "refund":
		return runDealCall("escrow_refund", args[1:], stdout, stderr)
	case "submit-evidence":
		return runSubmitEvidence(args[1:], stdout, stderr)
	case "get":
		return runDealCall("escrow_get", args[1:], stdout, stderr)
	case "list-events":
		return runListEvents(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "mint":
		return runMint(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: escrow-cli [--rpc URL] [--token JWT] <command> [flags]",
		"",
		"Keys and tooling:",
		"  keygen --out PATH [--scheme secp256k1|ed25519]",
		"  identity --key PATH [--scheme secp256k1|ed25519]",
		"  new-deal-id",
		"  sign-ticket --key PATH --deal ID --nonce N --expires +1h|UNIX|RFC3339 --seller-pct P --buyer-pct P",
		"  token --subject IDENTITY [--config PATH | --secret S] [--scope admin] [--ttl 1h]",
		"",
		"Escrow RPC:",
		"  initiate --buyer ID --arbiter ID --asset A --amount N [--fee-bps N] [--dispute-by +72h] [--deal ID]",
		"  fund|open-dispute|release|refund|get --deal ID",
		"  resolve --deal ID --ticket FILE|-",
		"  submit-evidence --deal ID --cid CID",
		"  list-events --deal ID [--limit N]",
		"  balance (--identity ID | --account ACCT) --asset A",
		"  mint --identity ID --asset A --amount N",
		"",
		"Environment: " + rpcURLEnv + ", " + tokenEnv + ", " + keystorePass,
	}, "\n")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return defaultRPCURL
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--rpc" {
				rpcEndpoint = args[i+1]
			} else {
				rpcAuthToken = strings.TrimSpace(args[i+1])
			}
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		case strings.HasPrefix(arg, "--token="):
			rpcAuthToken = strings.TrimSpace(strings.TrimPrefix(arg, "--token="))
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func callRPC(method string, params interface{}) (json.RawMessage, *rpcError, error) {
	if rpcAuthToken == "" {
		return nil, nil, fmt.Errorf("RPC calls require a bearer token; set %s or pass --token", tokenEnv)
	}
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func invoke(method string, params interface{}, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(method, params)
	if err != nil {
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "  %s\n", string(rpcErr.Data))
		}
		return 1
	}
	writeRPCResult(stdout, result)
	return 0
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	pretty.WriteByte('\n')
	_, _ = w.Write(pretty.Bytes())
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}
