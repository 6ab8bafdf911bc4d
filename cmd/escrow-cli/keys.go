package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"dealescrow/cmd/internal/passphrase"
	"dealescrow/config"
	"dealescrow/crypto"
	"dealescrow/native/escrow"
	"dealescrow/rpc"
)

var passSource = passphrase.NewSource(keystorePass, "Enter keystore passphrase: ")

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "path of the key file to write")
	schemeName := fs.String("scheme", string(crypto.SchemeSecp256k1), "signature scheme (secp256k1 or ed25519)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	scheme, err := crypto.ParseScheme(*schemeName)
	if err != nil {
		return printError(stderr, err.Error())
	}

	var identity [32]byte
	switch scheme {
	case crypto.SchemeEd25519:
		signer, err := crypto.GenerateEd25519Signer()
		if err != nil {
			return printError(stderr, err.Error())
		}
		if err := crypto.SaveSeedFile(*out, signer.Seed()); err != nil {
			return printError(stderr, err.Error())
		}
		identity = signer.Identity()
	default:
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return printError(stderr, err.Error())
		}
		pass, err := passSource.Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
			return printError(stderr, err.Error())
		}
		identity = key.Identity()
	}
	id := escrow.Identity(identity)
	fmt.Fprintf(stdout, "Wrote %s key to %s\n", scheme, *out)
	fmt.Fprintf(stdout, "Identity: %s\n", id)
	fmt.Fprintf(stdout, "Account:  %s\n", id.Account())
	return 0
}

func loadSigner(scheme crypto.Scheme, path string) (crypto.Signer, error) {
	switch scheme {
	case crypto.SchemeEd25519:
		seed, err := crypto.LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		return crypto.NewEd25519Signer(seed)
	default:
		pass, err := passSource.Get()
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return nil, err
		}
		return crypto.NewSecp256k1Signer(key)
	}
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("identity", stderr)
	keyPath := fs.String("key", "", "key file written by keygen")
	schemeName := fs.String("scheme", string(crypto.SchemeSecp256k1), "signature scheme (secp256k1 or ed25519)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*keyPath) == "" {
		return printError(stderr, "--key is required")
	}
	scheme, err := crypto.ParseScheme(*schemeName)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer, err := loadSigner(scheme, *keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	id := escrow.Identity(signer.Identity())
	fmt.Fprintf(stdout, "Identity: %s\n", id)
	fmt.Fprintf(stdout, "Account:  %s\n", id.Account())
	return 0
}

func runNewDealID(stdout io.Writer) int {
	fmt.Fprintln(stdout, escrow.NewDealID())
	return 0
}

type ticketOutput struct {
	DealID        string `json:"dealId"`
	ExpectedNonce uint64 `json:"expectedNonce"`
	ExpiresAt     int64  `json:"expiresAt"`
	SellerPct     uint8  `json:"sellerPct"`
	BuyerPct      uint8  `json:"buyerPct"`
	Signature     string `json:"signature"`
}

func runSignTicket(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign-ticket", stderr)
	keyPath := fs.String("key", "", "arbiter key file")
	schemeName := fs.String("scheme", string(crypto.SchemeSecp256k1), "signature scheme (secp256k1 or ed25519)")
	dealStr := fs.String("deal", "", "deal id")
	nonce := fs.Uint64("nonce", 0, "deal nonce the ticket is bound to")
	expires := fs.String("expires", "+1h", "expiry as +duration, unix seconds or RFC3339")
	sellerPct := fs.Uint("seller-pct", 0, "seller share (0 or 100)")
	buyerPct := fs.Uint("buyer-pct", 0, "buyer share (0 or 100)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*keyPath) == "" {
		return printError(stderr, "--key is required")
	}
	id, err := escrow.ParseDealID(*dealStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *sellerPct > 100 || *buyerPct > 100 {
		return printError(stderr, "percentages must be between 0 and 100")
	}
	expiresAt, err := parseTimestamp(*expires, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	scheme, err := crypto.ParseScheme(*schemeName)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer, err := loadSigner(scheme, *keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ticket := &escrow.Ticket{
		DealID:        id,
		ExpectedNonce: *nonce,
		ExpiresAt:     expiresAt,
		SellerPct:     uint8(*sellerPct),
		BuyerPct:      uint8(*buyerPct),
	}
	if _, err := ticket.Verdict(); err != nil {
		return printError(stderr, err.Error())
	}
	sig, err := signer.Sign(ticket.SigningBytes())
	if err != nil {
		return printError(stderr, err.Error())
	}
	data, err := json.MarshalIndent(ticketOutput{
		DealID:        ticket.DealID.String(),
		ExpectedNonce: ticket.ExpectedNonce,
		ExpiresAt:     ticket.ExpiresAt,
		SellerPct:     ticket.SellerPct,
		BuyerPct:      ticket.BuyerPct,
		Signature:     "0x" + hex.EncodeToString(sig),
	}, "", "  ")
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "identity the token authenticates")
	configPath := fs.String("config", "", "escrowd config to read auth settings from")
	secret := fs.String("secret", "", "HMAC secret (overrides --config)")
	issuer := fs.String("issuer", "", "issuer claim (overrides --config)")
	audience := fs.String("audience", "", "audience claim (overrides --config)")
	scope := fs.String("scope", "", "space separated scopes, e.g. admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := escrow.ParseIdentity(*subject)
	if err != nil {
		return printError(stderr, "--subject: "+err.Error())
	}
	auth := rpc.AuthConfig{}
	if strings.TrimSpace(*configPath) != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		auth = rpc.AuthConfig{HMACSecret: cfg.Auth.HMACSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience}
	}
	if *secret != "" {
		auth.HMACSecret = *secret
	}
	if *issuer != "" {
		auth.Issuer = *issuer
	}
	if *audience != "" {
		auth.Audience = *audience
	}
	token, err := rpc.IssueToken(auth, id, strings.Fields(*scope), *ttl, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// parseTimestamp accepts +duration relative to now, unix seconds or RFC3339.
func parseTimestamp(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("timestamp required")
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := parseDuration(trimmed[1:])
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	if unix, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	return ts.Unix(), nil
}

func parseDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		days, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return dur, nil
}
