package tron

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tronpay-io/tronpay/internal/circuitbreaker"
	"github.com/tronpay-io/tronpay/internal/metrics"
)

const trc20JSON = `[
	{"constant":true,"inputs":[{"name":"who","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var trc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(trc20JSON))
	if err != nil {
		panic("tron: bad trc20 abi: " + err.Error())
	}
	return parsed
}()

// Token transfers burn energy and need fee-limit headroom, in SUN.
const defaultTokenFeeLimit = 30_000_000

// ClientConfig holds node connection settings.
type ClientConfig struct {
	NodeURL       string
	APIKey        string
	TokenContract string // base58 token contract address
	FeeWalletKey  string // hex private key of the gas-funding wallet
	FeeLimitSun   int64  // token transfer fee limit, 0 = default
}

// Client talks to a TRON full node over its HTTP wallet API. All
// transaction signing happens locally; the node never sees a key.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger
	tokenContract string
	feeKey        *ecdsa.PrivateKey
	feeAddress    string
	feeLimit      int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker sets the circuit breaker guarding node endpoints.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient builds a node client. The fee wallet key is parsed once and
// kept in memory for the life of the client.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	feeKey, err := ParseKey(cfg.FeeWalletKey)
	if err != nil {
		return nil, fmt.Errorf("fee wallet: %w", err)
	}
	if _, err := DecodeAddress(cfg.TokenContract); err != nil {
		return nil, fmt.Errorf("token contract: %w", err)
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.NodeURL, "/"),
		apiKey:        cfg.APIKey,
		http:          &http.Client{Timeout: 15 * time.Second},
		breaker:       circuitbreaker.New(5, 30*time.Second),
		logger:        slog.Default(),
		tokenContract: cfg.TokenContract,
		feeKey:        feeKey,
		feeAddress:    AddressFromKey(feeKey),
		feeLimit:      cfg.FeeLimitSun,
	}
	if c.feeLimit <= 0 {
		c.feeLimit = defaultTokenFeeLimit
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FeeWalletAddress returns the address of the gas-funding wallet.
func (c *Client) FeeWalletAddress() string { return c.feeAddress }

// CreateAccount mints a new keypair locally.
func (c *Client) CreateAccount(ctx context.Context) (*Account, error) {
	return GenerateAccount()
}

type accountResp struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// NativeBalance returns the TRX balance in SUN. Unactivated accounts
// come back as an empty object and read as zero.
func (c *Client) NativeBalance(ctx context.Context, address string) (int64, error) {
	var resp accountResp
	err := c.post(ctx, "getaccount", map[string]any{
		"address": address,
		"visible": true,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// IsActivated reports whether the address exists on-chain.
func (c *Client) IsActivated(ctx context.Context, address string) (bool, error) {
	var resp accountResp
	err := c.post(ctx, "getaccount", map[string]any{
		"address": address,
		"visible": true,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Address != "", nil
}

type constantResp struct {
	Result struct {
		Result  bool   `json:"result"`
		Message string `json:"message"`
	} `json:"result"`
	ConstantResult []string `json:"constant_result"`
}

// TokenBalance reads the token balance via a constant balanceOf call.
func (c *Client) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	param, err := packParams("balanceOf", address)
	if err != nil {
		return nil, err
	}

	var resp constantResp
	err = c.post(ctx, "triggerconstantcontract", map[string]any{
		"owner_address":     address,
		"contract_address":  c.tokenContract,
		"function_selector": "balanceOf(address)",
		"parameter":         param,
		"visible":           true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.ConstantResult) == 0 {
		if resp.Result.Message != "" {
			return nil, fmt.Errorf("tron: balanceOf failed: %s", decodeNodeMessage(resp.Result.Message))
		}
		return big.NewInt(0), nil
	}

	bal, ok := new(big.Int).SetString(strings.TrimPrefix(resp.ConstantResult[0], "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("tron: unparseable balanceOf result %q", resp.ConstantResult[0])
	}
	return bal, nil
}

// unsignedTx is the transaction envelope the node returns from the
// create/trigger endpoints, echoed back on broadcast.
type unsignedTx struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Error      string          `json:"Error"`
}

// SendNative transfers SUN from the fee-funding wallet.
func (c *Client) SendNative(ctx context.Context, to string, amountSun int64) (*TxResult, error) {
	return c.sendNative(ctx, c.feeKey, c.feeAddress, to, amountSun)
}

// SendNativeFrom transfers SUN signed with the given key. Used for gas
// recovery out of deposit addresses.
func (c *Client) SendNativeFrom(ctx context.Context, signingKey, to string, amountSun int64) (*TxResult, error) {
	key, err := ParseKey(signingKey)
	if err != nil {
		return nil, err
	}
	return c.sendNative(ctx, key, AddressFromKey(key), to, amountSun)
}

func (c *Client) sendNative(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amountSun int64) (*TxResult, error) {
	if _, err := DecodeAddress(to); err != nil {
		return nil, err
	}
	if amountSun <= 0 {
		return nil, fmt.Errorf("tron: non-positive amount %d", amountSun)
	}

	var tx unsignedTx
	err := c.post(ctx, "createtransaction", map[string]any{
		"owner_address": from,
		"to_address":    to,
		"amount":        amountSun,
		"visible":       true,
	}, &tx)
	if err != nil {
		return nil, &TxError{Op: "create native transfer", Err: err}
	}
	if tx.Error != "" {
		return nil, &TxError{Op: "create native transfer", Err: fmt.Errorf("%w: %s", ErrBroadcastRejected, tx.Error)}
	}

	return c.signAndBroadcast(ctx, &tx, key, "native transfer")
}

// SendToken transfers token minor units signed with the given key.
func (c *Client) SendToken(ctx context.Context, signingKey, to string, amount *big.Int) (*TxResult, error) {
	key, err := ParseKey(signingKey)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("tron: non-positive token amount")
	}
	param, err := packParams("transfer", to, amount)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
		Transaction unsignedTx `json:"transaction"`
	}
	err = c.post(ctx, "triggersmartcontract", map[string]any{
		"owner_address":     AddressFromKey(key),
		"contract_address":  c.tokenContract,
		"function_selector": "transfer(address,uint256)",
		"parameter":         param,
		"fee_limit":         c.feeLimit,
		"call_value":        0,
		"visible":           true,
	}, &resp)
	if err != nil {
		return nil, &TxError{Op: "create token transfer", Err: err}
	}
	if !resp.Result.Result {
		msg := decodeNodeMessage(resp.Result.Message)
		return nil, &TxError{Op: "create token transfer", Err: classifyRejection("", msg)}
	}

	return c.signAndBroadcast(ctx, &resp.Transaction, key, "token transfer")
}

type broadcastResp struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
}

// signAndBroadcast signs the transaction hash locally and submits it.
// The node-supplied txID is verified against the raw payload before
// signing so a tampered response cannot redirect the signature.
func (c *Client) signAndBroadcast(ctx context.Context, tx *unsignedTx, key *ecdsa.PrivateKey, op string) (*TxResult, error) {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, &TxError{Op: op, Err: fmt.Errorf("bad raw_data_hex: %w", err)}
	}
	wantID := sha256.Sum256(raw)
	if tx.TxID != hex.EncodeToString(wantID[:]) {
		return nil, &TxError{Op: op, Err: fmt.Errorf("txID does not match transaction payload")}
	}

	sig, err := crypto.Sign(wantID[:], key)
	if err != nil {
		return nil, &TxError{Op: op, Err: fmt.Errorf("sign: %w", err)}
	}

	var resp broadcastResp
	err = c.post(ctx, "broadcasttransaction", map[string]any{
		"txID":         tx.TxID,
		"raw_data":     tx.RawData,
		"raw_data_hex": tx.RawDataHex,
		"visible":      tx.Visible,
		"signature":    []string{hex.EncodeToString(sig)},
	}, &resp)
	if err != nil {
		return nil, &TxError{Op: op, TxID: tx.TxID, Err: err}
	}
	if !resp.Result {
		msg := decodeNodeMessage(resp.Message)
		c.logger.Warn("broadcast rejected", "op", op, "code", resp.Code, "message", msg)
		return &TxResult{TxID: tx.TxID, Accepted: false},
			&TxError{Op: op, TxID: tx.TxID, Err: classifyRejection(resp.Code, msg)}
	}

	return &TxResult{TxID: tx.TxID, Accepted: true}, nil
}

// classifyRejection maps node rejection codes to typed errors so callers
// can distinguish resource shortfalls from hard failures.
func classifyRejection(code, msg string) error {
	combined := strings.ToLower(code + " " + msg)
	if strings.Contains(combined, "bandwith") || strings.Contains(combined, "bandwidth") ||
		strings.Contains(combined, "energy") {
		return fmt.Errorf("%w: %s %s", ErrInsufficientResources, code, msg)
	}
	return fmt.Errorf("%w: %s %s", ErrBroadcastRejected, code, msg)
}

// decodeNodeMessage unwraps the hex-encoded error strings the node
// returns in result.message fields.
func decodeNodeMessage(msg string) string {
	if decoded, err := hex.DecodeString(msg); err == nil && len(decoded) > 0 {
		return string(decoded)
	}
	return msg
}

// packParams ABI-encodes call arguments the way the node's parameter
// field expects: encoded args without the 4-byte selector, hex.
func packParams(method string, args ...any) (string, error) {
	packed := make([]any, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			raw, err := DecodeAddress(v)
			if err != nil {
				return "", err
			}
			packed = append(packed, common.BytesToAddress(raw[1:]))
		default:
			packed = append(packed, a)
		}
	}
	data, err := trc20ABI.Pack(method, packed...)
	if err != nil {
		return "", fmt.Errorf("tron: pack %s: %w", method, err)
	}
	return hex.EncodeToString(data[4:]), nil
}

// post sends a JSON request to a wallet endpoint, guarded by the
// per-endpoint circuit breaker.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	if !c.breaker.Allow(endpoint) {
		return fmt.Errorf("%w: circuit open for %s", ErrNodeUnavailable, endpoint)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tron: marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/wallet/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tron: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure(endpoint)
		return fmt.Errorf("%w: %s: %v", ErrNodeUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordFailure(endpoint)
		return fmt.Errorf("%w: read %s response: %v", ErrNodeUnavailable, endpoint, err)
	}

	if resp.StatusCode >= 500 {
		c.recordFailure(endpoint)
		return fmt.Errorf("%w: %s returned %d", ErrNodeUnavailable, endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.recordFailure(endpoint)
		return fmt.Errorf("tron: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.recordFailure(endpoint)
		return fmt.Errorf("tron: decode %s response: %w", endpoint, err)
	}

	c.breaker.RecordSuccess(endpoint)
	metrics.NodeRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (c *Client) recordFailure(endpoint string) {
	c.breaker.RecordFailure(endpoint)
	metrics.NodeRequestsTotal.WithLabelValues(endpoint, "error").Inc()
}
