package bitcoind

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/lianahq/lianad/internal/errs"
)

// defaultTimeout is bitcoind RPC's default per-call budget (spec §5).
const defaultTimeout = 3 * time.Minute

var _ Interface = (*Client)(nil)

// Client is a JSON-RPC client for bitcoind, reconnecting on transport
// errors the same way the daemon's other remote collaborators do: detect a
// broken connection by its error text and drop the cached HTTP client so
// the next call dials fresh.
type Client struct {
	log hclog.Logger

	mu          sync.Mutex
	http        *http.Client
	url         string
	user        string
	pass        string
	maxRetries  int

	id atomic.Uint64
}

// Config carries the connection parameters for a bitcoind RPC endpoint.
type Config struct {
	URL        string
	User       string
	Pass       string
	MaxRetries int
}

// NewClient builds a Client against the given bitcoind RPC endpoint. It
// does not dial eagerly; the first call establishes the HTTP client.
func NewClient(cfg Config, log hclog.Logger) *Client {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		log:        log.Named("bitcoind"),
		url:        cfg.URL,
		user:       cfg.User,
		pass:       cfg.Pass,
		maxRetries: cfg.MaxRetries,
	}
}

// isConnectionError reports whether err indicates a broken transport that
// warrants dropping and re-establishing the HTTP client, rather than an
// RPC-level failure that will recur on retry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "EOF") ||
		strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "i/o timeout")
}

// handleClientError resets the cached HTTP client if err looks like a
// broken connection, so the caller's next attempt dials fresh.
func (c *Client) handleClientError(err error) bool {
	if isConnectionError(err) {
		c.log.Warn("detected stale bitcoind connection, resetting client", "error", err)
		c.mu.Lock()
		c.http = nil
		c.mu.Unlock()
		return true
	}
	return false
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		}
	}
	return c.http
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, err := c.callOnce(ctx, method, params...)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !c.handleClientError(err) {
			return nil, err
		}
	}
	return nil, errs.Wrap(errs.KindPersistence, lastErr, "calling bitcoind %s after %d retries", method, c.maxRetries)
}

func (c *Client) callOnce(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "1.0", ID: c.id.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling bitcoind request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building bitcoind request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.pass)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling bitcoind %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decoding bitcoind response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("bitcoind %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

func (c *Client) ChainTip(ctx context.Context) (int32, chainhash.Hash, error) {
	raw, err := c.call(ctx, "getblockchaininfo")
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	var info struct {
		Blocks int32  `json:"blocks"`
		Hash   string `json:"bestblockhash"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, chainhash.Hash{}, errs.Wrap(errs.KindPersistence, err, "decoding getblockchaininfo")
	}
	h, err := chainhash.NewHashFromStr(info.Hash)
	if err != nil {
		return 0, chainhash.Hash{}, errs.Wrap(errs.KindPersistence, err, "decoding tip hash")
	}
	return info.Blocks, *h, nil
}

func (c *Client) TipTime(ctx context.Context) (uint32, bool, error) {
	_, tip, err := c.ChainTip(ctx)
	if err != nil {
		return 0, false, err
	}
	raw, err := c.call(ctx, "getblockheader", tip.String())
	if err != nil {
		return 0, false, err
	}
	var header struct {
		Time uint32 `json:"time"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, false, errs.Wrap(errs.KindPersistence, err, "decoding block header")
	}
	return header.Time, true, nil
}

func (c *Client) MempoolEntry(ctx context.Context, txid chainhash.Hash) (MempoolEntry, bool, error) {
	raw, err := c.call(ctx, "getmempoolentry", txid.String())
	if err != nil {
		if strings.Contains(err.Error(), "not in mempool") {
			return MempoolEntry{}, false, nil
		}
		return MempoolEntry{}, false, err
	}
	var entry struct {
		Vsize         int64 `json:"vsize"`
		AncestorSize  int64 `json:"ancestorsize"`
		DescendantFee int64 `json:"descendantfees"`
		Fees          struct {
			Base     float64 `json:"base"`
			Ancestor float64 `json:"ancestor"`
		} `json:"fees"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return MempoolEntry{}, false, errs.Wrap(errs.KindPersistence, err, "decoding getmempoolentry")
	}
	return MempoolEntry{
		AncestorVsize: entry.AncestorSize,
		AncestorFee:   btcToSat(entry.Fees.Ancestor),
		DescendantFee: entry.DescendantFee,
		BaseFee:       btcToSat(entry.Fees.Base),
		Vsize:         entry.Vsize,
	}, true, nil
}

func (c *Client) MempoolSpenders(ctx context.Context, outpoints []wire.OutPoint) ([]MempoolEntry, error) {
	seen := map[chainhash.Hash]bool{}
	var out []MempoolEntry
	for _, op := range outpoints {
		raw, err := c.call(ctx, "gettxspendingprevout", []map[string]interface{}{
			{"txid": op.Hash.String(), "vout": op.Index},
		})
		if err != nil {
			return nil, err
		}
		var results []struct {
			SpendingTxid string `json:"spendingtxid"`
		}
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, errs.Wrap(errs.KindPersistence, err, "decoding gettxspendingprevout")
		}
		for _, r := range results {
			if r.SpendingTxid == "" {
				continue
			}
			txid, err := chainhash.NewHashFromStr(r.SpendingTxid)
			if err != nil {
				return nil, errs.Wrap(errs.KindPersistence, err, "decoding spending txid")
			}
			if seen[*txid] {
				continue
			}
			seen[*txid] = true
			entry, ok, err := c.MempoolEntry(ctx, *txid)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (c *Client) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	var buf strings.Builder
	if err := tx.Serialize(hexWriter{&buf}); err != nil {
		return errs.Wrap(errs.KindCrypto, err, "serializing transaction")
	}
	_, err := c.call(ctx, "sendrawtransaction", buf.String())
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "broadcasting transaction %s", tx.TxHash())
	}
	return nil
}

func (c *Client) StartRescan(ctx context.Context, desc string, timestamp uint32) error {
	_, err := c.call(ctx, "importdescriptors", []map[string]interface{}{
		{"desc": desc, "timestamp": timestamp, "active": false},
	})
	if err != nil {
		return errs.Wrap(errs.KindPersistence, err, "starting rescan")
	}
	return nil
}

func (c *Client) RescanProgress(ctx context.Context) (float64, bool, error) {
	raw, err := c.call(ctx, "getwalletinfo")
	if err != nil {
		return 0, false, err
	}
	var info struct {
		ScanProgress *float64 `json:"scanning_progress"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, false, errs.Wrap(errs.KindPersistence, err, "decoding getwalletinfo")
	}
	if info.ScanProgress == nil {
		return 0, false, nil
	}
	return *info.ScanProgress, true, nil
}

func (c *Client) GenesisBlockTimestamp(ctx context.Context) (uint32, error) {
	raw, err := c.call(ctx, "getblockheader", "0")
	if err != nil {
		raw, err = c.call(ctx, "getblockhash", 0)
		if err != nil {
			return 0, err
		}
		var hash string
		if err := json.Unmarshal(raw, &hash); err != nil {
			return 0, errs.Wrap(errs.KindPersistence, err, "decoding genesis hash")
		}
		raw, err = c.call(ctx, "getblockheader", hash)
		if err != nil {
			return 0, err
		}
	}
	var header struct {
		Time uint32 `json:"time"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, errs.Wrap(errs.KindPersistence, err, "decoding genesis block header")
	}
	return header.Time, nil
}

func btcToSat(btc float64) int64 {
	return int64(btc*1e8 + 0.5)
}

// hexWriter adapts a strings.Builder into an io.Writer that hex-encodes
// everything written to it, so wire.MsgTx.Serialize can feed sendrawtransaction
// directly.
type hexWriter struct{ b *strings.Builder }

func (w hexWriter) Write(p []byte) (int, error) {
	const hextable = "0123456789abcdef"
	for _, c := range p {
		w.b.WriteByte(hextable[c>>4])
		w.b.WriteByte(hextable[c&0x0f])
	}
	return len(p), nil
}
