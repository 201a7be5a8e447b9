package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"solgate/logging"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnavailable marks a chain or indexer failure that survived the retry
// schedule. Callers treat it as fail-open: existing roles are left alone.
var ErrUnavailable = errors.New("chain upstream unavailable")

// TokenProgramID is the SPL token program owning classic token accounts.
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

const dasPageLimit = 1000

var defaultBackoff = []time.Duration{250 * time.Millisecond, 750 * time.Millisecond, 1750 * time.Millisecond}

// WalletSnapshot is a point-in-time view of the holdings the evaluator cares
// about. Maps are keyed by mint / verified collection address.
type WalletSnapshot struct {
	Wallet        string
	TokenBalances map[string]decimal.Decimal
	NFTCounts     map[string]int
}

func (s *WalletSnapshot) TokenBalance(mint string) decimal.Decimal {
	if s == nil || s.TokenBalances == nil {
		return decimal.Zero
	}
	if bal, ok := s.TokenBalances[mint]; ok {
		return bal
	}
	return decimal.Zero
}

func (s *WalletSnapshot) NFTCount(collection string) int {
	if s == nil || s.NFTCounts == nil {
		return 0
	}
	return s.NFTCounts[collection]
}

type SnapshotOptions struct {
	IncludeTokens bool
	IncludeNFTs   bool
}

// Client fetches wallet holdings from the Solana RPC and the DAS indexer.
type Client struct {
	rpcURL     string
	dasURL     string
	httpClient *http.Client

	attempts uint
	backoff  []time.Duration
}

func NewClient(rpcURL, dasURL string, httpClient *http.Client) *Client {
	return &Client{
		rpcURL:     rpcURL,
		dasURL:     dasURL,
		httpClient: httpClient,
		attempts:   4,
		backoff:    defaultBackoff,
	}
}

// Snapshot fetches the requested holdings slices. With both options off it
// returns an empty snapshot without touching the network.
func (c *Client) Snapshot(ctx context.Context, wallet string, opts SnapshotOptions) (*WalletSnapshot, error) {
	snap := &WalletSnapshot{
		Wallet:        wallet,
		TokenBalances: make(map[string]decimal.Decimal),
		NFTCounts:     make(map[string]int),
	}

	if opts.IncludeTokens {
		balances, err := c.tokenBalances(ctx, wallet)
		if err != nil {
			return nil, err
		}
		snap.TokenBalances = balances
	}
	if opts.IncludeNFTs {
		counts, err := c.nftCounts(ctx, wallet)
		if err != nil {
			return nil, err
		}
		snap.NFTCounts = counts
	}
	return snap, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call posts one JSON-RPC request with the bounded backoff schedule. Any
// failure past the last attempt is reported as ErrUnavailable.
func (c *Client) call(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, string(body))
			}

			var rpcResp rpcResponse
			if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
			if rpcResp.Error != nil {
				return fmt.Errorf("%s rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
			}
			result = rpcResp.Result
			return nil
		},
		retry.Attempts(c.attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) >= len(c.backoff) {
				return c.backoff[len(c.backoff)-1]
			}
			return c.backoff[n]
		}),
	)
	if err != nil {
		logging.Warn("chain call failed after retries",
			zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

type tokenAccountsResult struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						TokenAmount struct {
							UIAmountString string   `json:"uiAmountString"`
							UIAmount       *float64 `json:"uiAmount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// tokenBalances aggregates UI-scaled amounts across every token account the
// wallet owns, summing duplicate accounts per mint.
func (c *Client) tokenBalances(ctx context.Context, wallet string) (map[string]decimal.Decimal, error) {
	params := []any{
		wallet,
		map[string]string{"programId": TokenProgramID},
		map[string]string{"encoding": "jsonParsed"},
	}
	raw, err := c.call(ctx, c.rpcURL, "getTokenAccountsByOwner", params)
	if err != nil {
		return nil, err
	}

	var result tokenAccountsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing token accounts: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, entry := range result.Value {
		info := entry.Account.Data.Parsed.Info
		if info.Mint == "" {
			continue
		}
		amount := decimal.Zero
		if info.TokenAmount.UIAmountString != "" {
			amount, err = decimal.NewFromString(info.TokenAmount.UIAmountString)
			if err != nil {
				logging.Warn("skipping unparseable token amount",
					zap.String("mint", info.Mint), zap.String("amount", info.TokenAmount.UIAmountString))
				continue
			}
		} else if info.TokenAmount.UIAmount != nil {
			amount = decimal.NewFromFloat(*info.TokenAmount.UIAmount)
		}
		balances[info.Mint] = balances[info.Mint].Add(amount)
	}
	return balances, nil
}

type dasAsset struct {
	Grouping []struct {
		GroupKey           string `json:"group_key"`
		GroupValue         string `json:"group_value"`
		Verified           *bool  `json:"verified"`
		CollectionVerified *bool  `json:"collection_verified"`
	} `json:"grouping"`
	Content struct {
		Metadata struct {
			Collection struct {
				Key      string `json:"key"`
				Verified bool   `json:"verified"`
			} `json:"collection"`
		} `json:"metadata"`
	} `json:"content"`
}

type assetsByOwnerResult struct {
	Items []dasAsset `json:"items"`
}

// verifiedCollection returns the collection address an asset verifiably
// belongs to. Assets without a verified collection membership are skipped.
func verifiedCollection(asset dasAsset) (string, bool) {
	for _, g := range asset.Grouping {
		if g.GroupKey != "collection" || g.GroupValue == "" {
			continue
		}
		if (g.Verified != nil && *g.Verified) || (g.CollectionVerified != nil && *g.CollectionVerified) {
			return g.GroupValue, true
		}
	}
	coll := asset.Content.Metadata.Collection
	if coll.Verified && coll.Key != "" {
		return coll.Key, true
	}
	return "", false
}

// nftCounts pages through the DAS indexer until a short page and counts
// assets per verified collection.
func (c *Client) nftCounts(ctx context.Context, wallet string) (map[string]int, error) {
	counts := make(map[string]int)
	for page := 1; ; page++ {
		params := map[string]any{
			"ownerAddress": wallet,
			"page":         page,
			"limit":        dasPageLimit,
		}
		raw, err := c.call(ctx, c.dasURL, "getAssetsByOwner", params)
		if err != nil {
			return nil, err
		}

		var result assetsByOwnerResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("parsing assets page %d: %w", page, err)
		}

		for _, asset := range result.Items {
			if collection, ok := verifiedCollection(asset); ok {
				counts[collection]++
			}
		}

		if len(result.Items) < dasPageLimit {
			return counts, nil
		}
	}
}
