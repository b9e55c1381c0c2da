// Package chainclient defines the contract the pipeline consumes from
// the chain SDK: latest_height, block_range, and mapping_value, plus the
// heterogeneous shape of mapping values, which the rest of the pipeline
// must accept transparently.
package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/paravex/subdag-observatory/internal/xerrors"
)

// RawBlock is the inbound wire shape of a block, as decoded from the
// chain SDK's JSON response. Fields outside this set are ignored by the
// decoder.
type RawBlock struct {
	BlockHash    string `json:"block_hash"`
	PreviousHash string `json:"previous_hash"`
	Header       struct {
		Metadata struct {
			Height    uint64 `json:"height"`
			Round     uint64 `json:"round"`
			Timestamp int64  `json:"timestamp"`
		} `json:"metadata"`
	} `json:"header"`
	Ratifications []Ratification `json:"ratifications"`
	Authority     struct {
		Subdag struct {
			Subdag map[string][]SubdagBatch `json:"subdag"`
		} `json:"subdag"`
	} `json:"authority"`
	Transactions []json.RawMessage `json:"transactions"`
}

// Ratification is one entry of a block's ratifications array. Only the
// block_reward variant carries data the decoder consumes.
type Ratification struct {
	Type        string          `json:"type"`
	BlockReward json.RawMessage `json:"amount,omitempty"`
}

// SubdagBatch is one batch entry nested under a round key in
// authority.subdag.subdag.
type SubdagBatch struct {
	BatchHeader struct {
		BatchID     string `json:"batch_id"`
		Author      string `json:"author"`
		Timestamp   int64  `json:"timestamp"`
		CommitteeID string `json:"committee_id"`
		Signature   string `json:"signature"`
	} `json:"batch_header"`
	Signatures []string `json:"signatures"`
}

// Client is the contract the core pipeline consumes from the chain SDK.
// Implementations must be safe for concurrent use.
type Client interface {
	LatestHeight(ctx context.Context) (uint64, error)
	BlockRange(ctx context.Context, start, end uint64) ([]RawBlock, error)
	MappingValue(ctx context.Context, program, mapping, key string) (MappingValue, error)
}

// HTTPClient is a thin REST implementation of Client against
// CHAIN_SDK_URL (net/http + encoding/json, no generated SDK).
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a Client against the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chainclient: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &xerrors.TransientNetwork{Err: fmt.Errorf("%s: %w", path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &xerrors.RateLimited{Err: fmt.Errorf("%s: status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return &xerrors.TransientNetwork{Err: fmt.Errorf("%s: status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("chainclient: %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chainclient: decode %s: %w", path, err)
	}
	return nil
}

// LatestHeight returns the chain's current tip.
func (c *HTTPClient) LatestHeight(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.get(ctx, "/latest/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// BlockRange fetches an inclusive range of blocks. The node may cap the
// length of a single request; callers are responsible for respecting
// that cap.
func (c *HTTPClient) BlockRange(ctx context.Context, start, end uint64) ([]RawBlock, error) {
	var out []RawBlock
	path := fmt.Sprintf("/blocks?start=%d&end=%d", start, end)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MappingValue fetches a single mapping entry and parses it into the
// MappingValue tagged union.
func (c *HTTPClient) MappingValue(ctx context.Context, program, mapping, key string) (MappingValue, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/program/%s/mapping/%s/%s", url.PathEscape(program), url.PathEscape(mapping), url.PathEscape(key))
	if err := c.get(ctx, path, &raw); err != nil {
		return MappingValue{}, err
	}
	return ParseMappingValue(raw)
}
