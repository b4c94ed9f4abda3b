// Package daemonclient implements the HTTP/JSON client for the upstream
// blockchain daemon: fetching block templates, submitting solved blocks,
// and health-checking.
package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
)

// Config configures the daemon client.
type Config struct {
	URL      string
	APIKey   string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a stateless HTTP client for the daemon's mining API. It may
// issue concurrent requests; the only serialization requirement (per-height
// block submission) is enforced by the ShareValidator's per-height claim,
// which BlockCoordinator releases, not here.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client. Timeout defaults to 30s
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type templateTxDTO struct {
	Data       string `json:"data"`
	IsCoinbase bool   `json:"isCoinbase"`
}

type templateResponseDTO struct {
	Index        uint64           `json:"index"`
	Difficulty   uint64           `json:"difficulty"`
	PreviousHash string           `json:"previousHash"`
	Timestamp    uint64           `json:"timestamp"`
	MerkleRoot   string           `json:"merkleRoot"`
	Transactions []templateTxDTO  `json:"transactions"`
}

// FetchTemplate implements blocktemplate.Fetcher: GET /api/mining/template.
func (c *Client) FetchTemplate(ctx context.Context, poolFeeAddress string) (*blocktemplate.Template, error) {
	url := fmt.Sprintf("%s/api/mining/template?address=%s", c.cfg.URL, poolFeeAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building template request: %w", err)
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting template: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading template response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, string(body))
	}

	var dto templateResponseDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decoding template response: %w", err)
	}

	txs := make([]blocktemplate.Transaction, len(dto.Transactions))
	for i, tx := range dto.Transactions {
		txs[i] = blocktemplate.Transaction{Data: tx.Data, IsCoinbase: tx.IsCoinbase}
	}

	return &blocktemplate.Template{
		Index:        dto.Index,
		Difficulty:   dto.Difficulty,
		PreviousHash: dto.PreviousHash,
		Timestamp:    dto.Timestamp,
		MerkleRoot:   dto.MerkleRoot,
		Transactions: txs,
	}, nil
}

// BlockPayload is the canonicalized block body submitted to the daemon,
// built by BlockCoordinator from a claimed block solution.
type BlockPayload struct {
	Index        uint64
	Timestamp    uint64
	Transactions []string
	PreviousHash string
	Nonce        uint64
	Difficulty   uint64
	MerkleRoot   string
	Hash         string
	Algorithm    string
}

// SubmitResult is the outcome of a block submission.
type SubmitResult struct {
	Accepted   bool
	StatusCode int
	Message    string
}

type submitRequestDTO struct {
	Block struct {
		Index        uint64   `json:"index"`
		Hash         string   `json:"hash"`
		PreviousHash string   `json:"previousHash"`
		Timestamp    uint64   `json:"timestamp"`
		Nonce        uint64   `json:"nonce"`
		Difficulty   uint64   `json:"difficulty"`
		Transactions []string `json:"transactions"`
		Algorithm    string   `json:"algorithm"`
	} `json:"block"`
}

// SubmitBlock implements POST /api/blocks/submit with a 30s timeout
// (inherited from Config.Timeout).
func (c *Client) SubmitBlock(ctx context.Context, block BlockPayload) (*SubmitResult, error) {
	var reqBody submitRequestDTO
	reqBody.Block.Index = block.Index
	reqBody.Block.Hash = block.Hash
	reqBody.Block.PreviousHash = block.PreviousHash
	reqBody.Block.Timestamp = block.Timestamp
	reqBody.Block.Nonce = block.Nonce
	reqBody.Block.Difficulty = block.Difficulty
	reqBody.Block.Transactions = block.Transactions
	reqBody.Block.Algorithm = block.Algorithm

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding block submission: %w", err)
	}

	url := fmt.Sprintf("%s/api/blocks/submit", c.cfg.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting block: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return &SubmitResult{
		Accepted:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Message:    string(respBody),
	}, nil
}

// Health implements GET /api/health.
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/health", c.cfg.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("checking daemon health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		return
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}
