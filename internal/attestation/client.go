package attestation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrVerifierRejected means the verifier did not hand back an encoded
	// request, e.g. for a malformed URL or an unreachable target API.
	ErrVerifierRejected = errors.New("verifier rejected attestation request")
	// ErrRetrievalExhausted is returned once the bounded proof-polling loop
	// runs out of attempts. The caller decides whether to resubmit.
	ErrRetrievalExhausted = errors.New("proof retrieval attempts exhausted")
)

// RequestBody describes the off-chain fact to attest: which URL to call and
// how to shape its response for on-chain consumption.
type RequestBody struct {
	URL           string `json:"url"`
	HTTPMethod    string `json:"httpMethod"`
	Headers       string `json:"headers"`
	QueryParams   string `json:"queryParams"`
	Body          string `json:"body"`
	PostProcessJq string `json:"postProcessJq"`
	ABISignature  string `json:"abiSignature"`
}

// Request is a full attestation request before encoding. Route is the
// verifier's URL path segment for the source group (e.g. "web2").
type Request struct {
	AttestationType string
	SourceID        string
	Route           string
	Body            RequestBody
}

// Proof is a finalized attestation proof retrieved from the data-availability
// layer. ResponseHex decodes against the verifying contract's schema.
type Proof struct {
	MerkleProof []string
	ResponseHex string
}

// ChainSubmitter writes an encoded request to the target chain's attestation
// entry point and reports the voting round it landed in.
type ChainSubmitter interface {
	SubmitAttestationRequest(ctx context.Context, data []byte) (uint64, error)
}

type Client struct {
	verifierBase string
	verifierKey  string
	daBase       string
	daKey        string
	chain        ChainSubmitter
	httpClient   *http.Client
	pollInterval time.Duration
	maxAttempts  int
	log          *slog.Logger
}

type ClientConfig struct {
	VerifierURL    string
	VerifierAPIKey string
	DALayerURL     string
	DALayerAPIKey  string
	Timeout        time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
}

func NewClient(cfg ClientConfig, chain ChainSubmitter, log *slog.Logger) (*Client, error) {
	if cfg.VerifierURL == "" || cfg.DALayerURL == "" {
		return nil, fmt.Errorf("verifier and da-layer urls are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Client{
		verifierBase: strings.TrimRight(cfg.VerifierURL, "/"),
		verifierKey:  cfg.VerifierAPIKey,
		daBase:       strings.TrimRight(cfg.DALayerURL, "/"),
		daKey:        cfg.DALayerAPIKey,
		chain:        chain,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		log:          log,
	}, nil
}

// MaxAttempts reports the configured proof-polling bound.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// Prepare asks the verifier service to encode the request for on-chain
// submission.
func (c *Client) Prepare(ctx context.Context, req Request) ([]byte, error) {
	payload := map[string]any{
		"attestationType": padName(req.AttestationType),
		"sourceId":        padName(req.SourceID),
		"requestBody":     req.Body,
	}
	url := fmt.Sprintf("%s/verifier/%s/%s/prepareRequest", c.verifierBase, req.Route, req.AttestationType)

	var resp struct {
		Status            string `json:"status"`
		ABIEncodedRequest string `json:"abiEncodedRequest"`
	}
	if err := c.post(ctx, url, c.verifierKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierRejected, err)
	}
	if resp.ABIEncodedRequest == "" {
		return nil, fmt.Errorf("%w: no encoded request in response (status %q)", ErrVerifierRejected, resp.Status)
	}
	return common.FromHex(resp.ABIEncodedRequest), nil
}

// SubmitToChain writes the encoded request to the attestation hub; the round
// id is derived from the chain's voting epoch at submission time.
func (c *Client) SubmitToChain(ctx context.Context, encodedRequest []byte) (uint64, error) {
	return c.chain.SubmitAttestationRequest(ctx, encodedRequest)
}

// RetrieveProof polls the data-availability layer at a fixed interval until
// the round finalizes or the attempt budget runs out. One blocking round-trip
// per attempt; never more than one poll in flight per request.
func (c *Client) RetrieveProof(ctx context.Context, encodedRequest []byte, roundID uint64) (Proof, error) {
	url := c.daBase + "/api/v1/fdc/proof-by-request-round-raw"
	payload := map[string]any{
		"votingRoundId": roundID,
		"requestBytes":  "0x" + hex.EncodeToString(encodedRequest),
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var resp struct {
			Proof       []string `json:"proof"`
			ResponseHex string   `json:"response_hex"`
		}
		err := c.post(ctx, url, c.daKey, payload, &resp)
		if err == nil && resp.ResponseHex != "" {
			c.log.Info("proof retrieved", "round", roundID, "attempt", attempt)
			return Proof{MerkleProof: resp.Proof, ResponseHex: resp.ResponseHex}, nil
		}
		if err != nil {
			c.log.Debug("proof not yet available", "round", roundID, "attempt", attempt, "err", err)
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Proof{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return Proof{}, fmt.Errorf("round %d after %d attempts: %w", roundID, c.maxAttempts, ErrRetrievalExhausted)
}

func (c *Client) post(ctx context.Context, url, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// padName utf8-encodes a type or source name and right-pads it to 32 bytes,
// the fixed-width form the verifier expects.
func padName(name string) string {
	padded := make([]byte, 32)
	copy(padded, name)
	return "0x" + hex.EncodeToString(padded)
}
