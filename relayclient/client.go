package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"teorelay/protocol"
)

type Config struct {
	BaseURL       string
	AuthToken     string        // sent as a bearer token on mutating calls
	Timeout       time.Duration // per HTTP call, default 30s
	DemoMode      bool
	MaxAge        time.Duration // pre-flight freshness bound, default 60s
	SkipPreflight bool          // let the relay be the only judge
	HTTPClient    *http.Client
}

// Client talks to the relay: reads allowance and tier data through the
// shared Cache and submits signed requests.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *Cache
	queue  *submitQueue
	policy protocol.StakingPolicy
	log    zerolog.Logger
	now    func() time.Time
}

// New - Initialize relay client
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		queue:  newSubmitQueue(),
		policy: protocol.DefaultStakingPolicy(),
		log:    log.With().Str("component", "relayclient").Logger(),
		now:    time.Now,
	}
	c.cache = NewCache(c, CacheConfig{DemoMode: cfg.DemoMode, MaxAge: cfg.MaxAge}, log)
	return c
}

// WithClock replaces the time source of the client and its cache, for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	c.cache.WithClock(now)
	return c
}

func (c *Client) WithPolicy(p protocol.StakingPolicy) *Client {
	c.policy = p
	return c
}

// Cache is the shared allowance/tier cache.
func (c *Client) Cache() *Cache { return c.cache }

// FetchAllowance - GET /allowance/{address}
func (c *Client) FetchAllowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error) {
	data, err := c.get(ctx, "/allowance/"+addr.Hex())
	if err != nil {
		return nil, err
	}
	return decodeAllowance(data, addr, c.now())
}

// FetchTier - GET /staking/tier/{address}
func (c *Client) FetchTier(ctx context.Context, addr common.Address) (*protocol.TierState, error) {
	data, err := c.get(ctx, "/staking/tier/"+addr.Hex())
	if err != nil {
		return nil, err
	}
	return decodeTier(data, addr, c.now())
}

// Submit sends a signed request to the relay. It makes a single attempt; once
// the request is on the wire the caller's cancellation no longer applies and
// the call ends on the relay's answer or the HTTP timeout. A second Submit for
// the same signer and operation waits for the first to resolve.
func (c *Client) Submit(ctx context.Context, req *protocol.SignedOperationRequest) (*protocol.RelayReceipt, error) {
	if req == nil || req.Signature == "" {
		return nil, fmt.Errorf("%w: signature", protocol.ErrMissingRequiredField)
	}
	path, body, err := wireRequest(req)
	if err != nil {
		return nil, err
	}

	release, err := c.queue.acquire(ctx, queueKey(req.Signer, req.Operation))
	if err != nil {
		return nil, err
	}
	defer release()

	if !c.cfg.SkipPreflight {
		if err := c.Preflight(ctx, req.Operation, req.Signer, req.Amount); err != nil {
			return nil, err
		}
	}

	log := c.log.With().Str("signer", req.Signer.Hex()).Stringer("op", req.Operation).Uint64("nonce", req.Nonce).Logger()
	data, err := c.post(context.WithoutCancel(ctx), path, body)
	if err != nil {
		log.Warn().Err(err).Msg("relay request failed")
		return nil, err
	}
	receipt, err := decodeReceipt(data, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrRelayUnreachable, err)
	}
	log.Info().Str("tx", receipt.TransactionHash.Hex()).Str("platform_gas", receipt.GasCostBorneByPlatform).Msg("relay accepted request")

	c.settle(ctx, req.Signer)
	return receipt, nil
}

// ApproveDiscount releases a pending discount to the teacher.
func (c *Client) ApproveDiscount(ctx context.Context, requestID string, approver common.Address) (*protocol.RelayReceipt, error) {
	body := map[string]any{"request_id": requestID, "approver_address": approver.Hex()}
	return c.decide(ctx, "/discount/approve", body, approver)
}

// DeclineDiscount refunds a pending discount to the student.
func (c *Client) DeclineDiscount(ctx context.Context, requestID string, decliner common.Address, reason string) (*protocol.RelayReceipt, error) {
	body := map[string]any{"request_id": requestID, "decliner_address": decliner.Hex()}
	if reason != "" {
		body["reason"] = reason
	}
	return c.decide(ctx, "/discount/decline", body, decliner)
}

func (c *Client) decide(ctx context.Context, path string, body map[string]any, actor common.Address) (*protocol.RelayReceipt, error) {
	if body["request_id"] == "" {
		return nil, fmt.Errorf("%w: request id", protocol.ErrMissingRequiredField)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	data, err := c.post(context.WithoutCancel(ctx), path, raw)
	if err != nil {
		return nil, err
	}
	receipt, err := decodeReceipt(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrRelayUnreachable, err)
	}
	c.settle(ctx, actor)
	return receipt, nil
}

// settle drops and refetches the cache entries touched by a mutation.
func (c *Client) settle(ctx context.Context, addr common.Address) {
	c.cache.Invalidate(addr)
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	if err := c.cache.Refresh(refreshCtx, addr); err != nil {
		c.log.Warn().Err(err).Str("address", addr.Hex()).Msg("post-submit refresh failed")
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	return c.do(req)
}

// do runs req and classifies the answer: 2xx is returned, 4xx becomes a
// RejectedError, anything else is RelayUnreachable.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrRelayUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", protocol.ErrRelayUnreachable, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, decodeRejection(data, resp.StatusCode)
	}
	return nil, fmt.Errorf("%w: status %d", protocol.ErrRelayUnreachable, resp.StatusCode)
}

// wireRequest encodes req in the relay's JSON shape. Amounts travel in base
// units.
func wireRequest(req *protocol.SignedOperationRequest) (string, []byte, error) {
	if req.Amount == nil {
		return "", nil, fmt.Errorf("%w: amount", protocol.ErrMissingRequiredField)
	}
	var (
		path string
		body any
	)
	switch req.Operation {
	case protocol.DiscountRedemption:
		if req.Counterparty == nil {
			return "", nil, fmt.Errorf("%w: teacher address", protocol.ErrMissingRequiredField)
		}
		path = "/discount/create"
		body = discountWire{
			StudentAddress:   req.Signer.Hex(),
			TeacherAddress:   req.Counterparty.Hex(),
			CourseID:         req.ReferenceID,
			DiscountPercent:  req.DiscountPercent,
			TeoAmount:        req.Amount.String(),
			StudentSignature: req.Signature,
			Nonce:            req.Nonce,
			Deadline:         req.Deadline.Unix(),
		}
	case protocol.TeacherStake, protocol.TeacherUnstake:
		path = "/staking/stake"
		if req.Operation == protocol.TeacherUnstake {
			path = "/staking/unstake"
		}
		body = stakeWire{
			TeacherAddress:   req.Signer.Hex(),
			TeoAmount:        req.Amount.String(),
			TeacherSignature: req.Signature,
			Nonce:            req.Nonce,
			Deadline:         req.Deadline.Unix(),
		}
	default:
		return "", nil, fmt.Errorf("%w: operation", protocol.ErrMissingRequiredField)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return path, raw, nil
}

type discountWire struct {
	StudentAddress   string `json:"student_address"`
	TeacherAddress   string `json:"teacher_address"`
	CourseID         string `json:"course_id"`
	DiscountPercent  uint8  `json:"discount_percent"`
	TeoAmount        string `json:"teo_amount"`
	StudentSignature string `json:"student_signature"`
	Nonce            uint64 `json:"nonce"`
	Deadline         int64  `json:"deadline"`
}

type stakeWire struct {
	TeacherAddress   string `json:"teacher_address"`
	TeoAmount        string `json:"teo_amount"`
	TeacherSignature string `json:"teacher_signature"`
	Nonce            uint64 `json:"nonce"`
	Deadline         int64  `json:"deadline"`
}
