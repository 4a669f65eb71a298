// Package client is the agent-side counterpart of the claim server. It
// speaks the 402 quote/retry flow: POST without payment, read the quote,
// hand it to a PayFunc, and retry once with the X-PAYMENT header attached.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/proof"
)

const paymentHeader = "X-PAYMENT"

// Quote is the server's payment-required response for a pixel.
type Quote struct {
	X              int    `json:"x"`
	Y              int    `json:"y"`
	RequiredAmount string `json:"requiredAmount"`
	Asset          string `json:"asset"`
	Recipient      string `json:"recipient"`
	Network        string `json:"network"`
	ExpirySeconds  int    `json:"expirySeconds"`
	Error          string `json:"error,omitempty"`
}

// Amount parses the quoted amount in raw token units.
func (q *Quote) Amount() (*big.Int, error) {
	n, ok := new(big.Int).SetString(q.RequiredAmount, 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("unparseable quote amount %q", q.RequiredAmount)
	}
	return n, nil
}

// ClaimResult is the server's settlement confirmation.
type ClaimResult struct {
	Success               bool   `json:"success"`
	X                     int    `json:"x"`
	Y                     int    `json:"y"`
	Color                 string `json:"color"`
	Owner                 string `json:"owner"`
	PricePaid             string `json:"pricePaid"`
	PreviousOwner         string `json:"previousOwner"`
	RebateToPreviousOwner string `json:"rebateToPreviousOwner"`
	TreasuryCut           string `json:"treasuryCut"`
	LootCut               string `json:"lootCut"`
	DevCut                string `json:"devCut"`
	TxReference           string `json:"txReference"`
	NextPrice             string `json:"nextPrice"`
}

// PixelView is the public read model of a claimed pixel.
type PixelView struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Owner  string `json:"owner"`
	Color  string `json:"color"`
	Price  string `json:"price"`
	Claims int    `json:"claims"`
}

// PriceView is the free price-check response.
type PriceView struct {
	X              int    `json:"x"`
	Y              int    `json:"y"`
	RequiredAmount string `json:"requiredAmount"`
	Occupied       bool   `json:"occupied"`
	CurrentOwner   string `json:"currentOwner,omitempty"`
}

// PayFunc settles a quote out of band and returns the resulting payment
// proof. Implementations typically submit an ERC-20 transfer and return
// once the transaction is mined.
type PayFunc func(ctx context.Context, q *Quote) (proof.Proof, error)

// RejectedError is returned when the server refuses a paid claim. The
// payment may already be spent; callers should not blindly retry.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("claim rejected (%d): %s", e.Status, e.Reason)
}

// Client claims pixels against a canvas server.
type Client struct {
	baseURL string
	httpc   *http.Client
	pay     PayFunc
	agent   string
	log     *zap.Logger
}

func New(baseURL string, pay PayFunc, agent string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
		pay:     pay,
		agent:   agent,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// Price fetches the current price of a pixel without committing to pay.
func (c *Client) Price(ctx context.Context, x, y int) (*PriceView, error) {
	var pv PriceView
	if err := c.getJSON(ctx, fmt.Sprintf("/price/%d/%d", x, y), &pv); err != nil {
		return nil, err
	}
	return &pv, nil
}

// Pixel fetches a claimed pixel. Returns nil for an unclaimed cell.
func (c *Client) Pixel(ctx context.Context, x, y int) (*PixelView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/pixel/%d/%d", c.baseURL, x, y), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}
	var pv PixelView
	if err := json.NewDecoder(resp.Body).Decode(&pv); err != nil {
		return nil, fmt.Errorf("decode pixel: %w", err)
	}
	return &pv, nil
}

// Claim runs the full payment flow for one pixel: request a quote, pay
// it, and retry with the proof attached. A single payment is made per
// call; if the server still refuses after payment the proof is spent
// and the error says why.
func (c *Client) Claim(ctx context.Context, x, y int, color string) (*ClaimResult, error) {
	resp, err := c.postClaim(ctx, x, y, color, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// Already paid? The server never settles without a proof, so
		// treat this as a protocol violation rather than success.
		return nil, fmt.Errorf("server settled claim without payment")
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		// Refusals before any payment was asked for (self-purchase,
		// rejected input) carry the server's reason; surface them typed
		// so callers can branch on Status.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, rejectedFrom(resp)
		}
		return nil, unexpectedStatus(resp)
	}

	var quote Quote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	pf, err := c.pay(ctx, &quote)
	if err != nil {
		return nil, fmt.Errorf("pay quote: %w", err)
	}
	header, err := proof.EncodeHeader(pf)
	if err != nil {
		return nil, fmt.Errorf("encode payment header: %w", err)
	}

	c.log.Debug("paid quote, retrying claim",
		zap.Int("x", x), zap.Int("y", y),
		zap.String("amount", quote.RequiredAmount),
		zap.String("txReference", pf.TxReference))

	paid, err := c.postClaim(ctx, x, y, color, header)
	if err != nil {
		return nil, err
	}
	defer paid.Body.Close()

	if paid.StatusCode != http.StatusOK {
		return nil, rejectedFrom(paid)
	}
	var result ClaimResult
	if err := json.NewDecoder(paid.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return &result, nil
}

func (c *Client) postClaim(ctx context.Context, x, y int, color, header string) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{"color": color, "agent": c.agent})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/pixel/%d/%d", c.baseURL, x, y), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(paymentHeader, header)
	}
	return c.httpc.Do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rejectedFrom(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &RejectedError{Status: resp.StatusCode, Reason: body.Error}
}

func unexpectedStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
