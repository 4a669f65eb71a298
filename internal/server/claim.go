package server

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/canvas"
	"github.com/canvas402/canvas402/internal/metrics"
	"github.com/canvas402/canvas402/internal/pricing"
	"github.com/canvas402/canvas402/internal/proof"
)

// paymentHeader carries the base64 JSON payment proof on the paid retry.
const paymentHeader = "X-PAYMENT"

// claimBodySchema validates the claim request before anything else runs.
// The agent identity is mandatory so self-purchase is refused before a
// price is ever quoted; without it an owner could pay for a pixel they
// already hold and forfeit the payment.
const claimBodySchema = `{
  "type": "object",
  "required": ["color", "agent"],
  "additionalProperties": false,
  "properties": {
    "color": {"type": "string", "pattern": "^[0-9a-fA-F]{6}$"},
    "agent": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

type claimRequest struct {
	Color string `json:"color"`
	// Agent is the claimant's wallet address, used for the pre-quote
	// self-purchase check. Ownership is always recorded from the
	// resolved transfer's sender, never from this field.
	Agent string `json:"agent"`
}

// handleClaim drives one claim attempt through the protocol states:
// Requested -> AwaitingPayment (402 quote) on the unpaid call, then
// PaymentSubmitted -> Settled | Rejected on the retry with proof. Quotes
// are not persisted; the price is recomputed under the pixel lock on the
// paid call, so an agent that pays a stale quote is rejected with
// insufficient-amount and must re-quote.
func (s *Server) handleClaim(c *gin.Context) {
	x, y, ok := coords(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4096))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	req, ok := s.parseClaimBody(c, body)
	if !ok {
		return
	}

	// Per-pixel mutual exclusion: the read-price, verify-payment,
	// write-state sequence must not interleave for one pixel. Claims on
	// other pixels proceed in parallel.
	unlock := s.store.LockPixel(x, y)
	defer unlock()

	ctx := c.Request.Context()
	px, err := s.store.Pixel(ctx, x, y)
	if err != nil {
		s.log.Error("read pixel", zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	required := s.requiredPrice(px)

	// No self-purchase: rejected before a price is even quoted.
	if px != nil && req.Agent != "" && strings.EqualFold(px.Owner, req.Agent) {
		c.JSON(http.StatusConflict, gin.H{"error": "pixel already owned by claimant"})
		return
	}

	header := c.GetHeader(paymentHeader)
	if header == "" {
		metrics.QuoteIssued()
		c.JSON(http.StatusPaymentRequired, s.paymentRequiredBody(x, y, required, ""))
		return
	}

	pf, err := proof.DecodeHeader(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed " + paymentHeader + " header: " + err.Error()})
		return
	}
	if px != nil && pf.Payer != "" && strings.EqualFold(px.Owner, pf.Payer) {
		c.JSON(http.StatusConflict, gin.H{"error": "pixel already owned by claimant"})
		return
	}

	started := time.Now()
	transfer, rej := s.verifier.Verify(ctx, pf, required, s.payTo, s.asset)
	if rej != nil {
		metrics.ClaimRejected(string(rej.Reason))
		s.log.Info("claim rejected",
			zap.Int("x", x), zap.Int("y", y),
			zap.String("txReference", pf.TxReference),
			zap.String("reason", string(rej.Reason)))
		c.JSON(http.StatusPaymentRequired, s.paymentRequiredBody(x, y, required, string(rej.Reason)))
		return
	}

	// The proof is consumed; an owner paying for their own pixel forfeits
	// it rather than creating a self-sale ledger entry.
	if px != nil && strings.EqualFold(px.Owner, transfer.From) {
		metrics.ClaimRejected("self-purchase")
		c.JSON(http.StatusConflict, gin.H{"error": "pixel already owned by claimant"})
		return
	}

	prevOwner := ""
	var prevPrice *big.Int
	if px != nil {
		prevOwner = px.Owner
		prevPrice = px.Price
	}

	dist := s.policy.Distribute(transfer.Amount, prevOwner)
	newPrice := pricing.Next(transfer.Amount)

	st := canvas.Settlement{
		X: x, Y: y,
		Buyer:        transfer.From,
		Color:        req.Color,
		TxReference:  pf.TxReference,
		Gross:        transfer.Amount,
		NewPrice:     newPrice,
		PrevPrice:    prevPrice,
		Distribution: dist,
		At:           time.Now().UTC(),
	}
	if err := s.store.ApplySettlement(ctx, st); err != nil {
		// Unreachable while the pixel lock is held, except storage
		// faults. Fail closed either way: deny, write nothing more.
		metrics.ClaimRejected("settlement-failed")
		s.log.Error("settlement failed",
			zap.Int("x", x), zap.Int("y", y),
			zap.String("txReference", pf.TxReference),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	// Payout forwarding is out of band: the settlement is final and the
	// response does not wait for the payout transactions to mine.
	if s.payouts != nil {
		go s.payouts.Forward(context.Background(), dist)
	}

	grossF, _ := new(big.Float).SetInt(transfer.Amount).Float64()
	metrics.ClaimSettled(grossF, started)
	s.log.Info("claim settled",
		zap.Int("x", x), zap.Int("y", y),
		zap.String("owner", transfer.From),
		zap.String("previousOwner", prevOwner),
		zap.String("pricePaid", transfer.Amount.String()),
		zap.String("txReference", pf.TxReference))

	c.JSON(http.StatusOK, gin.H{
		"success":               true,
		"x":                     x,
		"y":                     y,
		"color":                 req.Color,
		"owner":                 transfer.From,
		"pricePaid":             transfer.Amount.String(),
		"previousOwner":         prevOwner,
		"rebateToPreviousOwner": dist.Rebate.String(),
		"treasuryCut":           dist.Treasury.String(),
		"lootCut":               dist.Loot.String(),
		"devCut":                dist.Dev.String(),
		"txReference":           pf.TxReference,
		"nextPrice":             newPrice.String(),
	})
}

func (s *Server) parseClaimBody(c *gin.Context, body []byte) (claimRequest, bool) {
	result, err := s.claimSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
		return claimRequest{}, false
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim request", "details": errs})
		return claimRequest{}, false
	}

	var req claimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
		return claimRequest{}, false
	}
	return req, true
}

// requiredPrice returns the price a claim of this pixel must pay now.
func (s *Server) requiredPrice(px *canvas.Pixel) *big.Int {
	if px == nil {
		return pricing.Base()
	}
	return px.Price
}

func (s *Server) paymentRequiredBody(x, y int, required *big.Int, reason string) gin.H {
	body := gin.H{
		"x":              x,
		"y":              y,
		"requiredAmount": required.String(),
		"asset":          s.asset,
		"recipient":      s.payTo,
		"network":        s.network,
		"description":    "pixel claim",
		"expirySeconds":  s.quoteExpiry,
	}
	if reason != "" {
		body["error"] = reason
	}
	return body
}
