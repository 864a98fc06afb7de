// Package midtrans verifies enrollment payments through the Midtrans Core API
// transaction status endpoint. The payment reference is the Midtrans order id.
package midtrans

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	mt "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/pkg/circuitbreaker"
)

// Config holds the Midtrans credentials.
type Config struct {
	ServerKey  string
	Production bool
}

// statusChecker is the part of coreapi.Client the verifier calls.
type statusChecker interface {
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *mt.Error)
}

// Verifier implements payment.Verifier.
type Verifier struct {
	api     statusChecker
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ payment.Verifier = (*Verifier)(nil)

// NewVerifier builds a verifier on a Core API client.
func NewVerifier(cfg Config, log *slog.Logger) *Verifier {
	env := mt.Sandbox
	if cfg.Production {
		env = mt.Production
	}
	var client coreapi.Client
	client.New(cfg.ServerKey, env)
	return newVerifier(&client, log)
}

func newVerifier(api statusChecker, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "midtrans_verifier")
	return &Verifier{
		api: api,
		breaker: circuitbreaker.PaymentGatewayBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}),
		logger: log,
	}
}

// Verify looks the reference up and accepts it when the transaction is
// settled (or captured with an accepted fraud check) for at least the course
// price. An unknown order is a rejection, not an error.
func (v *Verifier) Verify(ctx context.Context, req payment.Request) (payment.Verdict, error) {
	var resp *coreapi.TransactionStatusResponse
	unknown := false

	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, mErr := v.api.CheckTransaction(req.Reference)
		if mErr != nil {
			if mErr.GetStatusCode() == http.StatusNotFound {
				unknown = true
				return nil
			}
			return fmt.Errorf("midtrans: check transaction %s: %s", req.Reference, mErr.GetMessage())
		}
		resp = r
		return nil
	})
	if err != nil {
		v.logger.Error("payment status lookup failed", "reference", req.Reference, "error", err)
		return payment.Verdict{}, err
	}
	if unknown || resp == nil || resp.StatusCode == strconv.Itoa(http.StatusNotFound) {
		return payment.Verdict{Status: "not_found", Reason: "payment reference not found"}, nil
	}

	verdict := Evaluate(resp, req)
	v.logger.Info("payment verified",
		"reference", req.Reference,
		"course_id", req.CourseID,
		"status", verdict.Status,
		"accepted", verdict.Accepted,
	)
	return verdict, nil
}

// Evaluate maps a transaction status onto a verdict for req.
func Evaluate(resp *coreapi.TransactionStatusResponse, req payment.Request) payment.Verdict {
	status := strings.ToLower(resp.TransactionStatus)
	fraud := strings.ToLower(resp.FraudStatus)
	verdict := payment.Verdict{Status: status}

	switch status {
	case "settlement":
	case "capture":
		if fraud != "accept" {
			verdict.Reason = "card capture awaiting fraud review (" + fraud + ")"
			return verdict
		}
	case "pending":
		verdict.Reason = "payment is still pending"
		return verdict
	default:
		verdict.Reason = "payment is " + status
		return verdict
	}

	if req.Currency != "" && resp.Currency != "" && !strings.EqualFold(req.Currency, resp.Currency) {
		verdict.Reason = fmt.Sprintf("paid in %s, course priced in %s", resp.Currency, req.Currency)
		return verdict
	}

	paid, err := decimal.NewFromString(resp.GrossAmount)
	if err != nil {
		verdict.Reason = "unreadable gross amount " + strconv.Quote(resp.GrossAmount)
		return verdict
	}
	if paid.LessThan(req.Amount) {
		verdict.Reason = fmt.Sprintf("paid %s, course costs %s", paid.String(), req.Amount.String())
		return verdict
	}

	verdict.Accepted = true
	return verdict
}
