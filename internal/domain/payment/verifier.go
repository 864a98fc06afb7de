// Package payment declares the payment verification port used before a paid
// enrollment is admitted.
package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

// Request asks whether Reference pays for CourseID.
type Request struct {
	Reference string
	StudentID shared.StudentID
	CourseID  shared.CourseID
	Amount    decimal.Decimal
	Currency  string
}

// Verdict is the verifier's answer.
type Verdict struct {
	Accepted bool
	// Status is the gateway's own status string, kept for logs.
	Status string
	// Reason explains a rejection.
	Reason string
}

// Verifier checks a payment reference synchronously. A rejected payment is a
// Verdict with Accepted == false. An error means the verifier could not decide.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Verdict, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req Request) (Verdict, error)

func (f VerifierFunc) Verify(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}
