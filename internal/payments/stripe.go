package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// Authorizer covers the fare hold lifecycle: hold funds when a driver
// accepts, capture on completion, release on cancellation. Calls are
// best-effort; settlement correctness is handled downstream.
type Authorizer interface {
	Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// StripeAuthorizer drives PaymentIntent hold/capture/cancel flows. The API
// key is injected at construction; no package-level globals.
type StripeAuthorizer struct {
	api *client.API
}

func NewStripeAuthorizer(apiKey string) *StripeAuthorizer {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeAuthorizer{api: api}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its
// ID for later capture or release.
func (s *StripeAuthorizer) Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("ride_id", rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeAuthorizer) Capture(ctx context.Context, ref string) error {
	_, err := s.api.PaymentIntents.Capture(ref, nil)
	return err
}

func (s *StripeAuthorizer) Release(ctx context.Context, ref string) error {
	_, err := s.api.PaymentIntents.Cancel(ref, nil)
	return err
}
