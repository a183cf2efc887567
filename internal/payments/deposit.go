package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/slotline/bookguard/pkg/logger"
)

// DepositLinker mints a payment link for a required deposit. Collection of
// the payment itself happens outside this system; only the link embedded in
// the deposit-required confirmation message is produced here.
type DepositLinker interface {
	CreateDepositLink(ctx context.Context, amountCents int64, currency, description string) (string, error)
}

type StripeLinker struct {
	api *client.API
}

func NewStripeLinker(secretKey string) *StripeLinker {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeLinker{api: api}
}

func (s *StripeLinker) CreateDepositLink(ctx context.Context, amountCents int64, currency, description string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(amountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create deposit checkout session: %w", err)
	}
	return session.URL, nil
}

// DevLinker returns a placeholder link for local development.
type DevLinker struct{}

func NewDevLinker() *DevLinker {
	return &DevLinker{}
}

func (d *DevLinker) CreateDepositLink(ctx context.Context, amountCents int64, currency, description string) (string, error) {
	logger.InfoContext(ctx, "[DEV PAYMENTS] deposit link requested",
		"amount_cents", amountCents,
		"currency", currency,
		"description", description,
	)
	return fmt.Sprintf("https://pay.bookguard.local/deposit?amount=%d&currency=%s", amountCents, currency), nil
}
