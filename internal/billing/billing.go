package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/vividon/backend/internal/config"
	"github.com/vividon/backend/internal/ledger"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrInvalidPackage    = errors.New("unknown credit package")
	ErrInvalidWebhookSig = errors.New("invalid webhook signature")
	ErrNoCustomer        = errors.New("account has no billing customer")
)

// CreditPackage is a one-time purchasable credit bundle.
type CreditPackage struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Credits    int             `json:"credits"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	PriceCents int64           `json:"price_cents"`
}

// CreditPackages are the purchasable bundles.
var CreditPackages = []CreditPackage{
	{ID: "small", Name: "Small Pack", Credits: 50, PriceUSD: decimal.NewFromFloat(4.99), PriceCents: 499},
	{ID: "medium", Name: "Medium Pack", Credits: 150, PriceUSD: decimal.NewFromFloat(12.99), PriceCents: 1299},
	{ID: "large", Name: "Large Pack", Credits: 500, PriceUSD: decimal.NewFromFloat(39.99), PriceCents: 3999},
}

// Credits refreshed on each paid subscription invoice, by tier.
var tierRefreshCredits = map[models.SubscriptionTier]int{
	models.TierPro:        500,
	models.TierEnterprise: 2000,
}

// Service is the payment processor boundary. Everything money-shaped talks to
// Stripe here; credits land through the ledger so every grant has its
// transaction row and webhook replays are deduped on event id.
type Service struct {
	cfg    *config.StripeConfig
	ledger *ledger.Service
	appURL string
}

// NewService creates a billing service and sets the global Stripe key.
func NewService(cfg *config.StripeConfig, ledgerSvc *ledger.Service, appURL string) *Service {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Service{cfg: cfg, ledger: ledgerSvc, appURL: appURL}
}

// GetPackages returns the purchasable credit bundles.
func (s *Service) GetPackages() []CreditPackage {
	return CreditPackages
}

// ensureCustomer returns the account's Stripe customer id, creating the
// customer on first use.
func (s *Service) ensureCustomer(ctx context.Context, account *models.Account) (string, error) {
	if account.StripeCustomerID != nil && *account.StripeCustomerID != "" {
		return *account.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(account.Email),
		Metadata: map[string]string{
			"user_id": account.ID.String(),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create billing customer: %w", err)
	}

	if err := s.ledger.SetStripeCustomer(ctx, account.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CheckoutResponse is returned from checkout session creation.
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckoutSession opens a Stripe checkout for a one-time credit pack.
// The user id and pack ride in the session metadata; the webhook uses them to
// credit the right account.
func (s *Service) CreateCheckoutSession(ctx context.Context, account *models.Account, packageID string) (*CheckoutResponse, error) {
	var pkg *CreditPackage
	for i := range CreditPackages {
		if CreditPackages[i].ID == packageID {
			pkg = &CreditPackages[i]
			break
		}
	}
	if pkg == nil {
		return nil, ErrInvalidPackage
	}

	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pkg.Name),
						Description: stripe.String(fmt.Sprintf("%d generation credits", pkg.Credits)),
					},
					UnitAmount: stripe.Int64(pkg.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(fmt.Sprintf("%s/billing/success?session_id={CHECKOUT_SESSION_ID}", s.appURL)),
		CancelURL:  stripe.String(fmt.Sprintf("%s/billing/cancel", s.appURL)),
		Metadata: map[string]string{
			"user_id":    account.ID.String(),
			"package_id": pkg.ID,
			"credits":    fmt.Sprintf("%d", pkg.Credits),
		},
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutResponse{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// CreatePortalSession opens the Stripe billing portal for subscription and
// payment-method management.
func (s *Service) CreatePortalSession(ctx context.Context, account *models.Account) (string, error) {
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  account.StripeCustomerID,
		ReturnURL: stripe.String(fmt.Sprintf("%s/account", s.appURL)),
	}
	ps, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return ps.URL, nil
}

// HandleWebhook verifies and processes a Stripe webhook delivery. The event id
// and its side effects commit in one ledger transaction: a redelivered id is a
// no-op, and a failed handler rolls the id back so Stripe's retry is not
// mistaken for a replay.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	if err != nil {
		return ErrInvalidWebhookSig
	}

	fresh, err := s.ledger.ProcessEvent(ctx, event.ID, func(ctx context.Context, l *ledger.Service) error {
		switch event.Type {
		case "checkout.session.completed":
			return s.handleCheckoutCompleted(ctx, l, event)
		case "invoice.paid":
			return s.handleInvoicePaid(ctx, l, event)
		case "customer.subscription.updated":
			return s.handleSubscriptionUpdated(ctx, l, event)
		case "customer.subscription.deleted":
			return s.handleSubscriptionDeleted(ctx, l, event)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	if !fresh {
		logger := logging.NewLogger("billing")
		logger.Info().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Ignoring replayed webhook event")
	}
	return nil
}

// handleCheckoutCompleted credits a one-time pack purchase.
func (s *Service) handleCheckoutCompleted(ctx context.Context, l *ledger.Service, event stripe.Event) error {
	mode := event.GetObjectValue("mode")
	if mode != "" && mode != "payment" {
		// Subscription checkouts are handled by invoice.paid.
		return nil
	}

	userIDStr := event.GetObjectValue("metadata", "user_id")
	creditsStr := event.GetObjectValue("metadata", "credits")
	packageID := event.GetObjectValue("metadata", "package_id")
	if userIDStr == "" || creditsStr == "" {
		return fmt.Errorf("checkout event %s missing metadata", event.ID)
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return fmt.Errorf("invalid user_id in checkout metadata: %w", err)
	}
	var credits int
	if _, err := fmt.Sscanf(creditsStr, "%d", &credits); err != nil || credits <= 0 {
		return fmt.Errorf("invalid credits in checkout metadata: %q", creditsStr)
	}

	paymentIntent := event.GetObjectValue("payment_intent")
	refs := &ledger.ExternalRefs{}
	if paymentIntent != "" {
		refs.StripePaymentID = &paymentIntent
	}

	return l.Credit(ctx, userID, credits, models.TransactionPurchase,
		fmt.Sprintf("Credit pack purchase (%s)", packageID), refs)
}

// handleInvoicePaid refreshes subscription credits for the billing period.
func (s *Service) handleInvoicePaid(ctx context.Context, l *ledger.Service, event stripe.Event) error {
	customerID := event.GetObjectValue("customer")
	if customerID == "" {
		return nil
	}

	account, err := l.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			logger := logging.NewLogger("billing")
			logger.Warn().
				Str("customer", customerID).
				Msg("Invoice paid for unknown customer")
			return nil
		}
		return err
	}

	credits, ok := tierRefreshCredits[account.SubscriptionTier]
	if !ok {
		// Free tier or one-time purchase invoice: nothing to refresh.
		return nil
	}

	invoiceID := event.GetObjectValue("id")
	refs := &ledger.ExternalRefs{}
	if invoiceID != "" {
		refs.StripeInvoiceID = &invoiceID
	}

	return l.Credit(ctx, account.ID, credits, models.TransactionSubscriptionRefresh,
		fmt.Sprintf("%s subscription refresh", account.SubscriptionTier), refs)
}

// handleSubscriptionUpdated syncs the tier from the subscription's price
// metadata.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, l *ledger.Service, event stripe.Event) error {
	customerID := event.GetObjectValue("customer")
	if customerID == "" {
		return nil
	}

	account, err := l.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil
		}
		return err
	}

	status := event.GetObjectValue("status")
	if status == "canceled" || status == "unpaid" {
		return l.SetSubscription(ctx, account.ID, models.TierFree, nil)
	}

	tier := models.SubscriptionTier(event.GetObjectValue("metadata", "tier"))
	switch tier {
	case models.TierPro, models.TierEnterprise:
	default:
		// Unknown plan metadata: leave the tier alone rather than downgrade.
		return nil
	}

	subscriptionID := event.GetObjectValue("id")
	return l.SetSubscription(ctx, account.ID, tier, &subscriptionID)
}

// handleSubscriptionDeleted drops the account to the free tier. Remaining
// credits are kept; they were paid for.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, l *ledger.Service, event stripe.Event) error {
	customerID := event.GetObjectValue("customer")
	if customerID == "" {
		return nil
	}

	account, err := l.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil
		}
		return err
	}

	return l.SetSubscription(ctx, account.ID, models.TierFree, nil)
}
