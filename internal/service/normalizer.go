package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Confirmation is a verified payment confirmation from one of the protocol
// adapters. The set of implementations is closed.
type Confirmation interface {
	Protocol() string
	confirmation()
}

// MicropaymentConfirmation is a paid request against a metered endpoint.
type MicropaymentConfirmation struct {
	EndpointID  string `json:"endpoint_id" validate:"required"`
	PaymentID   string `json:"payment_id" validate:"required"`
	PayerWallet string `json:"payer_wallet" validate:"required"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Currency    string `json:"currency" validate:"required,alphanum,max=12"`
	Resource    string `json:"resource,omitempty"`
}

// MandateExecution is one charge made by an agent under a standing mandate.
type MandateExecution struct {
	MandateID   string `json:"mandate_id" validate:"required"`
	ExecutionID string `json:"execution_id" validate:"required"`
	AgentWallet string `json:"agent_wallet" validate:"required"`
	MerchantID  string `json:"merchant_id" validate:"required"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Currency    string `json:"currency" validate:"required,alphanum,max=12"`
}

// CheckoutCompletion is a completed hosted checkout.
type CheckoutCompletion struct {
	CheckoutID string `json:"checkout_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
	MerchantID string `json:"merchant_id" validate:"required"`
	Amount     string `json:"amount" validate:"required,numeric"`
	Currency   string `json:"currency" validate:"required,alphanum,max=12"`
}

// UniversalCommercePurchase is an order settled through a quote and a
// settlement token.
type UniversalCommercePurchase struct {
	MerchantID      string `json:"merchant_id" validate:"required"`
	OrderID         string `json:"order_id" validate:"required"`
	BuyerWallet     string `json:"buyer_wallet" validate:"required"`
	QuoteID         string `json:"quote_id,omitempty"`
	SettlementToken string `json:"settlement_token,omitempty"`
	Amount          string `json:"amount" validate:"required,numeric"`
	Currency        string `json:"currency" validate:"required,alphanum,max=12"`
}

func (MicropaymentConfirmation) Protocol() string  { return domain.ProtocolMicropayment }
func (MandateExecution) Protocol() string          { return domain.ProtocolMandate }
func (CheckoutCompletion) Protocol() string        { return domain.ProtocolCheckout }
func (UniversalCommercePurchase) Protocol() string { return domain.ProtocolUniversalCommerce }

func (MicropaymentConfirmation) confirmation()  {}
func (MandateExecution) confirmation()          {}
func (CheckoutCompletion) confirmation()        {}
func (UniversalCommercePurchase) confirmation() {}

// DecodeConfirmation parses an adapter payload for protocol.
func DecodeConfirmation(protocol string, payload []byte) (Confirmation, error) {
	var (
		c   Confirmation
		err error
	)
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case domain.ProtocolMicropayment:
		var v MicropaymentConfirmation
		err = json.Unmarshal(payload, &v)
		c = v
	case domain.ProtocolMandate:
		var v MandateExecution
		err = json.Unmarshal(payload, &v)
		c = v
	case domain.ProtocolCheckout:
		var v CheckoutCompletion
		err = json.Unmarshal(payload, &v)
		c = v
	case domain.ProtocolUniversalCommerce:
		var v UniversalCommercePurchase
		err = json.Unmarshal(payload, &v)
		c = v
	default:
		return nil, fmt.Errorf("protocol %q: %w", protocol, domain.ErrInvalidEvent)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w: %v", protocol, domain.ErrInvalidEvent, err)
	}
	return c, nil
}

type party struct {
	kind string
	id   string
}

type normalized struct {
	payer    party
	payee    party
	amount   string
	currency string
	key      string
	metadata map[string]string
}

// Normalizer turns protocol confirmations into PaymentEvents.
type Normalizer struct {
	directory Directory
	configs   ConfigStore
	validate  *validator.Validate
}

func NewNormalizer(directory Directory, configs ConfigStore) *Normalizer {
	return &Normalizer{
		directory: directory,
		configs:   configs,
		validate:  validator.New(),
	}
}

// Normalize resolves payer and payee accounts, parses the amount and derives
// a protocol-namespaced idempotency key.
func (n *Normalizer) Normalize(ctx context.Context, c Confirmation) (*models.PaymentEvent, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("nil confirmation: %w", domain.ErrInvalidEvent)
	}
	if err := n.validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.Protocol(), domain.ErrInvalidEvent, err)
	}

	var nz normalized
	switch v := c.(type) {
	case MicropaymentConfirmation:
		nz = normalized{
			payer:    party{domain.DirectoryWallet, v.PayerWallet},
			payee:    party{domain.DirectoryEndpoint, v.EndpointID},
			amount:   v.Amount,
			currency: v.Currency,
			key:      eventKey(domain.ProtocolMicropayment, v.EndpointID, v.PaymentID),
			metadata: map[string]string{"endpoint_id": v.EndpointID, "payment_id": v.PaymentID, "resource": v.Resource},
		}
	case MandateExecution:
		nz = normalized{
			payer:    party{domain.DirectoryAgentWallet, v.AgentWallet},
			payee:    party{domain.DirectoryMerchant, v.MerchantID},
			amount:   v.Amount,
			currency: v.Currency,
			key:      eventKey(domain.ProtocolMandate, v.MandateID, v.ExecutionID),
			metadata: map[string]string{"mandate_id": v.MandateID, "execution_id": v.ExecutionID},
		}
	case CheckoutCompletion:
		nz = normalized{
			payer:    party{domain.DirectoryCustomer, v.CustomerID},
			payee:    party{domain.DirectoryMerchant, v.MerchantID},
			amount:   v.Amount,
			currency: v.Currency,
			key:      eventKey(domain.ProtocolCheckout, v.CheckoutID),
			metadata: map[string]string{"checkout_id": v.CheckoutID},
		}
	case UniversalCommercePurchase:
		nz = normalized{
			payer:    party{domain.DirectoryAgentWallet, v.BuyerWallet},
			payee:    party{domain.DirectoryMerchant, v.MerchantID},
			amount:   v.Amount,
			currency: v.Currency,
			key:      eventKey(domain.ProtocolUniversalCommerce, v.MerchantID, v.OrderID),
			metadata: map[string]string{"merchant_id": v.MerchantID, "order_id": v.OrderID, "quote_id": v.QuoteID},
		}
	default:
		return nil, fmt.Errorf("confirmation %T: %w", c, domain.ErrInvalidEvent)
	}

	amount, err := domain.ParseAmount(nz.amount)
	if err != nil {
		return nil, err
	}
	currency := domain.NormalizeCurrency(nz.currency)
	cfg, err := n.configs.GetConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrConfigNotFound) {
			return nil, fmt.Errorf("%s: %w: %w", currency, domain.ErrUnsupportedCurrency, err)
		}
		return nil, err
	}
	if !cfg.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%s for tenant %s: %w", currency, tenantID, domain.ErrUnsupportedCurrency)
	}

	payer, err := n.resolve(ctx, tenantID, nz.payer)
	if err != nil {
		return nil, err
	}
	payee, err := n.resolve(ctx, tenantID, nz.payee)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(nz.metadata))
	for k, v := range nz.metadata {
		if v != "" {
			metadata[k] = v
		}
	}
	return &models.PaymentEvent{
		Protocol:       c.Protocol(),
		TenantID:       tenantID,
		PayerAccountID: payer,
		PayeeAccountID: payee,
		Amount:         amount,
		Currency:       currency,
		Metadata:       metadata,
		IdempotencyKey: nz.key,
	}, nil
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// eventKey joins the protocol and its identifiers with ':'. Separators
// inside an identifier are escaped so distinct identifier tuples never
// produce the same key.
func eventKey(protocol string, ids ...string) string {
	var b strings.Builder
	b.WriteString(protocol)
	for _, id := range ids {
		b.WriteByte(':')
		b.WriteString(keyEscaper.Replace(id))
	}
	return b.String()
}

func (n *Normalizer) resolve(ctx context.Context, tenantID string, p party) (uuid.UUID, error) {
	id, err := n.directory.Resolve(ctx, tenantID, p.kind, p.id)
	if err != nil {
		if errors.Is(err, domain.ErrUnresolvedAccount) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("resolve %s %q: %w: %w", p.kind, p.id, domain.ErrUnresolvedAccount, err)
	}
	return id, nil
}
