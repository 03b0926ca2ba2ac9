package domain

// Ledger entry kinds.
const (
	KindCredit  = "credit"
	KindDebit   = "debit"
	KindHold    = "hold"
	KindRelease = "release"
)

// Hold buckets. Stream allocations are tracked apart from ordinary holds so
// that balance_in_streams can be reported on its own.
const (
	BucketHeld   = "held"
	BucketStream = "stream"
)

// Account owner types.
const (
	OwnerBusiness    = "business"
	OwnerAgentWallet = "agent_wallet"
	OwnerFee         = "fee"
	OwnerSystem      = "system"
)

// Stream statuses.
const (
	StreamStatusCreated   = "created"
	StreamStatusActive    = "active"
	StreamStatusPaused    = "paused"
	StreamStatusCompleted = "completed"
)

// Fee types.
const (
	FeeTypePercentage = "percentage"
	FeeTypeFixed      = "fixed"
	FeeTypeHybrid     = "hybrid"
)

// Payment protocols accepted by the normalizer.
const (
	ProtocolMicropayment      = "micropayment"
	ProtocolMandate           = "mandate"
	ProtocolCheckout          = "checkout"
	ProtocolUniversalCommerce = "universal-commerce"
)

// Settlement statuses.
const (
	SettlementStatusCompleted = "completed"
	SettlementStatusFailed    = "failed"
)

// Directory kinds map protocol identifiers to ledger accounts.
const (
	DirectoryWallet      = "wallet"
	DirectoryEndpoint    = "endpoint"
	DirectoryAgentWallet = "agent_wallet"
	DirectoryMerchant    = "merchant"
	DirectoryCustomer    = "customer"
)
