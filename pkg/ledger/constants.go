package ledger

const (
	operationOpen       = "open"
	operationGrant      = "grant"
	operationReserve    = "reserve"
	operationSettle     = "settle"
	operationRelease    = "release"
	operationSetTier    = "set_tier"
	operationDeactivate = "deactivate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixHold    = "hold"
	idempotencySuffixReverse = "reverse"
	idempotencySuffixSpend   = "spend"
	idempotencySuffixRelease = "release"

	// DefaultTier is assigned to lazily created accounts unless WithDefaultTier overrides it.
	DefaultTier Tier = "free"
)
