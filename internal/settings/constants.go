package settings

// DB config keys and defaults for the reconciliation runtime overrides.
const (
	// ReconcileGraceSecondsKey delays polling of fresh top-ups.
	ReconcileGraceSecondsKey = "RECONCILE_GRACE_SECONDS"
	// ReconcileMaxPendingSecondsKey is the age after which a pending top-up times out.
	ReconcileMaxPendingSecondsKey = "RECONCILE_MAX_PENDING_SECONDS"
	// ReconcileBatchSizeKey caps the pending rows loaded per verifier pass.
	ReconcileBatchSizeKey = "RECONCILE_BATCH_SIZE"
	// ReconcileMaxConcurrencyKey caps concurrent gateway status queries.
	ReconcileMaxConcurrencyKey = "RECONCILE_MAX_CONCURRENCY"
	// SignatureModeKey overrides the webhook signature mode (strict|permissive).
	SignatureModeKey = "GATEWAY_SIGNATURE_MODE"
)
