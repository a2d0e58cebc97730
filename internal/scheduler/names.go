package scheduler

// Names of the background jobs the server registers.
const (
	TaskRenewal        = "renewal"
	TaskExpiration     = "expiration"
	TaskExpirationSafe = "expiration_safety"
	TaskReconcile      = "reconcile"
)
