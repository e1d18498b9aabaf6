package gateway

import "time"

// WebSocket close codes. The 4xxx codes are a bit-exact contract with the
// waiter/kitchen/admin/diner front-ends.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseUnsupportedData  = 1003
	ClosePolicyViolation  = 1008
	CloseMessageTooBig    = 1009
	CloseServerOverloaded = 1013
	CloseAuthFailed       = 4001
	CloseForbidden        = 4003
	CloseRateLimited      = 4029
)

// Close reasons sent to clients. Auth and origin failures deliberately stay
// generic.
const (
	ReasonConnectionTimeout = "Connection timeout"
	ReasonHeartbeatTimeout  = "Heartbeat timeout"
	ReasonAuthFailed        = "Authentication failed"
	ReasonForbidden         = "Forbidden"
	ReasonOverloaded        = "Server overloaded"
	ReasonRateLimited       = "Rate limit exceeded"
	ReasonShuttingDown      = "Server shutting down"
)

// Defaults for the gateway tunables. Runtime values come from Options; these
// are the fallbacks when an Options field is zero.
const (
	DefaultHeartbeatTimeout   = 60 * time.Second
	DefaultRateLimit          = 20
	DefaultRateWindow         = time.Second
	DefaultMaxTrackedLimiters = 2000
	DefaultPenaltyTTL         = time.Hour

	DefaultLockShardThreshold = 1000
	DefaultLockCleanupWait    = 5 * time.Second

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 30 * time.Second
	DefaultBreakerHalfOpenMax      = 3

	DefaultQueueSize          = 1000
	DefaultDispatchWarnAfter  = 5 * time.Second
	DefaultDropLogEvery       = 100
	DefaultBroadcastBatchSize = 50
	DefaultMaxBroadcastsPerS  = 10

	DefaultMaxConnsPerUser     = 5
	DefaultMaxTotalConns       = 10000
	DefaultMaxSectorsPerWaiter = 20

	DefaultCleanupInterval  = 30 * time.Second
	DefaultLockSweepEvery   = 5
	DefaultDeadSetCap       = 500
	DefaultUnknownTypeCap   = 100
	DefaultDropWindow       = 60 * time.Second
	DefaultDropMaxSamples   = 1000
	DefaultDropAlertRate    = 0.1
	DefaultDropAlertCooldown = 60 * time.Second
)
