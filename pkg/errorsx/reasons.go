package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProviderMissing ReasonCode = "provider_missing"
	ReasonProviderInit    ReasonCode = "provider_init"
	ReasonProviderStart   ReasonCode = "provider_start"
	ReasonWarmupTimeout   ReasonCode = "warmup_timeout"
	ReasonEngineStuck     ReasonCode = "engine_stuck"

	ReasonMalformedRequest ReasonCode = "malformed_request"
	ReasonThrottled        ReasonCode = "throttled"
	ReasonBlacklisted      ReasonCode = "blacklisted"

	ReasonStoreLoad   ReasonCode = "store_load"
	ReasonStoreAppend ReasonCode = "store_append"

	ReasonNotifySend    ReasonCode = "notify_send"
	ReasonRemoteDead    ReasonCode = "remote_dead"
	ReasonTransportSend ReasonCode = "transport_send"
)
