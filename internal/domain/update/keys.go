package update

// Persisted status keys shared with other on-device processes.
const (
	// KeyIsOffroad is written by the vehicle manager; "1" allows staging.
	KeyIsOffroad = "IsOffroad"
	// KeyDisableUpdates makes the daemon refuse to start when set to "1".
	KeyDisableUpdates = "DisableUpdates"
	// KeyLastUpdateTime is refreshed after every completed cycle.
	KeyLastUpdateTime = "LastUpdateTime"
	// KeyUpdateAvailable is "1" when a staged update is ready, absent otherwise.
	KeyUpdateAvailable = "UpdateAvailable"
	// KeyUpdateFailedCount counts failed cycles until cleared externally.
	KeyUpdateFailedCount = "UpdateFailedCount"
)

// TrueValue is the encoding of a set boolean key.
const TrueValue = "1"

// TimestampLayout is the ISO-8601 layout of LastUpdateTime: UTC, no zone suffix,
// microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000"
