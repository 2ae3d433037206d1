package config

import "time"

// Defaults for the values spec §6 lets the operator override via
// environment variables.
const (
	DefaultModelMaxTokens         = 128000
	DefaultContentTokenProportion = 0.5
	DefaultMaxRetriesPerPI        = 3
	DefaultMaxCallbackRetries     = 3
	DefaultAlarmInterval          = 100 * time.Millisecond
)
