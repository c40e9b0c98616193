// Package telemetry provides no-op telemetry functions.
// No data leaves the device without explicit user opt-in; every function here
// is a stub by default, and a real implementation may be swapped in via
// configuration once the user has consented.
package telemetry

// IsEnabled returns false always (telemetry disabled by default).
func IsEnabled() bool {
	return false
}

// Enable turns on telemetry collection. No-op until a real implementation is
// configured; consent must be stored before anything is collected.
func Enable() error {
	return nil
}

// Disable turns off telemetry collection. No-op (already disabled).
func Disable() error {
	return nil
}

// TrackEvent records a user event. No-op without opt-in.
func TrackEvent(name string, properties map[string]interface{}) {
}

// TrackError records an error occurrence. No-op without opt-in.
func TrackError(name string, err error) {
}
