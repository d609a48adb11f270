package coupon

import "time"

// Settings are the host settings shared by the coupon services.
type Settings struct {
	ServiceName string
	// Location is used to render timestamps and to decide what "today" is.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Clock returns the current time in UTC.
func (s Settings) Clock() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Loc returns Location, or UTC when unset.
func (s Settings) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
