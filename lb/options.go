package lb

import "time"

// Options configures a LoadBalancer (§6 "Configuration").
type Options struct {
	InitialAperture int
	MinAperture     int
	MaxAperture     int

	InactivityPeriod      time.Duration
	RefreshPeriod         time.Duration
	ApertureRefreshPeriod time.Duration
	DrainTimeout          time.Duration
}

// DefaultOptions returns the documented defaults (§6).
func DefaultOptions() Options {
	return Options{
		InitialAperture:       5,
		MinAperture:           4,
		MaxAperture:           100,
		InactivityPeriod:      time.Second,
		RefreshPeriod:         5 * time.Minute,
		ApertureRefreshPeriod: 100 * time.Millisecond,
		DrainTimeout:          30 * time.Second,
	}
}
