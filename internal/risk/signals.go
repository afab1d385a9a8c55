// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"net/netip"
	"time"
)

// # Signal Inputs

// Input is the assembled, immutable evidence for one authentication attempt.
// Fields sourced from the per-user aggregates may be marked unknown when the
// cache tier is unavailable; signals degrade conservatively on unknowns.
type Input struct {
	UserID string

	// DeviceNew is true when the fingerprint has never completed an
	// authentication for this user.
	DeviceNew bool
	// DeviceTrusted is true for devices the user explicitly promoted.
	DeviceTrusted bool

	IP string

	// KnownIPs are source addresses of the user's live sessions.
	KnownIPs []string
	// KnownIPsUnknown is set when the aggregate could not be loaded.
	KnownIPsUnknown bool

	// RecentFailures is the consecutive-failure counter on the credential.
	RecentFailures int
	// RecentFailuresUnknown is set when the aggregate could not be loaded.
	RecentFailuresUnknown bool

	AccountCreatedAt time.Time
	AttemptAt        time.Time
}

// # Signals

// Signal is one independent scoring function. Magnitude is in [0,1]; the
// weight is the signal's maximum contribution in score points.
type Signal struct {
	Name     string
	Weight   float64
	Evaluate func(input *Input) float64
}

// defaultSignals builds the standard signal set. The denylist is parsed once
// at engine construction.
func defaultSignals(denylist []netip.Prefix) []Signal {
	return []Signal{
		{
			Name:     "new_device",
			Weight:   25,
			Evaluate: evaluateNewDevice,
		},
		{
			Name:     "ip_delta",
			Weight:   20,
			Evaluate: evaluateIPDelta,
		},
		{
			Name:     "failure_velocity",
			Weight:   20,
			Evaluate: evaluateFailureVelocity,
		},
		{
			Name:     "account_age",
			Weight:   10,
			Evaluate: evaluateAccountAge,
		},
		{
			Name:     "odd_hour",
			Weight:   5,
			Evaluate: evaluateOddHour,
		},
		{
			Name:   "denylisted_ip",
			Weight: 40,
			Evaluate: func(input *Input) float64 {
				return evaluateDenylist(input, denylist)
			},
		},
	}
}

// evaluateNewDevice scores unfamiliar hardware. A trusted device neutralizes
// the signal entirely.
func evaluateNewDevice(input *Input) float64 {
	switch {
	case input.DeviceTrusted:
		return 0
	case input.DeviceNew:
		return 1
	default:
		return 0.2
	}
}

// evaluateIPDelta scores a source address the user has never authenticated
// from. An unavailable aggregate degrades to a mid-range suspicion rather
// than assuming either extreme.
func evaluateIPDelta(input *Input) float64 {
	if input.KnownIPsUnknown {
		return 0.5
	}
	if len(input.KnownIPs) == 0 {
		// First session ever; new-device and account-age carry this case.
		return 0
	}
	for _, known := range input.KnownIPs {
		if known == input.IP {
			return 0
		}
	}
	return 1
}

// evaluateFailureVelocity scores recent consecutive failures, saturating at
// ten.
func evaluateFailureVelocity(input *Input) float64 {
	if input.RecentFailuresUnknown {
		return 0.5
	}
	magnitude := float64(input.RecentFailures) / 10
	if magnitude > 1 {
		return 1
	}
	return magnitude
}

// evaluateAccountAge scores very young accounts, which dominate credential
// stuffing traffic.
func evaluateAccountAge(input *Input) float64 {
	age := input.AttemptAt.Sub(input.AccountCreatedAt)
	switch {
	case age < 24*time.Hour:
		return 1
	case age < 7*24*time.Hour:
		return 0.5
	default:
		return 0
	}
}

// evaluateOddHour scores attempts in the 01:00-05:00 UTC dead zone.
func evaluateOddHour(input *Input) float64 {
	hour := input.AttemptAt.UTC().Hour()
	if hour >= 1 && hour < 5 {
		return 0.6
	}
	return 0
}

// evaluateDenylist scores membership in the operator-configured bad-IP list.
func evaluateDenylist(input *Input, denylist []netip.Prefix) float64 {
	address, err := netip.ParseAddr(input.IP)
	if err != nil {
		return 0
	}
	for _, prefix := range denylist {
		if prefix.Contains(address) {
			return 1
		}
	}
	return 0
}
