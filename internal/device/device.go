// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package device tracks the client devices observed per user.

A device is identified by a fingerprint hash derived from stable client
attributes. Familiarity feeds the risk evaluation: a sign-in from a device
never seen for this user scores higher than one from a trusted device.
*/
package device

import (
	"context"
	"time"
)

// # Trust Levels

// TrustLevel classifies how much history a device has with a user.
type TrustLevel string

const (
	// TrustNew: first observation for this user.
	TrustNew TrustLevel = "new"
	// TrustRecognized: seen before, but never through a strong factor.
	TrustRecognized TrustLevel = "recognized"
	// TrustTrusted: a strong-factor login completed on this device.
	TrustTrusted TrustLevel = "trusted"
)

// # Domain Entities

// Device represents one observed client device for one user.
type Device struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// FingerprintHash is the SHA-256 of the client fingerprint material.
	// The raw fingerprint is never stored.
	FingerprintHash string `json:"-"`

	TrustLevel TrustLevel `json:"trust_level"`
	UserAgent  string     `json:"user_agent"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// # Device Data Access

// Repository defines the data access contract for observed devices.
type Repository interface {

	/*
		FindByFingerprint returns the device with the given fingerprint hash
		for the given user.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - fingerprintHash: string

		Returns:
		  - *Device: Hydrated entity
		  - error: apperr.NotFound or database errors
	*/
	FindByFingerprint(context context.Context, userID, fingerprintHash string) (*Device, error)

	/*
		Observe records an observation: inserts a new device or refreshes
		lastseenat on an existing one.

		Parameters:
		  - context: context.Context
		  - device: *Device (ID required; TrustLevel used only on insert)

		Returns:
		  - error: Persistence failures
	*/
	Observe(context context.Context, device *Device) error

	/*
		Promote raises the trust level. Demotion never happens through this
		path; compromised devices are deleted instead.

		Parameters:
		  - context: context.Context
		  - deviceID: string
		  - level: TrustLevel

		Returns:
		  - error: Persistence failures
	*/
	Promote(context context.Context, deviceID string, level TrustLevel) error
}
