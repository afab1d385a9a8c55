// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package audit implements the authentication event stream: an append-only,
ordered record of every material outcome in the core.

Events are sequenced with a process-local monotonic counter, buffered on a
bounded channel, and drained to an append-only sink. Under pressure the
emitter sheds non-critical events first and counts every drop; critical
events (theft evidence, lockouts, denials) get a bounded blocking send
instead of a silent drop.
*/
package audit

import (
	"time"
)

// # Event Kinds

// Kind is the event type discriminator.
type Kind string

const (
	KindLoginSucceeded    Kind = "login.succeeded"
	KindLoginFailed       Kind = "login.failed"
	KindMFAIssued         Kind = "mfa.issued"
	KindMFAVerified       Kind = "mfa.verified"
	KindMFAFailed         Kind = "mfa.failed"
	KindTokenMinted       Kind = "token.minted"
	KindTokenRefreshed    Kind = "token.refreshed"
	KindRefreshReused     Kind = "refresh.reused"
	KindSessionRevoked    Kind = "session.revoked"
	KindAccountLocked     Kind = "account.locked"
	KindAccountRegistered Kind = "account.registered"
	KindCredentialAdded   Kind = "credential.added"
	KindCredentialRemoved Kind = "credential.removed"
	KindRiskDenied        Kind = "risk.denied"
	KindRateLimited       Kind = "rate.limited"
)

// criticalKinds are never shed before non-critical traffic.
var criticalKinds = map[Kind]struct{}{
	KindRefreshReused: {},
	KindAccountLocked: {},
	KindRiskDenied:    {},
}

// Critical reports whether the kind carries security evidence that must
// survive backpressure.
func (kind Kind) Critical() bool {
	_, critical := criticalKinds[kind]
	return critical
}

// # Domain Entities

// Event is one append-only audit record. Never mutated after emission.
type Event struct {
	// Sequence is the process-local monotonic ordering key.
	Sequence uint64 `json:"sequence"`

	Kind Kind `json:"kind"`

	// ActorID is the subject user, when known.
	ActorID  string `json:"actor_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip,omitempty"`

	// CorrelationID ties the event back to the originating request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Details is structured context. Secret material never goes here.
	Details map[string]any `json:"details,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
