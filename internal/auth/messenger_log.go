// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"log/slog"

	"github.com/taibuivan/torii/internal/credential"
)

// LogMessenger is the development [Messenger]. It records that a delivery
// happened and to whom, never the secret itself — deliverable material stays
// out of the logs even in development. Production wires a real provider.
type LogMessenger struct {
	logger *slog.Logger
}

// NewLogMessenger creates a [LogMessenger].
func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	return &LogMessenger{logger: logger.With(slog.String("component", "log_messenger"))}
}

// SendMagicLink records a magic-link delivery.
func (messenger *LogMessenger) SendMagicLink(context context.Context, address, challengeID, secret string) error {
	messenger.logger.InfoContext(context, "magic_link_delivery",
		slog.String("address", address),
		slog.String("challenge_id", challengeID),
	)
	return nil
}

// SendCode records a verification-code delivery.
func (messenger *LogMessenger) SendCode(context context.Context, kind credential.ChannelKind, address, code string) error {
	messenger.logger.InfoContext(context, "verification_code_delivery",
		slog.String("channel", string(kind)),
		slog.String("address", address),
	)
	return nil
}
