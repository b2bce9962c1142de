// Package push models the external FCM/SNS push transport as narrow
// interfaces so the consumer can be tested without network access and
// a real SNS client can be wired in without this module depending on
// an AWS SDK.
package push

import (
	"context"
	"errors"

	"github.com/streamspace-dev/chatrelay/internal/model"
)

// SendResult reports the outcome of one token's delivery attempt.
type SendResult struct {
	Token        string
	Err          error
	InvalidToken bool
}

// Sender delivers a push to a batch of tokens for one platform. A
// single call maps to one FCM multicast request (or one send per
// token for transports without native batching); callers chunk tokens
// into groups of at most DefaultMulticastBatch (or the configured batch
// size) before calling.
type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) ([]SendResult, error)
}

// SNSPublisher is the optional web-push path: when configured, web
// platform tokens are served by publishing to an SNS topic instead of
// FCM.
type SNSPublisher interface {
	Publish(ctx context.Context, topicARN, message string) error
}

// DefaultMulticastBatch caps tokens per FCM multicast send.
const DefaultMulticastBatch = 500

// ErrNoTokens is returned (not an error condition worth logging loudly)
// when a user has no device tokens registered for a platform.
var ErrNoTokens = errors.New("no device tokens for platform")

// GroupByPlatform partitions a user's device tokens by DeviceType, the
// prerequisite step before building per-platform multicast batches.
func GroupByPlatform(tokens []model.DeviceToken) map[model.DeviceType][]model.DeviceToken {
	out := make(map[model.DeviceType][]model.DeviceToken)
	for _, t := range tokens {
		out[t.DeviceType] = append(out[t.DeviceType], t)
	}
	return out
}

// Chunk splits tokens into groups of at most size, preserving order.
func Chunk(tokens []model.DeviceToken, size int) [][]model.DeviceToken {
	if size <= 0 {
		size = DefaultMulticastBatch
	}
	var out [][]model.DeviceToken
	for size < len(tokens) {
		tokens, out = tokens[size:], append(out, tokens[:size:size])
	}
	return append(out, tokens)
}

// IsInvalidTokenCode reports whether an FCM error code marks the
// token for immediate deletion.
func IsInvalidTokenCode(code string) bool {
	switch code {
	case "registration-token-not-registered", "invalid-argument", "invalid-registration-token":
		return true
	default:
		return false
	}
}
