package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/providers"
)

// ContextOverflow recovers from the provider rejecting an oversized
// prompt: condense the oldest history and retry once.
type ContextOverflow struct {
	// KeepRecent messages survive compaction untouched.
	KeepRecent int
}

func (m *ContextOverflow) Name() string { return "context_overflow" }

func (m *ContextOverflow) Wrap(next engine.Handler) engine.Handler {
	keep := m.KeepRecent
	if keep <= 0 {
		keep = 10
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		ch, err := next(ctx, s)
		if err == nil || !providers.IsContextLength(err) {
			return ch, err
		}
		slog.Warn("context overflow, condensing history",
			"messages", len(s.Messages), "error", err)
		condenseHistory(s, keep)
		return next(ctx, s)
	}
}

// condenseHistory folds everything between the first user message and the
// last keep messages into one summary line per message. Tool noise is the
// usual culprit, so contents are aggressively truncated.
func condenseHistory(s *engine.Session, keep int) {
	// system + first user stay; the tail stays; the middle condenses.
	head := 2
	if len(s.Messages) <= head+keep {
		return
	}
	middle := s.Messages[head : len(s.Messages)-keep]

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%d earlier messages condensed to fit the context window]\n", len(middle)))
	for _, msg := range middle {
		line := msg.Content
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		if len(msg.ToolCalls) > 0 {
			var names []string
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			line = fmt.Sprintf("(called %s) %s", strings.Join(names, ","), line)
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", msg.Role, line))
	}

	condensed := []providers.Message{{Role: "user", Content: b.String()}}
	s.Messages = append(s.Messages[:head:head], append(condensed, s.Messages[len(s.Messages)-keep:]...)...)
}

// ErrorRecovery retries failed provider calls with exponential backoff:
// API errors get 2 retries, transport errors 5. When retries run out it
// rewrites the last tool message with a diagnostic and tries once more —
// malformed tool output is a common cause of hard API rejections.
type ErrorRecovery struct {
	APIRetries        int
	ConnectionRetries int
}

func (m *ErrorRecovery) Name() string { return "error_recovery" }

func (m *ErrorRecovery) Wrap(next engine.Handler) engine.Handler {
	apiRetries := m.APIRetries
	if apiRetries <= 0 {
		apiRetries = 2
	}
	connRetries := m.ConnectionRetries
	if connRetries <= 0 {
		connRetries = 5
	}

	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.Multiplier = 2
		bo.MaxInterval = 30 * time.Second
		bo.Reset()

		apiAttempts, connAttempts := 0, 0
		var lastErr error
		for {
			ch, err := next(ctx, s)
			if err == nil {
				return ch, nil
			}
			lastErr = err

			if providers.IsConnectionError(err) {
				connAttempts++
				if connAttempts > connRetries {
					break
				}
			} else {
				apiAttempts++
				if apiAttempts > apiRetries {
					break
				}
			}
			wait := bo.NextBackOff()
			slog.Warn("provider call failed, backing off",
				"error", err, "wait", wait,
				"api_attempts", apiAttempts, "conn_attempts", connAttempts)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Last resort: the offending content is usually the most recent
		// tool result. Replace it and give the call one more chance.
		if rewriteLastToolMessage(s, lastErr) {
			slog.Warn("retries exhausted, rewrote last tool message", "error", lastErr)
			return next(ctx, s)
		}
		return nil, lastErr
	}
}

func rewriteLastToolMessage(s *engine.Session, cause error) bool {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "tool" {
			s.Messages[i].Content = fmt.Sprintf(
				"[tool output removed: the provider rejected the request (%v); proceed without it]", cause)
			return true
		}
	}
	return false
}
