// Package service provides business logic for the support engine.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
	"github.com/capitalize-ai/support-engine/pkg/tracing"
)

// DefaultStoreTimeout bounds every store call when no timeout is configured.
const DefaultStoreTimeout = 5 * time.Second

// storeCall runs fn under the store timeout inside a span. Failures that
// are not already classified, including deadlines, surface as Unavailable.
func storeCall[T any](ctx context.Context, timeout time.Duration, log *logger.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	ctx, span := tracing.Start(ctx, "store."+op, attribute.String("store.op", op))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	metrics.RecordStoreOp(op, start, err)
	tracing.End(span, err)

	if err == nil || model.KindOf(err) != "" {
		return v, err
	}
	var zero T
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return zero, err
	}
	log.Warn("store operation failed", zap.String("op", op), zap.Error(err))
	return zero, model.Errorf(model.KindUnavailable, "conversation store unavailable, try again")
}

// NormalizeBody trims body and enforces the message body rules.
func NormalizeBody(body string) (string, error) {
	if !utf8.ValidString(body) {
		return "", model.Errorf(model.KindValidation, "message must be valid UTF-8")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", model.Errorf(model.KindValidation, "message body is required")
	}
	if utf8.RuneCountInString(body) > model.MaxMessageLength {
		return "", model.Errorf(model.KindValidation, "message exceeds %d characters", model.MaxMessageLength)
	}
	return body, nil
}

// NormalizeSubject trims subject and enforces its length limit. An empty
// subject is allowed and later replaced by the default.
func NormalizeSubject(subject string) (string, error) {
	if !utf8.ValidString(subject) {
		return "", model.Errorf(model.KindValidation, "subject must be valid UTF-8")
	}
	subject = strings.TrimSpace(subject)
	if utf8.RuneCountInString(subject) > model.MaxSubjectLength {
		return "", model.Errorf(model.KindValidation, "subject exceeds %d characters", model.MaxSubjectLength)
	}
	return subject, nil
}

// canView reports whether caller may read or post to conv.
func canView(conv *model.Conversation, caller model.Identity) bool {
	return caller.IsStaff() || conv.IsOwner(caller.ID)
}

func requireIdentity(caller model.Identity) error {
	if caller.ID == "" {
		return model.ErrUnauthorized
	}
	return nil
}
