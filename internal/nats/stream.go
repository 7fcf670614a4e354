package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
)

const (
	// ActivityStreamName is the JetStream stream holding support activity.
	ActivityStreamName = "SUPPORT_ACTIVITY"

	// ActivitySubjectPrefix is the prefix for all activity subjects.
	ActivitySubjectPrefix = "support.activity"

	// fetchBatch bounds one pull when replaying a conversation's activity.
	fetchBatch = 256
)

// ActivitySubject returns the subject for one kind of activity on a
// conversation: support.activity.<conversation_id>.<kind>.
func ActivitySubject(conversationID string, kind model.ActivityKind) string {
	return fmt.Sprintf("%s.%s.%s", ActivitySubjectPrefix, conversationID, kind)
}

// conversationFilter matches every activity subject of one conversation.
func conversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", ActivitySubjectPrefix, conversationID)
}

// ActivityStream publishes ticket activity for collaborators who are not
// connected to a room, such as notification workers.
type ActivityStream struct {
	js jetstream.JetStream
}

// NewActivityStream creates an activity stream over the client's JetStream
// context.
func NewActivityStream(client *Client) *ActivityStream {
	return &ActivityStream{js: client.JetStream()}
}

// EnsureStream creates the activity stream if it does not exist yet.
func (s *ActivityStream) EnsureStream(ctx context.Context) error {
	_, err := s.js.Stream(ctx, ActivityStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        ActivityStreamName,
		Subjects:    []string{ActivitySubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Support ticket activity for notification consumers",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishActivity appends rec to the stream and returns its sequence.
func (s *ActivityStream) PublishActivity(ctx context.Context, rec *model.ActivityRecord) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal activity: %w", err)
	}

	ack, err := s.js.Publish(ctx, ActivitySubject(rec.ConversationID, rec.Kind), data, jetstream.WithMsgID(rec.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish activity: %w", err)
	}
	return ack.Sequence, nil
}

// Recent returns the latest limit activity records of one conversation,
// oldest first. A limit of zero returns them all.
func (s *ActivityStream) Recent(ctx context.Context, conversationID string, limit int) ([]model.ActivityRecord, error) {
	if conversationID == "" || strings.ContainsAny(conversationID, ".*> ") {
		return nil, fmt.Errorf("invalid conversation id %q", conversationID)
	}

	consumer, err := s.js.CreateConsumer(ctx, ActivityStreamName, jetstream.ConsumerConfig{
		FilterSubject:     conversationFilter(conversationID),
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	info := consumer.CachedInfo()
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.js.DeleteConsumer(cleanup, ActivityStreamName, info.Name)
	}()

	out := []model.ActivityRecord{}
	for remaining := int(info.NumPending); remaining > 0; {
		batch, err := consumer.Fetch(min(remaining, fetchBatch), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch activity: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			var rec model.ActivityRecord
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) > limit {
				out = out[1:]
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if got == 0 {
			break
		}
		remaining -= got
	}
	return out, nil
}

// ReportStats exports the stream's message count.
func (s *ActivityStream) ReportStats(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, ActivityStreamName)
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stream info: %w", err)
	}
	metrics.ActivityStreamMessages.WithLabelValues(ActivityStreamName).Set(float64(info.State.Msgs))
	return nil
}
