// Package report forwards build output to the durable build log and to the
// per-build broadcast channel.
package report

import (
	"context"
	"encoding/json"
	"log/slog"

	"gocloud.dev/pubsub"

	"buildrunner/internal/build"
	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

const (
	// MetadataChannel is the message metadata key naming the broadcast channel.
	MetadataChannel = "channel"
	// MetadataID is the message metadata key carrying the build id.
	MetadataID = "id"
)

// Publisher sends messages to a topic. *pubsub.Topic implements it.
type Publisher interface {
	Send(ctx context.Context, m *pubsub.Message) error
}

// Reporter implements build.OutputSink. Both destinations are optional and
// failures are logged, never returned.
type Reporter struct {
	logs   store.LogStore
	topic  Publisher
	logger *slog.Logger
}

var _ build.OutputSink = (*Reporter)(nil)

// New creates a Reporter. logs and topic may be nil.
func New(logs store.LogStore, topic Publisher, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logs: logs, topic: topic, logger: logger}
}

// Channel returns the broadcast channel name for a build.
func Channel(buildID string) string {
	return "channel_" + buildID
}

// WriteLine appends line to the build log and publishes it on the build's channel.
func (r *Reporter) WriteLine(ctx context.Context, line build.OutputLine) {
	if r.logs != nil {
		if err := r.logs.AppendLog(ctx, line.ID, line.Data); err != nil {
			r.logger.WarnContext(ctx, "failed to append build log", "build_id", line.ID, "error", err)
		}
	}

	if r.topic == nil {
		return
	}
	body, err := json.Marshal(api.OutputLine{ID: line.ID, Data: line.Data})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to encode output line", "build_id", line.ID, "error", err)
		return
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			MetadataChannel: Channel(line.ID),
			MetadataID:      line.ID,
		},
	}
	if err := r.topic.Send(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "failed to publish output line", "build_id", line.ID, "error", err)
	}
}
