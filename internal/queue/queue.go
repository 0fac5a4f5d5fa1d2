// Package queue opens the pub/sub topics and subscriptions builds flow
// through and encodes the messages exchanged on them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"buildrunner/pkg/api"
)

// MetadataID is the message metadata key carrying the build id.
const MetadataID = "id"

// ErrMalformed is returned when a message body cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// OpenTopic opens the topic at url (e.g. "mem://results", "gcppubsub://projects/p/topics/t").
func OpenTopic(ctx context.Context, url string) (*pubsub.Topic, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open topic %q: %w", url, err)
	}
	return topic, nil
}

// OpenSubscription opens the subscription at url.
func OpenSubscription(ctx context.Context, url string) (*pubsub.Subscription, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open subscription %q: %w", url, err)
	}
	return sub, nil
}

// EncodeRequest wraps a build request in a message tagged with its id.
func EncodeRequest(req api.BuildRequest) (*pubsub.Message, error) {
	return encode(req.ID, req)
}

// DecodeRequest decodes a build request message.
func DecodeRequest(msg *pubsub.Message) (api.BuildRequest, error) {
	var req api.BuildRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return api.BuildRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.ID == "" {
		req.ID = msg.Metadata[MetadataID]
	}
	return req, nil
}

// EncodeResult wraps a build result in a message tagged with its id.
func EncodeResult(res api.BuildResult) (*pubsub.Message, error) {
	return encode(res.ID, res)
}

// DecodeResult decodes a build result message.
func DecodeResult(msg *pubsub.Message) (api.BuildResult, error) {
	var res api.BuildResult
	if err := json.Unmarshal(msg.Body, &res); err != nil {
		return api.BuildResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return res, nil
}

func encode(id string, v any) (*pubsub.Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &pubsub.Message{
		Body:     body,
		Metadata: map[string]string{MetadataID: id},
	}, nil
}
