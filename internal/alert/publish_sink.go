package alert

import (
	"context"

	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/transport"
)

// PublishSink forwards alerts to the transport's alert subject
type PublishSink struct {
	publisher transport.Publisher
}

func NewPublishSink(publisher transport.Publisher) *PublishSink {
	return &PublishSink{publisher: publisher}
}

func (s *PublishSink) Name() string {
	return "publish"
}

func (s *PublishSink) Record(ctx context.Context, alert model.Alert) error {
	payload, err := transport.EncodeAlert(alert)
	if err != nil {
		return sinkError(s.Name(), err)
	}
	return sinkError(s.Name(), s.publisher.Publish(ctx, transport.TopicAlert, payload))
}
