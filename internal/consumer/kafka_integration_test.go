//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/apdarr/lace/internal/events"
)

// notifyingHandler reports every handled message so the test can wait without polling shared state.
type notifyingHandler struct {
	inner Handler
	done  chan error
}

func (h notifyingHandler) Handle(ctx context.Context, msg Message) error {
	err := h.inner.Handle(ctx, msg)
	h.done <- err
	return err
}

func TestKafkaIngestMatchesActivity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]
	topic := "external_activities"

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	store := newStubStore()
	matcher := &stubMatcher{matchTo: "w-1"}
	handler := notifyingHandler{inner: NewIngestHandler(store, matcher, nil), done: make(chan error, 4)}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		GroupID:     "lace-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = NewProcessor(reader, handler).Run(consumerCtx)
	}()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	start := time.Date(2025, time.October, 20, 7, 0, 0, 0, time.UTC)
	distance := 5000.0
	payload, err := json.Marshal(events.ExternalActivityUpserted{
		TenantID:       "tenant-1",
		Source:         "strava",
		SourceID:       "kafka-1",
		Distance:       &distance,
		ActivityType:   "Run",
		StartDateLocal: &start,
	})
	require.NoError(t, err)

	require.NoError(t, writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte("tenant-1:strava:kafka-1"),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeExternalActivityUpserted)},
			{Key: "tenant_id", Value: []byte("tenant-1")},
		},
	}))

	select {
	case err := <-handler.done:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("message was not consumed")
	}

	stop()
	stored := store.activities["tenant-1/strava/kafka-1"]
	require.NotNil(t, stored)
	require.Equal(t, []string{"act-kafka-1"}, matcher.matched)
}
