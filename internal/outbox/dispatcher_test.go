package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/apdarr/lace/internal/events"
)

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func matchedMessage(eventID int64, activityID string) Message {
	payload, _ := json.Marshal(events.ActivityMatched{
		ActivityID: activityID,
		TenantID:   "tenant-1",
		WorkoutID:  "workout-1",
		Confidence: 0.9,
		MatchedAt:  time.Date(2025, time.October, 20, 8, 0, 0, 0, time.UTC),
	})
	return Message{
		EventID:       eventID,
		TenantID:      "tenant-1",
		AggregateType: "external_activity",
		AggregateID:   activityID,
		EventType:     events.TypeActivityMatched,
		Topic:         "activity_matches",
		SchemaSubject: "activity_matches-value",
		PartitionKey:  "tenant-1:" + activityID,
		Payload:       payload,
	}
}

func TestDeliverFramesPayloadAndCachesSchema(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	msgs := []Message{matchedMessage(1, "act-1"), matchedMessage(2, "act-2")}
	require.NoError(t, d.deliver(context.Background(), msgs))
	require.NoError(t, d.deliver(context.Background(), msgs[:1]))

	require.Len(t, registry.calls, 1, "schema id should be cached after the first lookup")
	require.Equal(t, "activity_matches-value", registry.calls[0].subject)

	require.Len(t, producer.writes, 2)
	first := producer.writes[0]
	require.Equal(t, "activity_matches", first.topic)
	require.Len(t, first.messages, 2)

	record := first.messages[0]
	require.Equal(t, []byte("tenant-1:act-1"), record.Key)
	require.Equal(t, byte(0), record.Value[0])
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(record.Value[1:5]))
	require.JSONEq(t, string(msgs[0].Payload), string(record.Value[5:]))

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.TypeActivityMatched, headers["event_type"])
	require.Equal(t, "tenant-1", headers["tenant_id"])
}

func TestDeliverRejectsUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	msg := matchedMessage(1, "act-1")
	msg.EventType = "activity.unknown"

	err := d.deliver(context.Background(), []Message{msg})
	require.ErrorContains(t, err, "no schema metadata for event_type=activity.unknown")
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverSurfacesProducerErrors(t *testing.T) {
	producer := &stubProducer{err: errors.New("kafka write failed")}
	d := NewDispatcher(nil, producer, &stubRegistry{id: 3}, time.Second, 10)

	err := d.deliver(context.Background(), []Message{matchedMessage(1, "act-1")})
	require.ErrorContains(t, err, "kafka write failed")
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := &DLQManager{baseDelay: time.Minute}
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 2*time.Minute, m.backoffDelay(2))
	require.Equal(t, 8*time.Minute, m.backoffDelay(4))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func TestSchemaRegistryRegistersMissingSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/activity_matches-value/versions":
			body, _ := io.ReadAll(r.Body)
			registered = string(body)
			_, _ = w.Write([]byte(`{"id": 17}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL)
	id, err := client.EnsureSchema(context.Background(), "activity_matches-value", activityMatchedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
	require.Contains(t, registered, `"schemaType":"JSON"`)
}

func TestSchemaRegistryReusesLatestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"id": 5, "version": 3}`))
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "activity_matches-value", activityMatchedSchema)
	require.NoError(t, err)
	require.Equal(t, 5, id)
}

func TestSchemaRegistrySurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), "activity_matches-value", activityMatchedSchema)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, http.StatusServiceUnavailable, regErr.Status)
	require.Equal(t, "/subjects/activity_matches-value/versions/latest", regErr.Path)
	require.Contains(t, regErr.Body, "registry overloaded")
}
