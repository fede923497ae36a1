package outbox

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is a claimed outbox row.
type Message struct {
	EventID       int64
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// record frames the payload with the registry schema id (magic byte 0, big-endian id) and
// copies the routing metadata into headers for consumers that skip the registry.
func (m Message) record(schemaID int) kafka.Message {
	value := make([]byte, 0, 5+len(m.Payload))
	value = append(value, 0)
	value = binary.BigEndian.AppendUint32(value, uint32(schemaID))
	value = append(value, m.Payload...)

	return kafka.Message{
		Key:   []byte(m.PartitionKey),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(m.EventType)},
			{Key: "tenant_id", Value: []byte(m.TenantID)},
			{Key: "schema_subject", Value: []byte(m.SchemaSubject)},
		},
	}
}

func byTenant(messages []Message) map[string][]Message {
	groups := make(map[string][]Message)
	for _, msg := range messages {
		groups[msg.TenantID] = append(groups[msg.TenantID], msg)
	}
	return groups
}

func eventIDs(messages []Message) []int64 {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	return ids
}
