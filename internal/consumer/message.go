package consumer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is a decoded Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	TenantID      string
	SchemaSubject string
	// SchemaID is zero for records published without Schema Registry framing.
	SchemaID int
	Payload  json.RawMessage
}

// decode unwraps a record value. Values starting with the 0 magic byte carry a 4-byte schema id
// before the JSON body; anything else is treated as bare JSON.
func decode(record kafka.Message) (Message, error) {
	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}

	msg := Message{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Timestamp:     record.Time,
		EventType:     headers["event_type"],
		TenantID:      headers["tenant_id"],
		SchemaSubject: headers["schema_subject"],
	}
	if msg.EventType == "" {
		return msg, errors.New("missing event_type header")
	}

	body := record.Value
	switch {
	case len(body) == 0:
		return msg, errors.New("empty payload")
	case body[0] == 0 && len(body) < 5:
		return msg, fmt.Errorf("framed payload too short: %d bytes", len(body))
	case body[0] == 0:
		msg.SchemaID = int(binary.BigEndian.Uint32(body[1:5]))
		body = body[5:]
	}
	if !json.Valid(body) {
		return msg, errors.New("payload is not valid JSON")
	}
	msg.Payload = append(json.RawMessage(nil), body...)
	return msg, nil
}
