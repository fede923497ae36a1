package outbox

import "github.com/apdarr/lace/internal/events"

const activityMatchedSchema = `{
  "type": "object",
  "title": "ActivityMatched",
  "properties": {
    "activity_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "matched_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "tenant_id", "workout_id", "confidence", "matched_at"],
  "additionalProperties": false
}`

const activityUnmatchedSchema = `{
  "type": "object",
  "title": "ActivityUnmatched",
  "properties": {
    "activity_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "reason": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "tenant_id", "workout_id", "occurred_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeActivityMatched: {
		Schema: activityMatchedSchema,
	},
	events.TypeActivityUnmatched: {
		Schema: activityUnmatchedSchema,
	},
}
