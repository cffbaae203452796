package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Structural schema for inbound REPORT messages. A payload that fails here is
// treated as a missed report for that step, never as a master-side fault.
const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "protocol_version", "zone", "worker_id", "step", "snapshot"],
  "properties": {
    "type": {"const": "REPORT"},
    "protocol_version": {"type": "string"},
    "zone": {"type": "string", "minLength": 1},
    "worker_id": {"type": "string", "minLength": 1},
    "step": {"type": "integer", "minimum": 0},
    "snapshot": {
      "type": "object",
      "required": ["zone", "step", "vehicles", "lights", "counters"],
      "properties": {
        "zone": {"type": "string", "minLength": 1},
        "step": {"type": "integer", "minimum": 0},
        "vehicles": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "lane", "offset", "x", "y", "speed"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "lane": {"enum": ["E", "W", "N", "S"]},
              "offset": {"type": "number"},
              "x": {"type": "number"},
              "y": {"type": "number"},
              "speed": {"type": "number", "minimum": 0},
              "turn": {"enum": ["STRAIGHT", "LEFT", "RIGHT"]},
              "halted": {"type": "boolean"}
            }
          }
        },
        "lights": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "x", "y", "phase", "elapsed", "cycle"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "x": {"type": "number"},
              "y": {"type": "number"},
              "phase": {"enum": ["NS_GREEN", "EW_GREEN"]},
              "elapsed": {"type": "integer", "minimum": 0},
              "cycle": {"type": "integer", "minimum": 1}
            }
          }
        },
        "counters": {
          "type": "object",
          "required": ["active", "spawned", "despawned"],
          "properties": {
            "active": {"type": "integer", "minimum": 0},
            "spawned": {"type": "integer", "minimum": 0},
            "despawned": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

var reportSchema = jsonschema.MustCompileString("report.schema.json", reportSchemaJSON)

// ValidateReport checks a raw REPORT message against the structural schema.
func ValidateReport(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := reportSchema.Validate(v); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}
