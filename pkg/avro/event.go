package avro

// CycleEventSchema is the record schema of published sync cycle events.
const CycleEventSchema = `{
  "type": "record",
  "name": "CycleEvent",
  "namespace": "edcsync",
  "fields": [
    {"name": "run_id", "type": "string"},
    {"name": "key", "type": "string"},
    {"name": "stage", "type": "string"},
    {"name": "outcome", "type": "string"},
    {"name": "failed_state", "type": "string", "default": ""},
    {"name": "window_start", "type": {"type": "long", "logicalType": "timestamp-millis"}},
    {"name": "window_end", "type": {"type": "long", "logicalType": "timestamp-millis"}},
    {"name": "rows", "type": "int"},
    {"name": "error", "type": "string", "default": ""},
    {"name": "elapsed_ms", "type": "long"},
    {"name": "at", "type": {"type": "long", "logicalType": "timestamp-millis"}}
  ]
}`
