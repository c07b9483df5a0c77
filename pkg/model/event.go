package model

import "time"

// CycleEvent summarizes one sync cycle for publishing.
type CycleEvent struct {
	RunID       string    `json:"run_id" avro:"run_id"`
	Key         string    `json:"key" avro:"key"`
	Stage       string    `json:"stage" avro:"stage"`
	Outcome     string    `json:"outcome" avro:"outcome"`
	FailedState string    `json:"failed_state,omitempty" avro:"failed_state"`
	WindowStart time.Time `json:"window_start" avro:"window_start"`
	WindowEnd   time.Time `json:"window_end" avro:"window_end"`
	Rows        int       `json:"rows" avro:"rows"`
	Error       string    `json:"error,omitempty" avro:"error"`
	ElapsedMs   int64     `json:"elapsed_ms" avro:"elapsed_ms"`
	At          time.Time `json:"at" avro:"at"`
}
