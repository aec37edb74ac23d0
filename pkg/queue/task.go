package queue

import "encoding/json"

// Task is one unit of work sitting on a queue. Payload carries the
// worker-specific job data (file path, POI id, directory, relationship
// hash, ...) as raw JSON so the queue package stays agnostic of any
// particular worker's schema.
type Task struct {
	ID      string          `json:"id"`
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload"`

	// Attempts counts how many times this task has failed and been
	// re-queued. Nack and ReapExpired increment it as they put the task
	// back; the consume loop compares it against its attempt ceiling to
	// decide when a transient failure stops retrying and goes to the DLQ.
	Attempts int `json:"attempts"`
}

// Encode marshals the task to the exact JSON string stored on the queue.
func (t *Task) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode unmarshals raw into a Task.
func Decode(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
