package connection

import (
	"encoding/json"
	"fmt"
)

// maxSearchDepth bounds how deep ParseMessage looks for correlation keys.
const maxSearchDepth = 3

var (
	taskKeys   = []string{"task_id", "taskId"}
	jobKeys    = []string{"job_id", "jobId"}
	nestedKeys = []string{"result", "status", "batch", "data", "payload"}
)

// Message is one inbound push frame with its correlation keys extracted.
type Message struct {
	Type   string
	TaskID string
	JobID  string
	// Body is the object that carried the task (or job) id. It always has a
	// "type" entry when the frame had one.
	Body map[string]any
	Raw  json.RawMessage
}

// ParseMessage decodes a frame and extracts its correlation keys. Keys are
// searched at the top level first, then under result, status, batch, data and
// payload. Frames that are not JSON objects are rejected.
func ParseMessage(data []byte) (Message, error) {
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if top == nil {
		return Message{}, fmt.Errorf("decode frame: not an object")
	}

	msg := Message{Raw: json.RawMessage(data), Body: top}
	msg.Type = stringField(top, "type", "event")

	taskID, taskObj := findKey(top, taskKeys, 0)
	jobID, jobObj := findKey(top, jobKeys, 0)
	msg.TaskID = taskID
	msg.JobID = jobID

	switch {
	case taskObj != nil:
		msg.Body = taskObj
	case jobObj != nil:
		msg.Body = jobObj
	}
	if msg.Type != "" && stringField(msg.Body, "type", "event") == "" {
		body := make(map[string]any, len(msg.Body)+1)
		for k, v := range msg.Body {
			body[k] = v
		}
		body["type"] = msg.Type
		msg.Body = body
	}
	return msg, nil
}

// findKey returns the first non-empty value for keys and the object holding
// it, checking obj itself before descending into nested objects.
func findKey(obj map[string]any, keys []string, depth int) (string, map[string]any) {
	if v := stringField(obj, keys...); v != "" {
		return v, obj
	}
	if depth >= maxSearchDepth {
		return "", nil
	}
	for _, nk := range nestedKeys {
		child, ok := obj[nk].(map[string]any)
		if !ok {
			continue
		}
		if v, holder := findKey(child, keys, depth+1); v != "" {
			return v, holder
		}
	}
	return "", nil
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
