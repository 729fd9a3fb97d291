package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a handler failure as permanent: the message is dead-lettered
// on the first attempt instead of being retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     *int32    `json:"partition,omitempty"`
	Offset        *int64    `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

// BuildDLQPayload describes a consumed message that could not be handled.
func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	payload := DLQPayload{
		OriginalTopic: msg.Topic,
		Partition:     &msg.Partition,
		Offset:        &msg.Offset,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if len(msg.Key) > 0 {
		payload.Key = string(msg.Key)
	}
	if len(msg.Value) > 0 {
		payload.Payload = base64.StdEncoding.EncodeToString(msg.Value)
	}
	if err != nil {
		payload.Reason = err.Reason
		if err.Err != nil {
			payload.Error = err.Err.Error()
		} else {
			payload.Error = err.Error()
		}
	}
	return payload
}

// BuildPublishDLQPayload describes an outbound message that could not be published.
func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPayload {
	payload := DLQPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if value != nil {
		if raw, marshalErr := json.Marshal(value); marshalErr == nil {
			payload.Payload = base64.StdEncoding.EncodeToString(raw)
		} else {
			payload.Payload = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%v", value)))
		}
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return payload
}
