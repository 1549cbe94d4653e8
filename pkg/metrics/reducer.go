package metrics

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRecord is returned for records whose timestamps cannot describe a real request
var ErrMalformedRecord = errors.New("malformed finished request record")

// MalformedRecordError names the offending request and the broken constraint
type MalformedRecordError struct {
	RequestID string
	Reason    string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformedRecord, e.RequestID, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// Reduce derives end-to-end, queueing and serving latency from one finished request.
// A missing queue time counts as zero.
func Reduce(rec FinishedRequest) (RequestLatency, error) {
	e2e := rec.FinishedTime.Sub(rec.ArrivalTime)
	if e2e < 0 {
		return RequestLatency{}, &MalformedRecordError{
			RequestID: rec.RequestID,
			Reason:    fmt.Sprintf("finished %s before arrival", (-e2e).String()),
		}
	}

	var queueing time.Duration
	if rec.TimeInQueue != nil {
		queueing = *rec.TimeInQueue
	}
	if queueing < 0 {
		return RequestLatency{}, &MalformedRecordError{
			RequestID: rec.RequestID,
			Reason:    fmt.Sprintf("negative time in queue %s", queueing),
		}
	}
	if queueing > e2e {
		return RequestLatency{}, &MalformedRecordError{
			RequestID: rec.RequestID,
			Reason:    fmt.Sprintf("time in queue %s exceeds end-to-end latency %s", queueing, e2e),
		}
	}

	return RequestLatency{
		RequestID: rec.RequestID,
		Arrival:   rec.ArrivalTime,
		E2E:       e2e,
		Queueing:  queueing,
		Serving:   e2e - queueing,
	}, nil
}

// ReduceAll reduces records in order and stops at the first malformed one
func ReduceAll(records []FinishedRequest) ([]RequestLatency, error) {
	latencies := make([]RequestLatency, 0, len(records))
	for i, rec := range records {
		lat, err := Reduce(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to reduce record %d: %w", i, err)
		}
		latencies = append(latencies, lat)
	}
	return latencies, nil
}
