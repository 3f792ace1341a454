package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Refresh reasons carried on jobs.
const (
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
)

// RefreshJob asks a worker to re-run discovery for one EMR. Jobs travel
// through a redis stream so any worker instance can pick them up.
type RefreshJob struct {
	JobID       string    `json:"job_id"`
	EMRID       string    `json:"emr_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
	Attempt     int       `json:"attempt"`
}

// Validate fills defaults and rejects jobs that cannot be routed.
func (j *RefreshJob) Validate() error {
	if strings.TrimSpace(j.EMRID) == "" {
		return fmt.Errorf("emr_id is required")
	}
	if j.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.Reason == "" {
		j.Reason = ReasonManual
	}
	if j.RequestedAt.IsZero() {
		j.RequestedAt = time.Now().UTC()
	}
	return nil
}

// EnsureGroup creates the consumer group if it does not exist yet.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// decodeJob parses one stream entry. Entries that cannot be decoded are
// reported as errors so the consumer can ack them away instead of letting
// them redeliver forever.
func decodeJob(msg redis.XMessage) (RefreshJob, error) {
	raw, ok := msg.Values["job"]
	if !ok {
		return RefreshJob{}, fmt.Errorf("entry %s has no job field", msg.ID)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return RefreshJob{}, fmt.Errorf("entry %s carries job as %T", msg.ID, raw)
	}

	var job RefreshJob
	if err := json.Unmarshal(data, &job); err != nil {
		return RefreshJob{}, fmt.Errorf("decode job %s: %w", msg.ID, err)
	}
	if err := job.Validate(); err != nil {
		return RefreshJob{}, fmt.Errorf("job %s: %w", msg.ID, err)
	}
	return job, nil
}
