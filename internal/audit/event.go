package audit

import (
	"time"
)

const (
	EventVersion = "1.0"
	EventType    = "job_completion"
)

// Event is a tamper-evident record of one completed job.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Job      JobInfo               `json:"job"`
	Outputs  map[string]OutputInfo `json:"outputs"`
	Producer ProducerInfo          `json:"producer"`
	Chain    ChainInfo             `json:"chain"`
}

// JobInfo identifies the job being audited.
type JobInfo struct {
	Project  string `json:"project"`
	RunID    string `json:"run_id"`
	Tier     string `json:"tier"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	Location string `json:"location"`
	Rerun    bool   `json:"rerun"`
}

// OutputInfo describes a single output file.
type OutputInfo struct {
	Checksum string `json:"checksum,omitempty"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that ran the pipeline.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for a tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this job's events extend. Every
// job of a project shares one chain, so the log orders the whole run.
func (j JobInfo) ChainKey() string {
	return j.Project
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
