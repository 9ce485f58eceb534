package domain

import "time"

// Job is a queued channel send derived from an assignment. The JSON form is
// the wire contract between the orchestrator and the dispatch queue.
type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	AssignmentID string         `json:"assignmentId"`
	TenantID     string         `json:"tenantId"`
	Channel      Channel        `json:"channel"`
	Recipient    string         `json:"recipient"`
	Subject      string         `json:"subject,omitempty"`
	Body         string         `json:"body"`
	HTMLBody     string         `json:"htmlBody,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Providers    []string       `json:"providers,omitempty"` // fallback order override
	MaxRetries   int            `json:"maxRetries"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"lastError,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`

	ProviderTo map[string]string `json:"providerTo,omitempty"` // per-provider recipients
}

// Message converts the job payload to a provider message.
func (j Job) Message() Message {
	return Message{
		To:          j.Recipient,
		ProviderTo:  j.ProviderTo,
		Subject:     j.Subject,
		Body:        j.Body,
		HTMLBody:    j.HTMLBody,
		Attachments: j.Attachments,
		Metadata:    j.Metadata,
	}
}

// JobState is the terminal state of a job kept in history.
type JobState string

const (
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobRecord is a finished job retained for inspection.
type JobRecord struct {
	Job        Job            `json:"job"`
	State      JobState       `json:"state"`
	Result     *ChannelResult `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	FinishedAt time.Time      `json:"finishedAt"`
}
