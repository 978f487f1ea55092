package store

import "time"

// CampaignStatus is a bulk campaign's lifecycle state.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// JobStatus is a delivery job's lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// PendingStatus is a pending inbound message's lifecycle state.
type PendingStatus string

const (
	PendingWaiting    PendingStatus = "pending"
	PendingProcessing PendingStatus = "processing"
	PendingProcessed  PendingStatus = "processed"
	PendingFailed     PendingStatus = "failed"
)

// Progress holds a campaign's delivery counters. The invariant
// Sent + Failed + Pending == Total holds at every observable point.
type Progress struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Campaign is one broadcast request.
type Campaign struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Template    string         `json:"template"`
	Status      CampaignStatus `json:"status"`
	Progress    Progress       `json:"progress"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// DeliveryJob is one (campaign, contact) delivery.
type DeliveryJob struct {
	ID              string    `json:"id"`
	CampaignID      string    `json:"campaign_id"`
	TenantID        string    `json:"tenant_id"`
	ContactID       string    `json:"contact_id"`
	Phone           string    `json:"phone"`
	RenderedMessage string    `json:"rendered_message"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PendingMessage is a durable record of an inbound message that has not
// yet been routed through the auto-reply pipeline.
type PendingMessage struct {
	ID                 int64         `json:"id"`
	TenantID           string        `json:"tenant_id"`
	Phone              string        `json:"phone"`
	Body               string        `json:"body"`
	TransportMessageID string        `json:"transport_message_id,omitempty"`
	ReceivedAt         time.Time     `json:"received_at"`
	Attempts           int           `json:"attempts"`
	Status             PendingStatus `json:"status"`
	LastError          string        `json:"last_error,omitempty"`
	ProcessedAt        *time.Time    `json:"processed_at,omitempty"`
}
