package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebFingerCacheEntry maps an account handle to its resolved actor and inbox
type WebFingerCacheEntry struct {
	Acct      string
	ActorURL  string
	InboxURL  *string
	ExpiresAt time.Time
	HitCount  int64
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *WebFingerCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RemoteActorCacheEntry holds a fetched ActivityPub actor document
type RemoteActorCacheEntry struct {
	ActorURL  string
	Document  json.RawMessage
	FetchedAt time.Time
	ExpiresAt time.Time
}

func (e *RemoteActorCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceDegraded InstanceStatus = "degraded"
	InstanceBlocked  InstanceStatus = "blocked"
)

// RemoteInstance aggregates the last 24 hours of federation traffic with a host
type RemoteInstance struct {
	Host            string
	Status          InstanceStatus
	HealthScore     int
	RequestCount24h int64
	ErrorCount24h   int64
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

type QueueState string

const (
	QueuePending    QueueState = "pending"
	QueueProcessing QueueState = "processing"
	QueueFailed     QueueState = "failed"
)

// FederationQueueItem is an outbound or inbound unit of federation work
type FederationQueueItem struct {
	Id            uuid.UUID
	Partition     int
	Host          string
	Payload       json.RawMessage
	State         QueueState
	Attempts      int
	NextAttemptAt time.Time
	StartedAt     *time.Time
	FailedAt      *time.Time
	LastError     string
	CreatedAt     time.Time
}

// AgeMinutes is the whole number of minutes since the item was created.
func (item *FederationQueueItem) AgeMinutes(now time.Time) int {
	return int(now.Sub(item.CreatedAt) / time.Minute)
}

// DeliveryPayload is the queue payload of an outbound activity delivery
type DeliveryPayload struct {
	InboxURI     string          `json:"inboxUri"`
	Sender       string          `json:"sender"` // local username whose key signs the request
	ActivityJSON json.RawMessage `json:"activity"`
}

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// FederationAlert is raised when queue or instance metrics cross a threshold
type FederationAlert struct {
	Id             uuid.UUID
	Type           string
	Severity       AlertSeverity
	Message        string
	Metadata       map[string]any
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// FederationLog records one federation HTTP exchange, inbound or outbound
type FederationLog struct {
	Id             uuid.UUID
	RemoteHost     string
	Endpoint       string
	Direction      string // "inbound" or "outbound"
	Success        bool
	ResponseTimeMs int64
	StatusCode     int
	ErrorMessage   string
	CreatedAt      time.Time
}
