package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Requirement status values accepted from producing subsystems.
const (
	StatusSatisfied = "satisfied"
	StatusFailed    = "failed"
	StatusDeclined  = "declined"
	StatusSubmitted = "submitted"
)

// Credit request lifecycle. Pending is the initial state; approved and
// rejected are sinks.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

type CreditCourse struct {
	CourseID  string    `json:"courseId"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CreditProvider struct {
	ProviderID              string `json:"id"`
	DisplayName             string `json:"displayName"`
	ProviderURL             string `json:"url"`
	StatusURL               string `json:"statusUrl"`
	Description             string `json:"description"`
	ThumbnailURL            string `json:"thumbnailUrl"`
	FulfillmentInstructions string `json:"fulfillmentInstructions"`
	EnableIntegration       bool   `json:"enableIntegration"`
	Active                  bool   `json:"active"`
}

type CreditRequirement struct {
	ID          uuid.UUID       `json:"id"`
	CourseID    string          `json:"courseId"`
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Criteria    json.RawMessage `json:"criteria"`
	Order       int             `json:"order"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type CreditRequirementStatus struct {
	ID            uuid.UUID       `json:"id"`
	Username      string          `json:"username"`
	RequirementID uuid.UUID       `json:"requirementId"`
	Status        string          `json:"status"`
	Reason        json.RawMessage `json:"reason"`
	CreatedAt     time.Time       `json:"createdAt"`
	ModifiedAt    time.Time       `json:"modifiedAt"`
}

// RequirementStatusView joins an active requirement with the user's latest
// status row. Status fields are nil when the user has never had an event for
// the requirement.
type RequirementStatusView struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Criteria    json.RawMessage `json:"criteria"`
	Order       int             `json:"order"`
	Status      *string         `json:"status"`
	Reason      json.RawMessage `json:"reason"`
	StatusDate  *time.Time      `json:"statusDate"`
}

type CreditEligibility struct {
	Username  string     `json:"username"`
	CourseID  string     `json:"courseId"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type CreditRequest struct {
	ID         uuid.UUID       `json:"id"`
	UUID       string          `json:"uuid"`
	Username   string          `json:"username"`
	CourseID   string          `json:"courseId"`
	ProviderID string          `json:"providerId"`
	Status     string          `json:"status"`
	Parameters json.RawMessage `json:"parameters"`
	CreatedAt  time.Time       `json:"createdAt"`
	ModifiedAt time.Time       `json:"modifiedAt"`
}

// RequestSummary is the externally visible projection of a CreditRequest.
type RequestSummary struct {
	UUID       string    `json:"uuid"`
	CourseID   string    `json:"courseId"`
	Provider   Provider  `json:"provider"`
	Status     string    `json:"status"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Provider is the id/display-name pair embedded in request summaries.
type Provider struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewRequestUUID returns the opaque 32-hex identifier exposed to providers.
func NewRequestUUID() string {
	id := uuid.New()
	buf := make([]byte, 0, 32)
	for _, b := range id {
		const hexdigits = "0123456789abcdef"
		buf = append(buf, hexdigits[b>>4], hexdigits[b&0x0f])
	}
	return string(buf)
}
