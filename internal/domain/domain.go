package domain

import (
	"fmt"
	"strings"
)

// Project statuses.
const (
	ProjectDraft       = "Draft"
	ProjectForApproval = "For Approval"
	ProjectApproved    = "Approved"
	ProjectOnHold      = "On-hold"
	ProjectCancelled   = "Cancelled"
	ProjectCompleted   = "Completed"
)

// Validation item statuses.
const (
	ItemPending       = "Pending"
	ItemSubmitted     = "Submitted"
	ItemForApproval   = "For Approval"
	ItemApproved      = "Approved"
	ItemRejected      = "Rejected"
	ItemNeedsRevision = "Needs Revision"
)

// Audit log action types.
const (
	ActionSendForApproval   = "send_for_approval"
	ActionApprove           = "approve"
	ActionReject            = "reject"
	ActionReturnForRevision = "return_for_revision"
	ActionSync              = "sync"
)

// Deliverable types mirrored into validation items.
const (
	DeliverableTask      = "task"
	DeliverableMilestone = "milestone"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"Draft,For Approval,Approved,On-hold,Cancelled,Completed"`
	Priority  string `json:"priority,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ValidationItem tracks the review lifecycle of one external deliverable.
// (project_id, deliverable_type, deliverable_ref_id) is unique.
type ValidationItem struct {
	ID               int64   `json:"id"`
	ProjectID        string  `json:"project_id"`
	DeliverableType  string  `json:"deliverable_type" enum:"task,milestone"`
	DeliverableRefID string  `json:"deliverable_ref_id"`
	DeliverableName  string  `json:"deliverable_name"`
	Weight           float64 `json:"weight"`
	Status           string  `json:"status" enum:"Pending,Submitted,For Approval,Approved,Rejected,Needs Revision"`
	LastSubmissionID *int64  `json:"last_submission_id,omitempty"`
	SubmittedBy      *string `json:"submitted_by,omitempty"`
	SubmittedAt      *string `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedBy       *string `json:"reviewed_by,omitempty"`
	ReviewedAt       *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewerRemarks  *string `json:"reviewer_remarks,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Submission is an immutable, versioned progress report against an item.
type Submission struct {
	ID               int64   `json:"id"`
	ItemID           int64   `json:"item_id"`
	VersionNo        int     `json:"version_no"`
	ProgressPercent  float64 `json:"progress_percent"`
	Summary          string  `json:"summary,omitempty"`
	AttachmentRef    *string `json:"attachment_ref,omitempty"`
	SubmittedBy      string  `json:"submitted_by"`
	SubmitterRole    string  `json:"submitter_role,omitempty"`
	SubmittedAt      string  `json:"submitted_at" format:"date-time"`
	ValidationResult *string `json:"validation_result,omitempty"`
	ReviewedBy       *string `json:"reviewed_by,omitempty"`
	ReviewedAt       *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewerRemarks  *string `json:"reviewer_remarks,omitempty"`
}

// ValidationLog is an append-only audit entry. Rows are never mutated.
type ValidationLog struct {
	ID             int64  `json:"id"`
	ItemID         int64  `json:"item_id"`
	SubmissionID   *int64 `json:"submission_id,omitempty"`
	ActionType     string `json:"action_type"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Remarks        string `json:"remarks,omitempty"`
	ActorID        string `json:"actor_id"`
	ActorRole      string `json:"actor_role,omitempty"`
	Origin         string `json:"origin,omitempty"`
	TS             string `json:"ts" format:"date-time"`
}

type ProjectStatusHistory struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	ActorID   string `json:"actor_id"`
	Note      string `json:"note,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// ProjectProgressUpdate is an append-only time series; the most recent row
// is the project's authoritative completion percentage.
type ProjectProgressUpdate struct {
	ID              int64   `json:"id"`
	ProjectID       string  `json:"project_id"`
	ProgressPercent float64 `json:"progress_percent"`
	ActorID         string  `json:"actor_id"`
	TS              string  `json:"ts" format:"date-time"`
}

// Deliverable is a source task or milestone record owned by the surrounding
// CRUD system, read by the synchronizer.
type Deliverable struct {
	RefID     string
	ProjectID string
	Type      string
	Name      string
	Weight    float64
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

var projectStatuses = map[string]string{
	"draft":        ProjectDraft,
	"for approval": ProjectForApproval,
	"approved":     ProjectApproved,
	"on-hold":      ProjectOnHold,
	"on hold":      ProjectOnHold,
	"cancelled":    ProjectCancelled,
	"completed":    ProjectCompleted,
}

var itemStatuses = map[string]string{
	"pending":        ItemPending,
	"submitted":      ItemSubmitted,
	"for approval":   ItemForApproval,
	"approved":       ItemApproved,
	"rejected":       ItemRejected,
	"needs revision": ItemNeedsRevision,
	"returned":       ItemNeedsRevision,
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeProjectStatus maps a caller-supplied status string onto the closed
// project vocabulary. Matching ignores case and surrounding whitespace;
// anything unrecognized is an error, never a silent default.
func NormalizeProjectStatus(s string) (string, error) {
	if v, ok := projectStatuses[normalizeKey(s)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

// NormalizeItemStatus maps a caller-supplied status string onto the closed
// item vocabulary ("returned" is accepted as an alias for Needs Revision).
func NormalizeItemStatus(s string) (string, error) {
	if v, ok := itemStatuses[normalizeKey(s)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown item status %q", s)
}

// DecisionSpec describes one reviewer action.
type DecisionSpec struct {
	Action        string
	TargetStatus  string
	RemarksNeeded bool
}

var decisions = map[string]DecisionSpec{
	ActionSendForApproval:   {Action: ActionSendForApproval, TargetStatus: ItemForApproval},
	ActionApprove:           {Action: ActionApprove, TargetStatus: ItemApproved},
	ActionReject:            {Action: ActionReject, TargetStatus: ItemRejected, RemarksNeeded: true},
	ActionReturnForRevision: {Action: ActionReturnForRevision, TargetStatus: ItemNeedsRevision, RemarksNeeded: true},
}

// ResolveDecision maps a reviewer decision keyword to its action and target
// status. Unknown keywords are rejected.
func ResolveDecision(decision string) (DecisionSpec, error) {
	key := strings.ToLower(strings.TrimSpace(decision))
	if spec, ok := decisions[key]; ok {
		return spec, nil
	}
	return DecisionSpec{}, fmt.Errorf("unknown decision %q", decision)
}

// CanResubmit reports whether an item in the given status accepts a new
// submission that moves it to Submitted.
func CanResubmit(status string) bool {
	switch status {
	case ItemPending, ItemRejected, ItemNeedsRevision:
		return true
	}
	return false
}
