package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"civitrack/internal/audit"
	"civitrack/internal/config"
	"civitrack/internal/domain"
	"civitrack/internal/engine/auth"
	"civitrack/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project row with its status-history seed and the full
// RBAC footprint: configured roles and permissions, plus the admin role for
// the creating actor, so the creator can manage the project they just made.
// Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, projectID, name, priority, actorID string) (domain.Project, error) {
	if projectID == "" {
		projectID = uuid.NewString()
	}
	if name == "" {
		name = projectID
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    domain.ProjectDraft,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	if err := e.seedRBACTx(ctx, tx, cfg); err != nil {
		return domain.Project{}, err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "admin"); err != nil {
		return domain.Project{}, fmt.Errorf("assign admin role: %w", err)
	}
	if err := e.Repo.InsertStatusHistoryTx(ctx, tx, p.ID, p.Status, actorID, "project created", now); err != nil {
		return domain.Project{}, fmt.Errorf("insert status history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// seedRBACTx writes the configured roles and permissions. Idempotent; existing
// rows are left alone.
func (e Engine) seedRBACTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("bind %s to %s: %w", perm, roleID, err)
			}
		}
	}
	return nil
}

// TransitionCheck is the outcome of a dry-run transition validation.
type TransitionCheck struct {
	OK            bool   `json:"ok"`
	CurrentStatus string `json:"current_status,omitempty"`
	NextStatus    string `json:"next_status,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ValidateStatusTransition checks whether a project may move to the requested
// status. The requested string is normalized against the closed vocabulary
// before the project is even looked up; unknown input is rejected there. The
// check performs no writes.
func (e Engine) ValidateStatusTransition(ctx context.Context, projectID, requested string) (TransitionCheck, error) {
	next, err := domain.NormalizeProjectStatus(requested)
	if err != nil {
		return TransitionCheck{OK: false, Message: err.Error()}, nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return TransitionCheck{}, err
	}
	if err := ensureProjectTransition(p.Status, next); err != nil {
		return TransitionCheck{OK: false, CurrentStatus: p.Status, NextStatus: next, Message: err.Error()}, nil
	}
	return TransitionCheck{OK: true, CurrentStatus: p.Status, NextStatus: next}, nil
}

func ensureProjectTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ProjectDraft:
		if newStatus == domain.ProjectForApproval {
			return nil
		}
	case domain.ProjectForApproval:
		if newStatus == domain.ProjectApproved || newStatus == domain.ProjectDraft || newStatus == domain.ProjectCancelled {
			return nil
		}
	case domain.ProjectApproved:
		if newStatus == domain.ProjectOnHold || newStatus == domain.ProjectCancelled || newStatus == domain.ProjectCompleted {
			return nil
		}
	case domain.ProjectOnHold:
		if newStatus == domain.ProjectApproved || newStatus == domain.ProjectCancelled {
			return nil
		}
	}
	// Cancelled and Completed are terminal.
	return fmt.Errorf("invalid project status transition %s -> %s", oldStatus, newStatus)
}

// SetProjectStatus applies a validated transition and appends the history row
// in the same transaction, so history reflects only committed changes.
func (e Engine) SetProjectStatus(ctx context.Context, projectID, requested, actorID, note string) (domain.Project, error) {
	next, err := domain.NormalizeProjectStatus(requested)
	if err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ensureProjectTransition(p.Status, next); err != nil {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, p.ID, next, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertStatusHistoryTx(ctx, tx, p.ID, next, actorID, note, now); err != nil {
		return domain.Project{}, fmt.Errorf("insert status history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = next
	p.UpdatedAt = now
	return p, nil
}

// SyncResult reports what a synchronizer run touched.
type SyncResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// SyncDeliverables mirrors source task and milestone records into validation
// items keyed by (project_id, type, ref_id). Existing items only get their
// display name refreshed. Missing source tables are a no-op, not an error, and
// the whole run is idempotent.
func (e Engine) SyncDeliverables(ctx context.Context, projectID, actorID string) (SyncResult, error) {
	var res SyncResult
	sources := []string{domain.DeliverableTask, domain.DeliverableMilestone}
	if e.Config != nil && len(e.Config.Sync.Sources) > 0 {
		sources = e.Config.Sync.Sources
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return res, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, source := range sources {
		deliverables, err := e.Repo.ListSourceDeliverablesTx(ctx, tx, projectID, source)
		if err != nil {
			return res, fmt.Errorf("read %s source: %w", source, err)
		}
		for _, d := range deliverables {
			created, err := e.Repo.InsertItemIgnoreTx(ctx, tx, d, domain.ItemPending, now)
			if err != nil {
				return res, err
			}
			if !created {
				if err := e.Repo.RefreshItemNameTx(ctx, tx, d); err != nil {
					return res, err
				}
				res.Existing++
				continue
			}
			item, err := e.Repo.GetItemByKeyTx(ctx, tx, d.ProjectID, d.Type, d.RefID)
			if err != nil {
				return res, err
			}
			if err := e.Audit.Append(ctx, tx, audit.Entry{
				ItemID:     item.ID,
				ActionType: domain.ActionSync,
				NewStatus:  domain.ItemPending,
				ActorID:    actorID,
				Origin:     "sync",
			}); err != nil {
				return res, err
			}
			res.Created++
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// SubmitOptions are parameters for recording a progress submission.
type SubmitOptions struct {
	ItemID          int64
	ProgressPercent float64
	Summary         string
	AttachmentRef   string
	SubmitterID     string
	SubmitterRole   string
}

// RecordSubmission appends an immutable submission with the next version
// number and points the item at it. The item advances to Submitted when it was
// Pending, Rejected, or Needs Revision; an already-reviewed status otherwise
// stays put.
func (e Engine) RecordSubmission(ctx context.Context, opts SubmitOptions) (domain.Submission, error) {
	if opts.ItemID <= 0 {
		return domain.Submission{}, errors.New("item id required")
	}
	if opts.SubmitterID == "" {
		return domain.Submission{}, errors.New("submitter required")
	}
	if opts.ProgressPercent < 0 || opts.ProgressPercent > 100 {
		return domain.Submission{}, fmt.Errorf("progress_percent %v out of range 0-100", opts.ProgressPercent)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.Submission{}, err
	}
	maxVersion, err := e.Repo.MaxSubmissionVersionTx(ctx, tx, item.ID)
	if err != nil {
		return domain.Submission{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Submission{
		ItemID:          item.ID,
		VersionNo:       maxVersion + 1,
		ProgressPercent: opts.ProgressPercent,
		Summary:         opts.Summary,
		SubmittedBy:     opts.SubmitterID,
		SubmitterRole:   opts.SubmitterRole,
		SubmittedAt:     now,
	}
	if opts.AttachmentRef != "" {
		s.AttachmentRef = &opts.AttachmentRef
	}
	s.ID, err = e.Repo.InsertSubmissionTx(ctx, tx, s)
	if err != nil {
		return domain.Submission{}, err
	}
	status := item.Status
	if domain.CanResubmit(status) {
		status = domain.ItemSubmitted
	}
	if err := e.Repo.UpdateItemSubmissionTx(ctx, tx, item.ID, s.ID, status, opts.SubmitterID, now); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// ProjectPercent computes the weighted completion percentage for a project.
// Weighted when any item carries positive weight, count-based otherwise, zero
// for an empty project. Pure read.
func (e Engine) ProjectPercent(ctx context.Context, projectID string) (float64, error) {
	agg, err := e.Repo.ProjectItemAggregates(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return percentFromAggregates(agg), nil
}

func (e Engine) projectPercentTx(ctx context.Context, tx *sql.Tx, projectID string) (float64, error) {
	agg, err := e.Repo.ProjectItemAggregatesTx(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	return percentFromAggregates(agg), nil
}

func percentFromAggregates(agg repo.ItemAggregates) float64 {
	if agg.TotalWeight > 0 {
		return roundTwo(agg.ApprovedWeight / agg.TotalWeight * 100)
	}
	if agg.TotalCount > 0 {
		return roundTwo(float64(agg.ApprovedCount) / float64(agg.TotalCount) * 100)
	}
	return 0
}

func roundTwo(v float64) float64 {
	return math.Round(v*100) / 100
}

// DecideOptions are parameters for one reviewer decision.
type DecideOptions struct {
	ItemID    int64
	Decision  string
	Remarks   string
	ActorID   string
	ActorRole string
	Origin    string
}

// DecideResult reports the applied decision.
type DecideResult struct {
	ItemID          int64   `json:"item_id"`
	PreviousStatus  string  `json:"previous_status"`
	NewStatus       string  `json:"new_status"`
	ProjectID       string  `json:"project_id"`
	ProgressPercent float64 `json:"progress_percent"`
}

// Decide is the single state-changing entry point for reviewers. One
// transaction covers the item update, the submission mirror, the log row, and
// the progress snapshot; a failure at any step rolls everything back. The
// capability check runs before any business read, and the item is re-read
// inside the write transaction so the status the decision is validated against
// is the one that gets updated.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (DecideResult, error) {
	var res DecideResult
	if opts.ItemID <= 0 {
		return res, errors.New("item id required")
	}
	if opts.ActorID == "" {
		return res, errors.New("actor required")
	}
	spec, err := domain.ResolveDecision(opts.Decision)
	if err != nil {
		return res, err
	}
	if spec.RemarksNeeded && strings.TrimSpace(opts.Remarks) == "" {
		return res, fmt.Errorf("remarks required for %s", spec.Action)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	projectID, lookupErr := e.Repo.ItemProjectIDTx(ctx, tx, opts.ItemID)
	if lookupErr != nil && !errors.Is(lookupErr, repo.ErrNotFound) {
		return res, lookupErr
	}
	if errors.Is(lookupErr, repo.ErrNotFound) {
		// Still fail closed: an actor without the capability anywhere learns
		// nothing about which item ids exist.
		allowed, err := e.Auth.ActorHasPermissionAny(ctx, tx, opts.ActorID, "validation.manage")
		if err != nil {
			return res, err
		}
		if !allowed {
			return res, auth.ForbiddenError{Permission: "validation.manage"}
		}
		return res, repo.ErrNotFound
	}
	allowed, err := e.Auth.ActorHasPermission(ctx, tx, projectID, opts.ActorID, "validation.manage")
	if err != nil {
		return res, err
	}
	if !allowed {
		return res, auth.ForbiddenError{Permission: "validation.manage"}
	}

	item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return res, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateItemReviewTx(ctx, tx, item.ID, spec.TargetStatus, opts.ActorID, opts.Remarks, now); err != nil {
		return res, err
	}
	if item.LastSubmissionID != nil {
		if err := e.Repo.MirrorReviewTx(ctx, tx, *item.LastSubmissionID, spec.TargetStatus, opts.ActorID, opts.Remarks, now); err != nil {
			return res, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		ItemID:         item.ID,
		SubmissionID:   item.LastSubmissionID,
		ActionType:     spec.Action,
		PreviousStatus: item.Status,
		NewStatus:      spec.TargetStatus,
		Remarks:        opts.Remarks,
		ActorID:        opts.ActorID,
		ActorRole:      opts.ActorRole,
		Origin:         opts.Origin,
	}); err != nil {
		return res, fmt.Errorf("append validation log: %w", err)
	}
	percent, err := e.projectPercentTx(ctx, tx, item.ProjectID)
	if err != nil {
		return res, err
	}
	if err := e.Repo.InsertProgressTx(ctx, tx, item.ProjectID, percent, opts.ActorID, now); err != nil {
		return res, fmt.Errorf("insert progress snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return DecideResult{
		ItemID:          item.ID,
		PreviousStatus:  item.Status,
		NewStatus:       spec.TargetStatus,
		ProjectID:       item.ProjectID,
		ProgressPercent: percent,
	}, nil
}

// ItemDetail bundles one item with its full submission and audit history.
type ItemDetail struct {
	Item        domain.ValidationItem  `json:"item"`
	Submissions []domain.Submission    `json:"submissions"`
	Logs        []domain.ValidationLog `json:"logs"`
}

func (e Engine) GetItemDetail(ctx context.Context, itemID int64) (ItemDetail, error) {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return ItemDetail{}, err
	}
	subs, err := e.Repo.ListSubmissionsByItem(ctx, itemID)
	if err != nil {
		return ItemDetail{}, err
	}
	logs, err := e.Repo.ListLogsByItem(ctx, itemID)
	if err != nil {
		return ItemDetail{}, err
	}
	return ItemDetail{Item: item, Submissions: subs, Logs: logs}, nil
}
