package repo

import (
	"context"
	"database/sql"

	"civitrack/internal/domain"
)

const itemColumns = `id,project_id,deliverable_type,deliverable_ref_id,deliverable_name,weight,status,last_submission_id,submitted_by,submitted_at,reviewed_by,reviewed_at,reviewer_remarks,created_at,updated_at`

type itemScanner interface {
	Scan(dest ...any) error
}

func scanItem(row itemScanner) (domain.ValidationItem, error) {
	var it domain.ValidationItem
	var lastSubmission sql.NullInt64
	var submittedBy, submittedAt, reviewedBy, reviewedAt, remarks sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.DeliverableType, &it.DeliverableRefID, &it.DeliverableName,
		&it.Weight, &it.Status, &lastSubmission, &submittedBy, &submittedAt, &reviewedBy, &reviewedAt, &remarks,
		&it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if lastSubmission.Valid {
		it.LastSubmissionID = &lastSubmission.Int64
	}
	if submittedBy.Valid {
		it.SubmittedBy = &submittedBy.String
	}
	if submittedAt.Valid {
		it.SubmittedAt = &submittedAt.String
	}
	if reviewedBy.Valid {
		it.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		it.ReviewedAt = &reviewedAt.String
	}
	if remarks.Valid {
		it.ReviewerRemarks = &remarks.String
	}
	return it, nil
}

func (r Repo) GetItem(ctx context.Context, id int64) (domain.ValidationItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM validation_items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id int64) (domain.ValidationItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM validation_items WHERE id=?`, id))
}

// ItemProjectIDTx resolves an item id to its owning project without reading
// review state; used for authorization scoping.
func (r Repo) ItemProjectIDTx(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
	var projectID string
	err := tx.QueryRowContext(ctx, `SELECT project_id FROM validation_items WHERE id=?`, id).Scan(&projectID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return projectID, err
}

// InsertItemIgnoreTx inserts a validation item keyed by
// (project_id, deliverable_type, deliverable_ref_id), ignoring the insert when
// the key already exists. It reports whether a row was created.
func (r Repo) InsertItemIgnoreTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO validation_items(project_id,deliverable_type,deliverable_ref_id,deliverable_name,weight,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		d.ProjectID, d.Type, d.RefID, d.Name, d.Weight, status, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RefreshItemNameTx updates only the display name of an existing item. Status,
// weight, and review fields stay untouched so in-flight reviews are never
// clobbered by a sync.
func (r Repo) RefreshItemNameTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `UPDATE validation_items SET deliverable_name=? WHERE project_id=? AND deliverable_type=? AND deliverable_ref_id=? AND deliverable_name<>?`,
		d.Name, d.ProjectID, d.Type, d.RefID, d.Name)
	return err
}

func (r Repo) GetItemByKeyTx(ctx context.Context, tx *sql.Tx, projectID, deliverableType, refID string) (domain.ValidationItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM validation_items WHERE project_id=? AND deliverable_type=? AND deliverable_ref_id=?`,
		projectID, deliverableType, refID))
}

// UpdateItemReviewTx applies a reviewer decision to the item row.
func (r Repo) UpdateItemReviewTx(ctx context.Context, tx *sql.Tx, id int64, status, reviewerID, remarks, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE validation_items SET status=?, reviewed_by=?, reviewed_at=?, reviewer_remarks=?, updated_at=? WHERE id=?`,
		status, reviewerID, now, nullable(remarks), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItemSubmissionTx points the item at its newest submission and
// advances its status.
func (r Repo) UpdateItemSubmissionTx(ctx context.Context, tx *sql.Tx, id, submissionID int64, status, submitterID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE validation_items SET status=?, last_submission_id=?, submitted_by=?, submitted_at=?, updated_at=? WHERE id=?`,
		status, submissionID, submitterID, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	ProjectID       string
	Status          string
	DeliverableType string
	Page            int
	PerPage         int
}

// ListItems returns one page of items plus the unpaginated total.
func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.ValidationItem, int, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DeliverableType != "" {
		clauses = append(clauses, "deliverable_type=?")
		args = append(args, f.DeliverableType)
	}
	where := buildWhere(clauses)

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_items `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + itemColumns + ` FROM validation_items ` + where + ` ORDER BY project_id ASC, deliverable_type ASC, id ASC`
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.PerPage, (page-1)*f.PerPage)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.ValidationItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, it)
	}
	return res, total, rows.Err()
}

func (r Repo) CountItemsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM validation_items `+buildWhere(clauses)+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ItemAggregates holds the sums the progress aggregator works from.
type ItemAggregates struct {
	TotalWeight    float64
	ApprovedWeight float64
	TotalCount     int
	ApprovedCount  int
}

const aggregatesQuery = `SELECT
COALESCE(SUM(weight),0),
COALESCE(SUM(CASE WHEN status=? THEN weight ELSE 0 END),0),
COUNT(*),
COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0)
FROM validation_items WHERE project_id=?`

func (r Repo) ProjectItemAggregates(ctx context.Context, projectID string) (ItemAggregates, error) {
	var agg ItemAggregates
	err := r.DB.QueryRowContext(ctx, aggregatesQuery, domain.ItemApproved, domain.ItemApproved, projectID).
		Scan(&agg.TotalWeight, &agg.ApprovedWeight, &agg.TotalCount, &agg.ApprovedCount)
	return agg, err
}

func (r Repo) ProjectItemAggregatesTx(ctx context.Context, tx *sql.Tx, projectID string) (ItemAggregates, error) {
	var agg ItemAggregates
	err := tx.QueryRowContext(ctx, aggregatesQuery, domain.ItemApproved, domain.ItemApproved, projectID).
		Scan(&agg.TotalWeight, &agg.ApprovedWeight, &agg.TotalCount, &agg.ApprovedCount)
	return agg, err
}
