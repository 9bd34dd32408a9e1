package repo

import (
	"context"
	"database/sql"

	"civitrack/internal/domain"
)

const submissionColumns = `id,item_id,version_no,progress_percent,summary,attachment_ref,submitted_by,submitter_role,submitted_at,validation_result,reviewed_by,reviewed_at,reviewer_remarks`

func scanSubmission(row itemScanner) (domain.Submission, error) {
	var s domain.Submission
	var summary, attachment, role, result, reviewedBy, reviewedAt, remarks sql.NullString
	err := row.Scan(&s.ID, &s.ItemID, &s.VersionNo, &s.ProgressPercent, &summary, &attachment,
		&s.SubmittedBy, &role, &s.SubmittedAt, &result, &reviewedBy, &reviewedAt, &remarks)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if summary.Valid {
		s.Summary = summary.String
	}
	if attachment.Valid {
		s.AttachmentRef = &attachment.String
	}
	if role.Valid {
		s.SubmitterRole = role.String
	}
	if result.Valid {
		s.ValidationResult = &result.String
	}
	if reviewedBy.Valid {
		s.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		s.ReviewedAt = &reviewedAt.String
	}
	if remarks.Valid {
		s.ReviewerRemarks = &remarks.String
	}
	return s, nil
}

// MaxSubmissionVersionTx returns the highest version recorded for an item,
// zero when the item has no submissions yet.
func (r Repo) MaxSubmissionVersionTx(ctx context.Context, tx *sql.Tx, itemID int64) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_no),0) FROM submissions WHERE item_id=?`, itemID).Scan(&v)
	return v, err
}

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO submissions(item_id,version_no,progress_percent,summary,attachment_ref,submitted_by,submitter_role,submitted_at)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ItemID, s.VersionNo, s.ProgressPercent, nullable(s.Summary), nullableStringPtr(s.AttachmentRef), s.SubmittedBy, nullable(s.SubmitterRole), s.SubmittedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MirrorReviewTx records the validation outcome on a submission. Submissions
// are otherwise immutable; this is the one sanctioned update.
func (r Repo) MirrorReviewTx(ctx context.Context, tx *sql.Tx, submissionID int64, result, reviewerID, remarks, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE submissions SET validation_result=?, reviewed_by=?, reviewed_at=?, reviewer_remarks=? WHERE id=?`,
		result, reviewerID, now, nullable(remarks), submissionID)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id int64) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

func (r Repo) ListSubmissionsByItem(ctx context.Context, itemID int64) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE item_id=? ORDER BY version_no ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
