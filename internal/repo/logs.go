package repo

import (
	"context"
	"database/sql"

	"civitrack/internal/domain"
)

const logColumns = `id,item_id,submission_id,action_type,previous_status,new_status,remarks,actor_id,actor_role,origin,ts`

func scanLog(row itemScanner) (domain.ValidationLog, error) {
	var l domain.ValidationLog
	var submissionID sql.NullInt64
	var remarks, role, origin sql.NullString
	err := row.Scan(&l.ID, &l.ItemID, &submissionID, &l.ActionType, &l.PreviousStatus, &l.NewStatus,
		&remarks, &l.ActorID, &role, &origin, &l.TS)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if submissionID.Valid {
		l.SubmissionID = &submissionID.Int64
	}
	if remarks.Valid {
		l.Remarks = remarks.String
	}
	if role.Valid {
		l.ActorRole = role.String
	}
	if origin.Valid {
		l.Origin = origin.String
	}
	return l, nil
}

func (r Repo) ListLogsByItem(ctx context.Context, itemID int64) ([]domain.ValidationLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM validation_logs WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLogsByItem(ctx context.Context, itemID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_logs WHERE item_id=?`, itemID).Scan(&n)
	return n, err
}

// LogsAfter returns log entries with IDs greater than the cursor in ascending
// order; used by the webhook dispatcher.
func (r Repo) LogsAfter(ctx context.Context, limit int, cursor int64) ([]domain.ValidationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM validation_logs WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LatestLogID returns the most recent validation log ID.
func (r Repo) LatestLogID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM validation_logs`).Scan(&id)
	return id, err
}
