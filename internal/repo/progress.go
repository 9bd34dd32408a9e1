package repo

import (
	"context"
	"database/sql"

	"civitrack/internal/domain"
)

func (r Repo) InsertProgressTx(ctx context.Context, tx *sql.Tx, projectID string, percent float64, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_progress_updates(project_id,progress_percent,actor_id,ts) VALUES (?,?,?,?)`,
		projectID, percent, actorID, now)
	return err
}

// LatestProgress returns the most recent snapshot for a project.
func (r Repo) LatestProgress(ctx context.Context, projectID string) (domain.ProjectProgressUpdate, error) {
	var u domain.ProjectProgressUpdate
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,progress_percent,actor_id,ts FROM project_progress_updates WHERE project_id=? ORDER BY id DESC LIMIT 1`, projectID).
		Scan(&u.ID, &u.ProjectID, &u.ProgressPercent, &u.ActorID, &u.TS)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListProgress(ctx context.Context, projectID string, limit int) ([]domain.ProjectProgressUpdate, error) {
	query := `SELECT id,project_id,progress_percent,actor_id,ts FROM project_progress_updates WHERE project_id=? ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectProgressUpdate
	for rows.Next() {
		var u domain.ProjectProgressUpdate
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.ProgressPercent, &u.ActorID, &u.TS); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountProgress(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM project_progress_updates WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) InsertStatusHistoryTx(ctx context.Context, tx *sql.Tx, projectID, status, actorID, note, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_status_history(project_id,status,actor_id,note,ts) VALUES (?,?,?,?,?)`,
		projectID, status, actorID, nullable(note), now)
	return err
}

func (r Repo) ListStatusHistory(ctx context.Context, projectID string) ([]domain.ProjectStatusHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,status,actor_id,note,ts FROM project_status_history WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectStatusHistory
	for rows.Next() {
		var h domain.ProjectStatusHistory
		var note sql.NullString
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.Status, &h.ActorID, &note, &h.TS); err != nil {
			return nil, err
		}
		if note.Valid {
			h.Note = note.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
