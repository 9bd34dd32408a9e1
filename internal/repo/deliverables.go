package repo

import (
	"context"
	"database/sql"

	"civitrack/internal/domain"
)

// tableExists reports whether a table is present in the schema. Deliverable
// source tables are owned by the planning side and may not exist yet.
func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return n > 0, err
}

var sourceTables = map[string]string{
	domain.DeliverableTask:      "tasks",
	domain.DeliverableMilestone: "milestones",
}

// ListSourceDeliverablesTx reads the deliverable rows of one source table for a
// project. A missing table yields an empty list, not an error.
func (r Repo) ListSourceDeliverablesTx(ctx context.Context, tx *sql.Tx, projectID, deliverableType string) ([]domain.Deliverable, error) {
	table, ok := sourceTables[deliverableType]
	if !ok {
		return nil, nil
	}
	exists, err := tableExists(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, name, COALESCE(weight,0) FROM `+table+` WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d := domain.Deliverable{ProjectID: projectID, Type: deliverableType}
		if err := rows.Scan(&d.RefID, &d.Name, &d.Weight); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
