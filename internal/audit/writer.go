package audit

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends validation log rows. Entries are written inside the caller's
// transaction so a failed workflow operation leaves no log behind.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	ItemID         int64
	SubmissionID   *int64
	ActionType     string
	PreviousStatus string
	NewStatus      string
	Remarks        string
	ActorID        string
	ActorRole      string
	Origin         string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	origin := e.Origin
	if origin == "" {
		origin = "cli"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_logs(item_id,submission_id,action_type,previous_status,new_status,remarks,actor_id,actor_role,origin,ts)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ItemID, nullableInt64(e.SubmissionID), e.ActionType, e.PreviousStatus, e.NewStatus, nullable(e.Remarks), e.ActorID, nullable(e.ActorRole), origin, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
