package bookingdb

import (
	"context"
	"database/sql"
	"time"
)

// Step is one journal row.
type Step struct {
	Step      string    `json:"step"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal appends saga steps to booking_saga_steps. The table is created by
// SagaStore.InitSchema.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// AddStep appends a saga step row.
func (j *Journal) AddStep(ctx context.Context, sagaID, step, detail string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO booking_saga_steps (saga_id, step, detail)
		VALUES ($1, $2, $3)`,
		sagaID, step, detail,
	)
	return err
}

// Steps returns the steps of one saga in the order they were written.
func (j *Journal) Steps(ctx context.Context, sagaID string) ([]Step, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, detail, created_at
		FROM booking_saga_steps
		WHERE saga_id = $1
		ORDER BY id`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var detail sql.NullString
		if err := rows.Scan(&st.Step, &detail, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Detail = detail.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
