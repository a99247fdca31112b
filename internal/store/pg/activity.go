package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"koormatics.org/internal/activity"
)

var _ activity.Store = (*Store)(nil)

// Append writes one activity-log row.
func (s *Store) Append(ctx context.Context, entry activity.Entry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	fields := []byte("{}")
	if len(entry.Fields) > 0 {
		data, err := json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fields = data
	}
	_, err := s.db.ExecContext(ctx, `
		insert into activity_log (id, occurred_at, user_id, request_id, event, fields)
		values ($1, $2, nullif($3,''), nullif($4,''), $5, $6)
	`, entry.ID, entry.OccurredAt, entry.UserID, entry.RequestID, entry.Event, fields)
	return err
}
