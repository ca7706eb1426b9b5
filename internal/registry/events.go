package registry

import "time"

// Event is one entry in an instance's history (state and readiness changes,
// repair runs).
type Event struct {
	Seq        int64     `json:"seq"`
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// AppendEvent records an event for an instance.
func (d *DB) AppendEvent(instanceID, kind, detail string) error {
	_, err := d.db.Exec(`
		INSERT INTO events (instance_id, kind, detail, at) VALUES (?, ?, ?, ?)
	`, instanceID, kind, detail, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ListEvents returns an instance's events, oldest first.
func (d *DB) ListEvents(instanceID string) ([]Event, error) {
	rows, err := d.db.Query(`
		SELECT seq, instance_id, kind, detail, at FROM events WHERE instance_id = ? ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.Seq, &e.InstanceID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, e)
	}
	return events, rows.Err()
}
