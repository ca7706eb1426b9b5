package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xfeldman/deskvm/internal/portalloc"
)

// Instance is the persisted record of one sandbox.
type Instance struct {
	ID             string            `json:"id"`
	State          string            `json:"state"`
	Readiness      string            `json:"readiness"`
	ContainerID    string            `json:"container_id,omitempty"`
	ContainerName  string            `json:"container_name,omitempty"`
	Ports          portalloc.PortSet `json:"ports"`
	OSType         string            `json:"os_type,omitempty"`
	ContainerImage string            `json:"container_image,omitempty"`
	DiskImage      string            `json:"disk_image,omitempty"`
	OwnerPID       int               `json:"owner_pid,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

const instanceColumns = `id, state, readiness, container_id, container_name, ports, os_type,
	container_image, disk_image, owner_pid, created_at, updated_at`

// SaveInstance inserts or replaces an instance.
func (d *DB) SaveInstance(inst *Instance) error {
	portsJSON, _ := json.Marshal(inst.Ports)

	_, err := d.db.Exec(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			readiness = excluded.readiness,
			container_id = excluded.container_id,
			container_name = excluded.container_name,
			ports = excluded.ports,
			os_type = excluded.os_type,
			container_image = excluded.container_image,
			disk_image = excluded.disk_image,
			owner_pid = excluded.owner_pid,
			updated_at = excluded.updated_at
	`, inst.ID, inst.State, inst.Readiness, inst.ContainerID, inst.ContainerName,
		string(portsJSON), inst.OSType, inst.ContainerImage, inst.DiskImage, inst.OwnerPID,
		inst.CreatedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetInstance retrieves an instance by ID. A missing instance is (nil, nil).
func (d *DB) GetInstance(id string) (*Instance, error) {
	row := d.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListInstances returns all instances, newest first.
func (d *DB) ListInstances() ([]*Instance, error) {
	rows, err := d.db.Query(`SELECT ` + instanceColumns + ` FROM instances ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateState updates an instance's lifecycle state.
func (d *DB) UpdateState(id, state string) error {
	res, err := d.db.Exec(`
		UPDATE instances SET state = ?, updated_at = ? WHERE id = ?
	`, state, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// DeleteInstance removes an instance and its events.
func (d *DB) DeleteInstance(id string) error {
	if _, err := d.db.Exec(`DELETE FROM events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM instances WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*Instance, error) {
	var inst Instance
	var portsJSON, createdStr, updatedStr string

	err := s.Scan(&inst.ID, &inst.State, &inst.Readiness, &inst.ContainerID, &inst.ContainerName,
		&portsJSON, &inst.OSType, &inst.ContainerImage, &inst.DiskImage, &inst.OwnerPID,
		&createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(portsJSON), &inst.Ports)
	inst.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return &inst, nil
}
