// Package record persists tenant, VM and checkpoint records in a single
// local SQLite database, the record-of-truth the rest of the control plane
// reconciles effective VM state against.
package record

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite connection holding the users, vms and checkpoints
// tables.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
	user_id              TEXT NOT NULL,
	name                 TEXT NOT NULL,
	cpus                 INTEGER NOT NULL,
	mem_mib              INTEGER NOT NULL,
	state                TEXT NOT NULL,
	pid                  INTEGER,
	control_socket_path  TEXT NOT NULL,
	kernel_path          TEXT NOT NULL,
	rootfs_path          TEXT NOT NULL,
	net_index            INTEGER NOT NULL,
	tap_name             TEXT NOT NULL,
	guest_ip             TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	PRIMARY KEY (user_id, name)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	vm_name       TEXT NOT NULL,
	label         TEXT NOT NULL,
	snapshot_dir  TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_vm ON checkpoints(user_id, vm_name);
`

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	// A single writer process touches this file; one connection avoids
	// SQLITE_BUSY from concurrent writers within the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("record: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// User is one authenticated tenant.
type User struct {
	ID        string
	Name      string
	TokenHash string
	CreatedAt time.Time
}

// CreateUser inserts a new tenant row.
func (s *Store) CreateUser(u User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.TokenHash, u.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record: create user: %w", err)
	}
	return nil
}

// UserByTokenHash looks up a tenant by the hash of its bearer token.
func (s *Store) UserByTokenHash(hash string) (User, bool, error) {
	var u User
	var createdAt int64
	row := s.db.QueryRow(`SELECT id, name, token_hash, created_at FROM users WHERE token_hash = ?`, hash)
	if err := row.Scan(&u.ID, &u.Name, &u.TokenHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("record: lookup user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return u, true, nil
}

// UserByID looks up a tenant by its identity, used to project the display
// name on GET /v1/whoami.
func (s *Store) UserByID(id string) (User, bool, error) {
	var u User
	var createdAt int64
	row := s.db.QueryRow(`SELECT id, name, token_hash, created_at FROM users WHERE id = ?`, id)
	if err := row.Scan(&u.ID, &u.Name, &u.TokenHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("record: lookup user by id: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return u, true, nil
}

// VM is one persisted VM record.
type VM struct {
	UserID            string
	Name              string
	Cpus              int
	MemMiB            int
	State             string
	PID               *int
	ControlSocketPath string
	KernelPath        string
	RootfsPath        string
	NetIndex          int
	TapName           string
	GuestIP           string
	CreatedAt         time.Time
}

// CreateVM inserts a new VM record. A duplicate (user_id, name) violates the
// table's primary key and is returned as an error.
func (s *Store) CreateVM(v VM) error {
	var pid any
	if v.PID != nil {
		pid = *v.PID
	}
	_, err := s.db.Exec(
		`INSERT INTO vms (user_id, name, cpus, mem_mib, state, pid, control_socket_path, kernel_path, rootfs_path, net_index, tap_name, guest_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.UserID, v.Name, v.Cpus, v.MemMiB, v.State, pid, v.ControlSocketPath, v.KernelPath, v.RootfsPath, v.NetIndex, v.TapName, v.GuestIP, v.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record: create vm: %w", err)
	}
	return nil
}

const vmColumns = `user_id, name, cpus, mem_mib, state, pid, control_socket_path, kernel_path, rootfs_path, net_index, tap_name, guest_ip, created_at`

func scanVM(row interface {
	Scan(dest ...any) error
}) (VM, error) {
	var v VM
	var createdAt int64
	var pid sql.NullInt64
	err := row.Scan(&v.UserID, &v.Name, &v.Cpus, &v.MemMiB, &v.State, &pid, &v.ControlSocketPath, &v.KernelPath, &v.RootfsPath, &v.NetIndex, &v.TapName, &v.GuestIP, &createdAt)
	if err != nil {
		return VM{}, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		v.PID = &p
	}
	v.CreatedAt = time.Unix(createdAt, 0)
	return v, nil
}

// GetVM fetches one VM record by owner and name.
func (s *Store) GetVM(userID, name string) (VM, bool, error) {
	row := s.db.QueryRow(`SELECT `+vmColumns+` FROM vms WHERE user_id = ? AND name = ?`, userID, name)
	v, err := scanVM(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return VM{}, false, nil
		}
		return VM{}, false, fmt.Errorf("record: get vm: %w", err)
	}
	return v, true, nil
}

// ListVMs returns every VM owned by userID.
func (s *Store) ListVMs(userID string) ([]VM, error) {
	rows, err := s.db.Query(`SELECT `+vmColumns+` FROM vms WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("record: list vms: %w", err)
	}
	defer rows.Close()

	var out []VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("record: scan vm: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AllVMs returns every VM record across all tenants, used for the startup
// reconciliation pass.
func (s *Store) AllVMs() ([]VM, error) {
	rows, err := s.db.Query(`SELECT ` + vmColumns + ` FROM vms ORDER BY user_id, name`)
	if err != nil {
		return nil, fmt.Errorf("record: list all vms: %w", err)
	}
	defer rows.Close()

	var out []VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("record: scan vm: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVMState updates a VM's recorded state and PID in place.
func (s *Store) UpdateVMState(userID, name, state string, pid *int) error {
	var pidVal any
	if pid != nil {
		pidVal = *pid
	}
	res, err := s.db.Exec(
		`UPDATE vms SET state = ?, pid = ? WHERE user_id = ? AND name = ?`,
		state, pidVal, userID, name,
	)
	if err != nil {
		return fmt.Errorf("record: update vm state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record: update vm state rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record: no such vm %s/%s", userID, name)
	}
	return nil
}

// UpdateVMNetwork rewrites a VM's network binding after a restore/reload
// picks a fresh index, and its guest IP after a reconfigure.
func (s *Store) UpdateVMNetwork(userID, name string, netIndex int, tapName, guestIP string) error {
	_, err := s.db.Exec(
		`UPDATE vms SET net_index = ?, tap_name = ?, guest_ip = ? WHERE user_id = ? AND name = ?`,
		netIndex, tapName, guestIP, userID, name,
	)
	if err != nil {
		return fmt.Errorf("record: update vm network: %w", err)
	}
	return nil
}

// DeleteVM removes a VM's record.
func (s *Store) DeleteVM(userID, name string) error {
	_, err := s.db.Exec(`DELETE FROM vms WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("record: delete vm: %w", err)
	}
	return nil
}

// UsedNetIndexes returns every network index currently assigned to a VM,
// across all tenants, so the addressing allocator can pick an unused one.
// VMs running without a NIC are recorded with a negative index and excluded.
func (s *Store) UsedNetIndexes() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT net_index FROM vms WHERE net_index >= 0`)
	if err != nil {
		return nil, fmt.Errorf("record: list net indexes: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("record: scan net index: %w", err)
		}
		used[idx] = true
	}
	return used, rows.Err()
}

// Checkpoint is one persisted checkpoint record.
type Checkpoint struct {
	ID          string
	UserID      string
	VMName      string
	Label       string
	SnapshotDir string
	CreatedAt   time.Time
}

// CreateCheckpoint inserts a new checkpoint record.
func (s *Store) CreateCheckpoint(cp Checkpoint) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (id, user_id, vm_name, label, snapshot_dir, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.UserID, cp.VMName, cp.Label, cp.SnapshotDir, cp.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record: create checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint fetches one checkpoint by ID, scoped to its owner.
func (s *Store) GetCheckpoint(userID, id string) (Checkpoint, bool, error) {
	var cp Checkpoint
	var createdAt int64
	row := s.db.QueryRow(
		`SELECT id, user_id, vm_name, label, snapshot_dir, created_at FROM checkpoints WHERE user_id = ? AND id = ?`,
		userID, id,
	)
	if err := row.Scan(&cp.ID, &cp.UserID, &cp.VMName, &cp.Label, &cp.SnapshotDir, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("record: get checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(createdAt, 0)
	return cp, true, nil
}

// ListCheckpoints returns every checkpoint of one VM, most recent first.
func (s *Store) ListCheckpoints(userID, vmName string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, vm_name, label, snapshot_dir, created_at FROM checkpoints
		 WHERE user_id = ? AND vm_name = ? ORDER BY created_at DESC`,
		userID, vmName,
	)
	if err != nil {
		return nil, fmt.Errorf("record: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.ID, &cp.UserID, &cp.VMName, &cp.Label, &cp.SnapshotDir, &createdAt); err != nil {
			return nil, fmt.Errorf("record: scan checkpoint: %w", err)
		}
		cp.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a checkpoint record.
func (s *Store) DeleteCheckpoint(userID, id string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("record: delete checkpoint: %w", err)
	}
	return nil
}
