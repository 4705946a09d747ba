// Package store keeps rooms and confirmed entities in sqlite. The hub loads
// its registry from here at startup; the only write path is confirming a
// discovered device.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/device"
)

var log *logrus.Entry

var (
	// ErrNotFound is returned when no entity has the id
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when an entity with the id is already stored
	ErrExists = errors.New("entity already exists")
)

// Store wraps the sqlite connection
type Store struct {
	db *sql.DB
}

// Open opens the database and initializes the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps sqlite from returning busy under concurrent confirms
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debugf("Opened store at %s", path)
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			image TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			manufacturer TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			room_id INTEGER REFERENCES rooms(id) ON DELETE SET NULL,
			status TEXT NOT NULL DEFAULT '{}',
			config TEXT NOT NULL DEFAULT '{}',
			last_updated INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entities_room ON entities(room_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create entities table: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const entityColumns = `id, name, type, manufacturer, model, room_id, status, config`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (device.Entity, error) {
	var (
		e              device.Entity
		entityType     string
		roomID         sql.NullInt64
		status, config string
	)
	if err := row.Scan(&e.ID, &e.Name, &entityType, &e.Manufacturer, &e.Model, &roomID, &status, &config); err != nil {
		return device.Entity{}, err
	}
	e.Type = device.Type(entityType)
	if roomID.Valid {
		id := roomID.Int64
		e.RoomID = &id
	}
	if err := json.Unmarshal([]byte(config), &e.Config); err != nil {
		log.Warnf("Entity %s has unreadable config: %v", e.ID, err)
	}
	var bag map[string]interface{}
	if err := json.Unmarshal([]byte(status), &bag); err != nil {
		log.Warnf("Entity %s has unreadable status: %v", e.ID, err)
		return e, nil
	}
	parsed, err := device.ParseStatus(bag)
	if err != nil {
		log.Warnf("Entity %s has malformed status: %v", e.ID, err)
		return e, nil
	}
	e.Status = parsed
	return e, nil
}

// ListEntities returns every stored entity ordered by id
func (s *Store) ListEntities(ctx context.Context) ([]device.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []device.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GetEntity returns one entity or ErrNotFound
func (s *Store) GetEntity(ctx context.Context, id string) (device.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return device.Entity{}, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return e, nil
}

// AddEntity stores a new entity, ErrExists if the id is taken
func (s *Store) AddEntity(ctx context.Context, e device.Entity) error {
	status, err := json.Marshal(e.Status.Bag())
	if err != nil {
		return fmt.Errorf("failed to encode status of %s: %w", e.ID, err)
	}
	config := []byte("{}")
	if e.Config != nil {
		if config, err = json.Marshal(e.Config); err != nil {
			return fmt.Errorf("failed to encode config of %s: %w", e.ID, err)
		}
	}
	var roomID interface{}
	if e.RoomID != nil {
		roomID = *e.RoomID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, type, manufacturer, model, room_id, status, config, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Name, string(e.Type), e.Manufacturer, e.Model, roomID, string(status), string(config), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add entity %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	log.Infof("Added entity %s (%s)", e.ID, e.Type)
	return nil
}

// AddRoom creates a room and returns its id
func (s *Store) AddRoom(ctx context.Context, name string, image string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO rooms (name, image) VALUES (?, ?)`, name, image)
	if err != nil {
		return 0, fmt.Errorf("failed to add room %s: %w", name, err)
	}
	return res.LastInsertId()
}

// AssignRoom moves an entity into a room
func (s *Store) AssignRoom(ctx context.Context, entityID string, roomID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET room_id = ?, last_updated = ? WHERE id = ?`,
		roomID, time.Now().Unix(), entityID)
	if err != nil {
		return fmt.Errorf("failed to assign %s to room %d: %w", entityID, roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	return nil
}

// ListRooms returns the rooms with their member entities, ordered by id
func (s *Store) ListRooms(ctx context.Context) ([]device.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, image FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	var rooms []device.Room
	index := make(map[int64]int)
	for rows.Next() {
		var r device.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Image); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		r.Entities = []device.RawDevice{}
		index[r.ID] = len(rooms)
		rooms = append(rooms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entities, err := s.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.RoomID == nil {
			continue
		}
		if i, ok := index[*e.RoomID]; ok {
			rooms[i].Entities = append(rooms[i].Entities, e.Raw())
		}
	}
	return rooms, nil
}

func init() {
	log = logrus.WithField("prefix", "store")
}
