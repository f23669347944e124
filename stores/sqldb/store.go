// Package sqldb stores documents as JSON rows in a SQL database. The same
// code serves SQLite, MySQL and PostgreSQL; only placeholders, row locking and
// migrations differ per dialect.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/feed"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations
var migrations embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Dialect describes how to talk to one SQL engine.
type Dialect struct {
	Name     string
	Driver   string
	Goose    string
	Numbered bool // $1-style placeholders
	Locking  bool // supports SELECT ... FOR UPDATE
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite", Goose: "sqlite3"}
	MySQL    = Dialect{Name: "mysql", Driver: "mysql", Goose: "mysql", Locking: true}
	Postgres = Dialect{Name: "postgres", Driver: "pgx", Goose: "postgres", Numbered: true, Locking: true}
)

// DialectByName resolves a STORAGE_TYPE value.
func DialectByName(name string) (Dialect, bool) {
	switch name {
	case SQLite.Name:
		return SQLite, true
	case MySQL.Name:
		return MySQL, true
	case Postgres.Name:
		return Postgres, true
	}
	return Dialect{}, false
}

type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	feed    *feed.Feed
	now     func() time.Time
}

// NewStore opens dataSourceName, applies migrations and starts the change
// feed. poll controls how often writes from other server processes are picked up.
func NewStore(ctx context.Context, d Dialect, dataSourceName string, poll time.Duration) (*sqlStore, error) {
	db, err := sql.Open(d.Driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.Name, err)
	}
	if d == SQLite {
		// A single connection avoids SQLITE_BUSY between the feed and writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", d.Name, err)
	}
	if err := migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s database: %w", d.Name, err)
	}

	s := &sqlStore{db: db, dialect: d, now: time.Now}
	s.feed = feed.New(s.load, poll)
	logrus.WithField("dialect", d.Name).Info("SQL document store ready")
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(d.Goose); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations/"+d.Name)
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) load(ctx context.Context, collection string) ([]core.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT id, data FROM documents WHERE collection = ? ORDER BY id"), collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []core.Record{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var fields core.Fields
		if err := json.Unmarshal(data, &fields); err != nil {
			logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id}).WithError(err).Warn("Skipping undecodable document")
			continue
		}
		records = append(records, core.Record{ID: id, Fields: fields})
	}
	return records, rows.Err()
}

func (s *sqlStore) Subscribe(collection string, onSnapshot core.SnapshotFunc) core.Unsubscribe {
	return s.feed.Subscribe(collection, onSnapshot)
}

func (s *sqlStore) Insert(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	if err := s.InsertWithID(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqlStore) InsertWithID(ctx context.Context, collection, id string, fields core.Fields) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	now := s.now()
	data, err := json.Marshal(core.ResolveTimestamps(fields, now))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	// The primary key settles concurrent inserts of the same id.
	_, err = s.db.ExecContext(ctx,
		s.rebind("INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)"),
		collection, id, string(data), now.UnixMilli())
	if err != nil {
		if duplicateKey(err) {
			log.Warn("Document already exists")
			return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrAlreadyExists)
		}
		log.WithError(err).Error("Failed to create document")
		return err
	}

	log.WithField("data_length", len(data)).Info("Document created successfully")
	s.feed.Notify(collection)
	return nil
}

// duplicateKey reports whether err is a primary key violation from any of
// the supported drivers.
func duplicateKey(err error) bool {
	var (
		pgErr    *pgconn.PgError
		mysqlErr *mysql.MySQLError
		liteErr  *sqlite.Error
	)
	switch {
	case errors.As(err, &pgErr):
		return pgErr.Code == "23505" // unique_violation
	case errors.As(err, &mysqlErr):
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	case errors.As(err, &liteErr):
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func (s *sqlStore) Get(ctx context.Context, collection, id string) (*core.Record, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT data FROM documents WHERE collection = ? AND id = ?"), collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		return nil, err
	}
	var fields core.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &core.Record{ID: id, Fields: fields}, nil
}

func (s *sqlStore) MergeUpdate(ctx context.Context, collection, id string, fields core.Fields) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := "SELECT data FROM documents WHERE collection = ? AND id = ?"
	if s.dialect.Locking {
		query += " FOR UPDATE"
	}
	var data []byte
	if err := tx.QueryRowContext(ctx, s.rebind(query), collection, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Document not found for update")
			return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		return err
	}

	var existing core.Fields
	if err := json.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("decode document %s: %w", id, err)
	}
	now := s.now()
	merged, err := json.Marshal(core.Merge(existing, core.ResolveTimestamps(fields, now)))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind("UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?"),
		string(merged), now.UnixMilli(), collection, id)
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info("Document updated successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, collection, id string) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	result, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM documents WHERE collection = ? AND id = ?"), collection, id)
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		log.Debug("Document not found for deletion, considered successful.")
		return nil
	}

	log.Info("Document deleted successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *sqlStore) Close() error {
	s.feed.Close()
	return s.db.Close()
}
