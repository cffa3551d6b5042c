package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/core"
)

// Store drivers.
const (
	DriverLibsql   = "libsql"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// localBusyTimeoutMs bounds how long a local writer waits on a locked
// database file before failing.
const localBusyTimeoutMs = 5000

// Backend is the full record store surface used by the engine, the
// retention sweeper and the admin commands.
type Backend interface {
	FindOrCreate(ctx context.Context, seed *core.Record) (*core.Record, error)
	Get(ctx context.Context, connectionID string) (*core.Record, error)
	Save(ctx context.Context, rec *core.Record) error
	Delete(ctx context.Context, connectionID string) error
	List(ctx context.Context, q RecordQuery) ([]*core.Record, error)
	Count(ctx context.Context, q RecordQuery) (int, error)
	DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error)
	CountStale(ctx context.Context, cutoff time.Time) (int, error)
	Aggregate(ctx context.Context) (core.Aggregate, error)
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Store is the libsql Backend.
type Store struct {
	DB     *sql.DB
	driver string
}

// OpenBackend opens the record store selected by cfg.Driver and prepares
// its schema.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverLibsql:
		s, err := Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case DriverDynamoDB:
		return OpenDynamoDB(ctx, cfg.DynamoDB)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Open connects to the libsql database named by cfg.URL or cfg.Path.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if driver := normalizeDriver(cfg.Driver); driver != DriverLibsql {
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	src, err := resolveDataSource(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(src.dir); err != nil {
		return nil, err
	}

	db, err := sql.Open(DriverLibsql, src.dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping libsql store", err)
	}
	if src.kind != sourceRemote {
		if err := configureLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{DB: db, driver: DriverLibsql}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.DB.PingContext(ctx); err != nil {
		return unavailable("ping store", err)
	}
	return nil
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return DriverLibsql
	}
	return driver
}

// configureLocal serializes access to a local database file: a single
// connection, WAL journaling and a busy timeout.
func configureLocal(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable wal journal: %w", err)
	}

	var timeout int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", localBusyTimeoutMs)).Scan(&timeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

type sourceKind int

const (
	sourceMemory sourceKind = iota
	sourceFile
	sourceRemote
)

// dataSource is a resolved libsql connection target. dir is the directory
// a file database lives in, empty when nothing needs creating.
type dataSource struct {
	dsn  string
	kind sourceKind
	dir  string
}

// resolveDataSource turns store config into a libsql DSN. A URL wins over
// a path; bare paths become file: DSNs.
func resolveDataSource(cfg config.StoreConfig) (dataSource, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		dsn, err := withAuthToken(raw, cfg.AuthToken)
		if err != nil {
			return dataSource{}, err
		}
		return dataSource{dsn: dsn, kind: sourceRemote}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return dataSource{}, errors.New("store path or url is required")
	case path == ":memory:":
		return dataSource{dsn: path, kind: sourceMemory}, nil
	case strings.HasPrefix(path, "libsql:"):
		return dataSource{dsn: path, kind: sourceRemote}, nil
	case strings.HasPrefix(path, "file:"):
		parsed, err := url.Parse(path)
		if err != nil {
			return dataSource{}, fmt.Errorf("invalid store path: %w", err)
		}
		local := parsed.Path
		if local == "" {
			local = parsed.Opaque
		}
		return dataSource{dsn: path, kind: sourceFile, dir: parentDir(strings.TrimPrefix(local, "//"))}, nil
	default:
		clean := filepath.Clean(path)
		return dataSource{dsn: "file:" + clean, kind: sourceFile, dir: parentDir(clean)}, nil
	}
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func parentDir(path string) string {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	// #nosec G301 -- shared data directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

var _ Backend = (*Store)(nil)
