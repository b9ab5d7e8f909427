package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"cba-go/internal/cba"
	"cba-go/internal/database/migrations"
)

// busyTimeout is how long a handle waits for another handle's write lock.
const busyTimeout = 5 * time.Second

// SQLiteDatabase implements the cba.Index interface using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock cba.Clock
	idgen cba.IDGenerator
}

// NewSQLiteDatabase opens a new SQLite index handle.
// path can be a file path or ":memory:" for an in-memory database.
// A nil clock or idgen falls back to the real clock and random UUIDs.
func NewSQLiteDatabase(path string, clock cba.Clock, idgen cba.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	s := NewSQLiteDatabaseFromDB(db, clock, idgen)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock cba.Clock, idgen cba.IDGenerator) *SQLiteDatabase {
	if clock == nil {
		clock = cba.RealClock{}
	}
	if idgen == nil {
		idgen = cba.UUIDGenerator{}
	}
	return &SQLiteDatabase{
		db:    db,
		clock: clock,
		idgen: idgen,
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// Each handle holds exactly one connection: the PRAGMAs are per connection, and an
// in-memory database only exists on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

func storeErr(op string, err error) error {
	return &cba.StoreError{Op: op, Err: err}
}

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Timestamps are stored as unix nanoseconds; the zero time is stored as 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLiteDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// Source location operations

const sourceColumns = "id, path, filter, priority, revisions, credential_name, created_at"

func scanSource(row scanner) (*cba.SourceLocation, error) {
	var (
		loc       cba.SourceLocation
		priority  int
		createdAt int64
	)
	if err := row.Scan(&loc.ID, &loc.Path, &loc.Filter, &priority, &loc.Revisions, &loc.CredentialName, &createdAt); err != nil {
		return nil, err
	}
	loc.Priority = cba.Priority(priority)
	loc.CreatedAt = fromUnix(createdAt)
	return &loc, nil
}

func (s *SQLiteDatabase) GetAllSourceLocations(ctx context.Context) ([]*cba.SourceLocation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sourceColumns+" FROM source_locations ORDER BY id")
	if err != nil {
		return nil, storeErr("listing source locations", err)
	}
	defer rows.Close()

	var result []*cba.SourceLocation
	for rows.Next() {
		loc, err := scanSource(rows)
		if err != nil {
			return nil, storeErr("reading source location", err)
		}
		result = append(result, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing source locations", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) GetSourceLocation(ctx context.Context, id int64) (*cba.SourceLocation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sourceColumns+" FROM source_locations WHERE id = ?", id)
	loc, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, storeErr("finding source location", err)
	}
	return loc, nil
}

func (s *SQLiteDatabase) AddSource(ctx context.Context, location *cba.SourceLocation) (*cba.SourceLocation, error) {
	added := *location
	if added.CreatedAt.IsZero() {
		added.CreatedAt = s.clock.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM source_locations WHERE path = ? AND filter = ?",
			added.Path, added.Filter,
		).Scan(&existing)
		switch {
		case err == nil:
			return &cba.DuplicateSourceError{Path: added.Path, Filter: added.Filter, ID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return storeErr("checking for duplicate source", err)
		}

		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM source_locations").Scan(&added.ID); err != nil {
			return storeErr("allocating source id", err)
		}

		if err := insertSource(ctx, tx, &added); err != nil {
			return storeErr("inserting source location", err)
		}
		return nil
	})
	if err != nil {
		var dup *cba.DuplicateSourceError
		var se *cba.StoreError
		if errors.As(err, &dup) || errors.As(err, &se) {
			return nil, err
		}
		return nil, storeErr("adding source location", err)
	}
	return &added, nil
}

func insertSource(ctx context.Context, tx *sql.Tx, loc *cba.SourceLocation) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO source_locations ("+sourceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		loc.ID, loc.Path, loc.Filter, int(loc.Priority), loc.Revisions, loc.CredentialName, toUnix(loc.CreatedAt),
	)
	return err
}

// SetSourceLocations replaces the full set of source locations in one transaction.
// Locations with ID 0 are assigned new IDs. Existing IDs keep their tracked
// files, and a changed priority is carried to those files.
func (s *SQLiteDatabase) SetSourceLocations(ctx context.Context, locations []*cba.SourceLocation) error {
	type key struct{ path, filter string }
	seen := make(map[key]int64, len(locations))
	for _, loc := range locations {
		k := key{loc.Path, loc.Filter}
		if id, ok := seen[k]; ok {
			return &cba.DuplicateSourceError{Path: loc.Path, Filter: loc.Filter, ID: id}
		}
		seen[k] = loc.ID
	}

	now := s.clock.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var nextID int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM source_locations").Scan(&nextID); err != nil {
			return fmt.Errorf("allocating source ids: %w", err)
		}

		keep := make(map[int64]bool, len(locations))
		for _, loc := range locations {
			if loc.ID == 0 {
				loc.ID = nextID
				nextID++
			}
			if loc.CreatedAt.IsZero() {
				loc.CreatedAt = now
			}
			keep[loc.ID] = true
		}

		existing, err := sourceIDs(ctx, tx)
		if err != nil {
			return err
		}
		for _, id := range existing {
			if keep[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM source_locations WHERE id = ?", id); err != nil {
				return fmt.Errorf("deleting source %d: %w", id, err)
			}
		}

		for _, loc := range locations {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO source_locations (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					path = excluded.path,
					filter = excluded.filter,
					priority = excluded.priority,
					revisions = excluded.revisions,
					credential_name = excluded.credential_name`,
				loc.ID, loc.Path, loc.Filter, int(loc.Priority), loc.Revisions, loc.CredentialName, toUnix(loc.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("writing source %d: %w", loc.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE backup_files SET priority = ? WHERE source_id = ? AND priority != ?",
				int(loc.Priority), loc.ID, int(loc.Priority),
			); err != nil {
				return fmt.Errorf("updating file priorities for source %d: %w", loc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return storeErr("replacing source locations", err)
	}
	return nil
}

func sourceIDs(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM source_locations")
	if err != nil {
		return nil, fmt.Errorf("listing source ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reading source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteDatabase) RemoveSource(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM source_locations WHERE id = ?", id); err != nil {
		return storeErr("removing source location", err)
	}
	return nil
}

// Backup file operations

const fileColumns = "id, source_id, full_path, size, modified_at, hash, hash_algorithm, status, priority, " +
	"revision, discovered_at, failure_count, retry_after, last_error"

func scanFile(row scanner) (*cba.BackupFile, error) {
	var (
		f            cba.BackupFile
		status       string
		priority     int
		modifiedAt   int64
		discoveredAt int64
		retryAfter   int64
	)
	err := row.Scan(&f.ID, &f.SourceID, &f.FullPath, &f.Size, &modifiedAt, &f.Hash, &f.HashAlgorithm, &status,
		&priority, &f.Revision, &discoveredAt, &f.FailureCount, &retryAfter, &f.LastError)
	if err != nil {
		return nil, err
	}
	f.Status = cba.FileStatus(status)
	f.Priority = cba.Priority(priority)
	f.ModifiedAt = fromUnix(modifiedAt)
	f.DiscoveredAt = fromUnix(discoveredAt)
	f.RetryAfter = fromUnix(retryAfter)
	return &f, nil
}

// queryFile runs a single-file query and attaches its provider states.
// The row is fully read before the provider query runs: a handle has one connection.
func (s *SQLiteDatabase) queryFile(ctx context.Context, op, query string, args ...any) (*cba.BackupFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, storeErr(op, err)
	}

	states, err := s.providerStates(ctx, "WHERE p.file_id = ?", f.ID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	f.Providers = states[f.ID]
	return f, nil
}

// providerStates loads per-provider progress keyed by file ID.
func (s *SQLiteDatabase) providerStates(ctx context.Context, where string, args ...any) (map[string]map[string]cba.ProviderState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.file_id, p.provider_name, p.status, p.last_block, p.updated_at
		FROM backup_file_providers p
		JOIN backup_files f ON f.id = p.file_id
		`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("loading provider states: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string]cba.ProviderState)
	for rows.Next() {
		var (
			fileID, name, status string
			st                   cba.ProviderState
			updatedAt            int64
		)
		if err := rows.Scan(&fileID, &name, &status, &st.LastCommittedBlock, &updatedAt); err != nil {
			return nil, fmt.Errorf("reading provider state: %w", err)
		}
		st.Status = cba.ParseSyncStatus(status)
		st.UpdatedAt = fromUnix(updatedAt)
		if result[fileID] == nil {
			result[fileID] = make(map[string]cba.ProviderState)
		}
		result[fileID][name] = st
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) GetBackupFile(ctx context.Context, path string, size int64, modified time.Time) (*cba.BackupFile, error) {
	return s.queryFile(ctx, "finding backup file", `
		SELECT `+fileColumns+` FROM backup_files
		WHERE full_path = ? AND size = ? AND modified_at = ?
		ORDER BY discovered_at DESC, rowid DESC
		LIMIT 1`,
		path, size, toUnix(modified),
	)
}

func (s *SQLiteDatabase) GetLatestRevision(ctx context.Context, path string) (*cba.BackupFile, error) {
	return s.queryFile(ctx, "finding latest revision", `
		SELECT `+fileColumns+` FROM backup_files
		WHERE full_path = ?
		ORDER BY discovered_at DESC, rowid DESC
		LIMIT 1`,
		path,
	)
}

func (s *SQLiteDatabase) ListActiveBackupFiles(ctx context.Context, sourceID int64) ([]*cba.BackupFile, error) {
	const active = "f.source_id = ? AND f.status NOT IN ('removed', 'superseded')"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM backup_files f WHERE "+active+" ORDER BY f.full_path, f.discovered_at",
		sourceID,
	)
	if err != nil {
		return nil, storeErr("listing active backup files", err)
	}

	var files []*cba.BackupFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("reading backup file", err)
		}
		files = append(files, f)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, storeErr("listing active backup files", err)
	}

	states, err := s.providerStates(ctx, "WHERE "+active, sourceID)
	if err != nil {
		return nil, storeErr("listing active backup files", err)
	}
	for _, f := range files {
		f.Providers = states[f.ID]
	}
	return files, nil
}

func (s *SQLiteDatabase) AddBackupFile(ctx context.Context, file *cba.BackupFile) error {
	if file.ID == "" {
		file.ID = s.idgen.New()
	}
	if file.DiscoveredAt.IsZero() {
		file.DiscoveredAt = s.clock.Now()
	}
	if file.Status == "" {
		file.Status = cba.FileUnsynced
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO backup_files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			file.ID, file.SourceID, file.FullPath, file.Size, toUnix(file.ModifiedAt), file.Hash, file.HashAlgorithm,
			string(file.Status), int(file.Priority), file.Revision, toUnix(file.DiscoveredAt), file.FailureCount,
			toUnix(file.RetryAfter), file.LastError,
		)
		if err != nil {
			return fmt.Errorf("inserting backup file: %w", err)
		}
		return s.writeProviderStates(ctx, tx, file)
	})
	if err != nil {
		return storeErr("adding backup file", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateBackupFile(ctx context.Context, file *cba.BackupFile) error {
	var missing bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE backup_files SET
				size = ?, modified_at = ?, hash = ?, hash_algorithm = ?, status = ?, priority = ?,
				revision = ?, failure_count = ?, retry_after = ?, last_error = ?
			WHERE id = ?`,
			file.Size, toUnix(file.ModifiedAt), file.Hash, file.HashAlgorithm, string(file.Status),
			int(file.Priority), file.Revision, file.FailureCount, toUnix(file.RetryAfter), file.LastError,
			file.ID,
		)
		if err != nil {
			return fmt.Errorf("updating backup file: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating backup file: %w", err)
		}
		if n == 0 {
			missing = true
			return nil
		}
		return s.writeProviderStates(ctx, tx, file)
	})
	if err != nil {
		return storeErr("updating backup file", err)
	}
	if missing {
		return fmt.Errorf("updating backup file %s: %w", file.ID, cba.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) writeProviderStates(ctx context.Context, tx *sql.Tx, file *cba.BackupFile) error {
	for name, st := range file.Providers {
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = s.clock.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backup_file_providers (file_id, provider_name, status, last_block, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (file_id, provider_name) DO UPDATE SET
				status = excluded.status,
				last_block = excluded.last_block,
				updated_at = excluded.updated_at`,
			file.ID, name, string(st.Status), st.LastCommittedBlock, toUnix(st.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("writing provider state %s: %w", name, err)
		}
	}
	return nil
}

// GetNextFileToBackup picks by priority, then discovery order. A synced
// file is picked again while some registered provider has not stored it.
// Files that failed recently wait out their RetryAfter so they cannot
// starve the queue.
func (s *SQLiteDatabase) GetNextFileToBackup(ctx context.Context) (*cba.BackupFile, error) {
	return s.queryFile(ctx, "finding next file to back up", `
		SELECT `+fileColumns+` FROM backup_files f
		WHERE f.retry_after <= ? AND (
			f.status IN ('unsynced', 'in_progress') OR
			(f.status = 'synced' AND EXISTS (
				SELECT 1 FROM providers p
				WHERE NOT EXISTS (
					SELECT 1 FROM backup_file_providers bp
					WHERE bp.file_id = f.id AND bp.provider_name = p.name AND bp.status = 'synced'))))
		ORDER BY f.priority DESC, f.discovered_at ASC, f.rowid ASC
		LIMIT 1`,
		toUnix(s.clock.Now()),
	)
}

// GetBackupProgress counts files by status. Total and TotalBytes cover the
// active records only; removed and superseded revisions are reported separately.
func (s *SQLiteDatabase) GetBackupProgress(ctx context.Context) (*cba.BackupProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*), COALESCE(SUM(size), 0) FROM backup_files GROUP BY status")
	if err != nil {
		return nil, storeErr("reading backup progress", err)
	}
	defer rows.Close()

	var p cba.BackupProgress
	for rows.Next() {
		var (
			status       string
			count, bytes int64
		)
		if err := rows.Scan(&status, &count, &bytes); err != nil {
			return nil, storeErr("reading backup progress", err)
		}
		switch cba.FileStatus(status) {
		case cba.FileSynced:
			p.Synced = count
			p.SyncedBytes = bytes
		case cba.FileInProgress:
			p.InProgress = count
		case cba.FileUnsynced:
			p.Unsynced = count
		case cba.FileRemoved:
			p.Removed = count
			continue
		case cba.FileSuperseded:
			p.Superseded = count
			continue
		}
		p.Total += count
		p.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("reading backup progress", err)
	}
	return &p, nil
}

// Network credential operations

func (s *SQLiteDatabase) AddNetCredential(ctx context.Context, cred *cba.NetCredential) error {
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO net_credentials (name, username_key, password_key, created_at) VALUES (?, ?, ?, ?)",
		cred.Name, cred.UsernameKey, cred.PasswordKey, toUnix(createdAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("credential %q: %w", cred.Name, cba.ErrDuplicate)
		}
		return storeErr("adding credential", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetNetCredential(ctx context.Context, name string) (*cba.NetCredential, error) {
	var (
		cred      cba.NetCredential
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, username_key, password_key, created_at FROM net_credentials WHERE name = ?", name,
	).Scan(&cred.Name, &cred.UsernameKey, &cred.PasswordKey, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, storeErr("finding credential", err)
	}
	cred.CreatedAt = fromUnix(createdAt)
	return &cred, nil
}

func (s *SQLiteDatabase) ListNetCredentials(ctx context.Context) ([]*cba.NetCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, username_key, password_key, created_at FROM net_credentials ORDER BY name")
	if err != nil {
		return nil, storeErr("listing credentials", err)
	}
	defer rows.Close()

	var result []*cba.NetCredential
	for rows.Next() {
		var (
			cred      cba.NetCredential
			createdAt int64
		)
		if err := rows.Scan(&cred.Name, &cred.UsernameKey, &cred.PasswordKey, &createdAt); err != nil {
			return nil, storeErr("reading credential", err)
		}
		cred.CreatedAt = fromUnix(createdAt)
		result = append(result, &cred)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing credentials", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) RemoveNetCredential(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM net_credentials WHERE name = ?", name); err != nil {
		return storeErr("removing credential", err)
	}
	return nil
}

// Provider registration operations

func (s *SQLiteDatabase) AddProvider(ctx context.Context, reg *cba.ProviderRegistration) error {
	attrs := reg.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding provider attributes: %w", err)
	}
	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO providers (name, type, attributes, credential_name, created_at) VALUES (?, ?, ?, ?, ?)",
		reg.Name, reg.Type, string(encoded), reg.CredentialName, toUnix(createdAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("provider %q: %w", reg.Name, cba.ErrDuplicate)
		}
		return storeErr("adding provider", err)
	}
	return nil
}

func scanProvider(row scanner) (*cba.ProviderRegistration, error) {
	var (
		reg       cba.ProviderRegistration
		attrs     string
		createdAt int64
	)
	if err := row.Scan(&reg.Name, &reg.Type, &attrs, &reg.CredentialName, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &reg.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes of provider %s: %w", reg.Name, err)
	}
	reg.CreatedAt = fromUnix(createdAt)
	return &reg, nil
}

func (s *SQLiteDatabase) GetProvider(ctx context.Context, name string) (*cba.ProviderRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, type, attributes, credential_name, created_at FROM providers WHERE name = ?", name)
	reg, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, storeErr("finding provider", err)
	}
	return reg, nil
}

func (s *SQLiteDatabase) ListProviders(ctx context.Context) ([]*cba.ProviderRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, type, attributes, credential_name, created_at FROM providers ORDER BY name")
	if err != nil {
		return nil, storeErr("listing providers", err)
	}
	defer rows.Close()

	var result []*cba.ProviderRegistration
	for rows.Next() {
		reg, err := scanProvider(rows)
		if err != nil {
			return nil, storeErr("reading provider", err)
		}
		result = append(result, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing providers", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) RemoveProvider(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM providers WHERE name = ?", name); err != nil {
		return storeErr("removing provider", err)
	}
	return nil
}

// Application options

func (s *SQLiteDatabase) GetOption(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM application_options WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storeErr("reading option", err)
	}
	return value, true, nil
}

func (s *SQLiteDatabase) SetOption(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO application_options (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return storeErr("writing option", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp applies any pending schema migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements cba.Index interface
var _ cba.Index = (*SQLiteDatabase)(nil)
