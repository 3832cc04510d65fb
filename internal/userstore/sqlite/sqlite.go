package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/privchat/privchat/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'user',
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	password_hash TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_login_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS whitelist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	note TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureRootAdmin guarantees an admin account exists with the provided email.
func (s *Store) EnsureRootAdmin(ctx context.Context, email string) (*userstore.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		email = "admin@local"
	}

	existing, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Role != userstore.RoleAdmin {
			role := userstore.RoleAdmin
			return s.UpdateUser(ctx, existing.ID, userstore.UserUpdate{Role: &role})
		}
		return existing, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, role, status) VALUES(?, ?, ?)`,
		email, userstore.RoleAdmin, userstore.StatusActive)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// CreateUser inserts a registered user. The caller is responsible for
// whitelist checks and password hashing.
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string) (*userstore.User, error) {
	email = normalizeEmail(email)
	existing, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, userstore.ErrEmailTaken
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, role, display_name, status, password_hash) VALUES(?, ?, ?, ?, ?)`,
		email, userstore.RoleUser, displayName, userstore.StatusActive, passwordHash)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// FindByEmail returns the user matching the email, if present.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	email = normalizeEmail(email)
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE email = ? LIMIT 1`, email)
	return scanUser(row)
}

// FindByID returns the user with the given id, if present.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE id = ? LIMIT 1`, id)
	return scanUser(row)
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]userstore.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []userstore.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUser applies the non-nil fields of update and returns the fresh record.
func (s *Store) UpdateUser(ctx context.Context, id int64, update userstore.UserUpdate) (*userstore.User, error) {
	var sets []string
	var args []any
	if update.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, string(*update.Role))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *update.DisplayName)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
		args = append(args, id)
		query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}
	return s.FindByID(ctx, id)
}

// TouchLastLogin stamps the account's last successful login time.
func (s *Store) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// IsWhitelisted reports whether the email may register.
func (s *Store) IsWhitelisted(ctx context.Context, email string) (bool, error) {
	email = normalizeEmail(email)
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM whitelist WHERE email = ?`, email)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddWhitelist inserts a whitelist entry. Adding an existing email is a no-op
// that returns the stored entry.
func (s *Store) AddWhitelist(ctx context.Context, email, note string) (*userstore.WhitelistEntry, error) {
	email = normalizeEmail(email)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist(email, note) VALUES(?, ?) ON CONFLICT(email) DO NOTHING`,
		email, note); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(note, ''), created_at FROM whitelist WHERE email = ?`, email)
	var e userstore.WhitelistEntry
	if err := row.Scan(&e.ID, &e.Email, &e.Note, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// RemoveWhitelist deletes the entry with the given id.
func (s *Store) RemoveWhitelist(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE id = ?`, id)
	return err
}

// ListWhitelist returns all whitelist entries, newest first.
func (s *Store) ListWhitelist(ctx context.Context) ([]userstore.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, COALESCE(note, ''), created_at FROM whitelist ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []userstore.WhitelistEntry
	for rows.Next() {
		var e userstore.WhitelistEntry
		if err := rows.Scan(&e.ID, &e.Email, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

const selectUser = `SELECT id, email, role, COALESCE(display_name, ''), status, COALESCE(password_hash, ''), created_at, updated_at, last_login_at FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*userstore.User, error) {
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func scanUserRow(row rowScanner) (*userstore.User, error) {
	var u userstore.User
	var role, status string
	var createdAt, updatedAt time.Time
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &role, &u.DisplayName, &status, &u.PasswordHash, &createdAt, &updatedAt, &lastLogin); err != nil {
		return nil, err
	}
	u.Role = userstore.Role(role)
	u.Status = userstore.Status(status)
	u.CreatedAt = createdAt
	u.UpdatedAt = updatedAt
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}
