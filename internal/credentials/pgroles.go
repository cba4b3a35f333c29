// ABOUTME: PostgreSQL-backed DBRoleManager: one least-privilege role per user, row-level security via a session variable.
// ABOUTME: Connects through database/sql with the lib/pq driver against an admin DSN with CREATEROLE.

package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
)

// validRoleName matches the identifiers CreateUserRole derives: lowercase,
// digits, and underscores only, so they are always safe to interpolate
// into DDL that database/sql's placeholder syntax does not support.
var validRoleName = regexp.MustCompile(`^[a-z0-9_]+$`)

// PostgresRoleManager implements DBRoleManager against a live database
// using an administrative connection with CREATEROLE privilege.
type PostgresRoleManager struct {
	admin *sql.DB
}

// NewPostgresRoleManager opens the admin connection. The caller owns
// the returned manager's lifetime and should Close it on shutdown.
func NewPostgresRoleManager(adminDSN string) (*PostgresRoleManager, error) {
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return nil, fmt.Errorf("opening admin connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging admin connection: %w", err)
	}
	return &PostgresRoleManager{admin: db}, nil
}

func (p *PostgresRoleManager) Close() error { return p.admin.Close() }

func roleNameFor(userID string) string {
	safe := regexp.MustCompile(`[^a-z0-9]+`).ReplaceAllString(userID, "_")
	return "app_user_" + safe
}

// CreateUserRole provisions a LOGIN role scoped by a row-level-security
// policy keyed on current_setting('app.user_id'), so every query the
// role issues is implicitly filtered to its own rows regardless of
// what the application layer passes down.
func (p *PostgresRoleManager) CreateUserRole(ctx context.Context, userID, password string) (string, error) {
	role := roleNameFor(userID)
	if !validRoleName.MatchString(role) {
		return "", fmt.Errorf("derived role name %q is not a valid identifier", role)
	}

	if _, err := p.admin.ExecContext(ctx, fmt.Sprintf(
		`CREATE ROLE %s LOGIN PASSWORD %s`, role, quoteLiteral(password),
	)); err != nil {
		return "", fmt.Errorf("creating role: %w", err)
	}

	if _, err := p.admin.ExecContext(ctx, fmt.Sprintf(
		`ALTER ROLE %s SET app.user_id = %s`, role, quoteLiteral(userID),
	)); err != nil {
		return "", fmt.Errorf("setting row-level-security variable: %w", err)
	}

	if _, err := p.admin.ExecContext(ctx, fmt.Sprintf(`GRANT app_data TO %s`, role)); err != nil {
		return "", fmt.Errorf("granting app_data role: %w", err)
	}

	return role, nil
}

// RotateUserRole issues a new password without touching the role's
// other grants or its row-level-security variable.
func (p *PostgresRoleManager) RotateUserRole(ctx context.Context, dbRole, newPassword string) error {
	if !validRoleName.MatchString(dbRole) {
		return fmt.Errorf("role name %q is not a valid identifier", dbRole)
	}
	_, err := p.admin.ExecContext(ctx, fmt.Sprintf(
		`ALTER ROLE %s PASSWORD %s`, dbRole, quoteLiteral(newPassword),
	))
	if err != nil {
		return fmt.Errorf("rotating password: %w", err)
	}
	return nil
}

// DropUserRole removes the role. Any objects it still owns must be
// reassigned by the caller first; a role that owns objects cannot be
// dropped and this surfaces as a plain error.
func (p *PostgresRoleManager) DropUserRole(ctx context.Context, dbRole string) error {
	if !validRoleName.MatchString(dbRole) {
		return fmt.Errorf("role name %q is not a valid identifier", dbRole)
	}
	_, err := p.admin.ExecContext(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, dbRole))
	if err != nil {
		return fmt.Errorf("dropping role: %w", err)
	}
	return nil
}

// quoteLiteral escapes a string for use as a SQL string literal. Role
// names are validated against validRoleName before use and never pass
// through here; only password/userID values do, which PostgreSQL's
// single-quote doubling makes safe to embed in DDL that cannot be
// parameterised.
func quoteLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
