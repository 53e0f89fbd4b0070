package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sntacc.org/internal/security"
)

const accountColumns = `id, tenant_id, username, email, phone, first_name, last_name, password_hash, role,
	email_verified, phone_verified, failed_login_attempts, last_failed_login, locked, lockout_time,
	password_changed_at, two_factor_enabled, two_factor_secret, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (security.Account, error) {
	var (
		a                                      security.Account
		tenant, email, phone, first, last, tfa sql.NullString
		role                                   string
		lastFailed, lockout, changed           sql.NullTime
	)
	err := row.Scan(&a.ID, &tenant, &a.Username, &email, &phone, &first, &last, &a.PasswordHash, &role,
		&a.EmailVerified, &a.PhoneVerified, &a.FailedLoginAttempts, &lastFailed, &a.Locked, &lockout,
		&changed, &a.TwoFactorEnabled, &tfa, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return security.Account{}, err
	}
	a.TenantID = tenant.String
	a.Email = email.String
	a.Phone = phone.String
	a.FirstName = first.String
	a.LastName = last.String
	a.TwoFactorSecret = tfa.String
	a.Role = security.Role(role)
	a.LastFailedLogin = timePtr(lastFailed)
	a.LockoutTime = timePtr(lockout)
	a.PasswordChangedAt = timePtr(changed)
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, acct *security.Account) error {
	if s.db == nil {
		return errNoDB
	}
	return insertAccount(ctx, s.db, acct)
}

func insertAccount(ctx context.Context, q queryRower, acct *security.Account) error {
	row := q.QueryRowContext(ctx, `
		insert into accounts (id, tenant_id, username, email, phone, first_name, last_name, password_hash, role,
			email_verified, phone_verified, password_changed_at, two_factor_enabled, two_factor_secret, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		returning created_at, updated_at
	`, acct.ID, nullIfEmpty(acct.TenantID), acct.Username, nullIfEmpty(acct.Email), nullIfEmpty(acct.Phone),
		nullIfEmpty(acct.FirstName), nullIfEmpty(acct.LastName), acct.PasswordHash, string(acct.Role),
		acct.EmailVerified, acct.PhoneVerified, nullTime(acct.PasswordChangedAt), acct.TwoFactorEnabled,
		nullIfEmpty(acct.TwoFactorSecret), acct.CreatedAt)
	if err := row.Scan(&acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return fmt.Errorf("%w: account %q", mapped, acct.Username)
		}
		return err
	}
	return nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (security.Account, error) {
	return s.accountWhere(ctx, `id = $1`, id)
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (security.Account, error) {
	return s.accountWhere(ctx, `lower(username) = lower($1)`, username)
}

func (s *Store) accountWhere(ctx context.Context, cond string, arg any) (security.Account, error) {
	if s.db == nil {
		return security.Account{}, errNoDB
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return security.Account{}, security.ErrNotFound
	}
	return acct, err
}

// UpdateLockout locks the row with select ... for update so concurrent
// failures are counted one after another.
func (s *Store) UpdateLockout(ctx context.Context, id string, fn func(*security.Account) error) (security.Account, error) {
	if s.db == nil {
		return security.Account{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return security.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return security.Account{}, security.ErrNotFound
	}
	if err != nil {
		return security.Account{}, err
	}
	if err := fn(&acct); err != nil {
		return security.Account{}, err
	}
	err = tx.QueryRowContext(ctx, `
		update accounts
		set failed_login_attempts = $2, last_failed_login = $3, locked = $4, lockout_time = $5, updated_at = now()
		where id = $1
		returning updated_at
	`, acct.ID, acct.FailedLoginAttempts, nullTime(acct.LastFailedLogin), acct.Locked, nullTime(acct.LockoutTime)).Scan(&acct.UpdatedAt)
	if err != nil {
		return security.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return security.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, hash string, changedAt time.Time) error {
	return s.execOne(ctx, `
		update accounts set password_hash = $2, password_changed_at = $3, updated_at = now() where id = $1
	`, id, hash, changedAt)
}

func (s *Store) UpdateTwoFactor(ctx context.Context, id string, enabled bool, secret string) error {
	return s.execOne(ctx, `
		update accounts set two_factor_enabled = $2, two_factor_secret = $3, updated_at = now() where id = $1
	`, id, enabled, nullIfEmpty(secret))
}

func (s *Store) UpdateProfile(ctx context.Context, acct *security.Account) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		update accounts
		set email = $2, phone = $3, first_name = $4, last_name = $5,
			email_verified = $6, phone_verified = $7, role = $8, updated_at = now()
		where id = $1
		returning updated_at
	`, acct.ID, nullIfEmpty(acct.Email), nullIfEmpty(acct.Phone), nullIfEmpty(acct.FirstName), nullIfEmpty(acct.LastName),
		acct.EmailVerified, acct.PhoneVerified, string(acct.Role)).Scan(&acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return security.ErrNotFound
	}
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context, f security.AccountFilter) ([]security.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.Role != "" {
		args = append(args, string(f.Role))
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	query := `select ` + accountColumns + ` from accounts`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by lower(username)`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []security.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// DeleteAccount relies on the foreign keys to clear references from
// login_attempts and audit_log.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.execOne(ctx, `delete from accounts where id = $1`, id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return security.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTenant(ctx context.Context, t *security.Tenant) error {
	if s.db == nil {
		return errNoDB
	}
	return insertTenant(ctx, s.db, t)
}

func insertTenant(ctx context.Context, q queryRower, t *security.Tenant) error {
	err := q.QueryRowContext(ctx, `
		insert into tenants (id, name, address, inn, created_at)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, t.ID, t.Name, nullIfEmpty(t.Address), nullIfEmpty(t.INN), t.CreatedAt).Scan(&t.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// CreateTenantWithAccount inserts the tenant and its first account in one
// transaction.
func (s *Store) CreateTenantWithAccount(ctx context.Context, t *security.Tenant, acct *security.Account) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertTenant(ctx, tx, t); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	acct.TenantID = t.ID
	if err := insertAccount(ctx, tx, acct); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return tx.Commit()
}

func (s *Store) TenantByID(ctx context.Context, id string) (security.Tenant, error) {
	if s.db == nil {
		return security.Tenant{}, errNoDB
	}
	var (
		t            security.Tenant
		address, inn sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `select id, name, address, inn, created_at from tenants where id = $1`, id).
		Scan(&t.ID, &t.Name, &address, &inn, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return security.Tenant{}, security.ErrNotFound
	}
	if err != nil {
		return security.Tenant{}, err
	}
	t.Address = address.String
	t.INN = inn.String
	return t, nil
}

const policyColumns = `min_password_length, require_uppercase, require_lowercase, require_digits, require_special,
	password_expiry_days, max_failed_attempts, lockout_minutes, session_timeout_minutes,
	require_2fa_for_admins, allow_2fa_for_users, log_login_attempts, log_password_changes, log_sensitive_actions`

func (s *Store) Policy(ctx context.Context, tenantID string) (security.Policy, bool, error) {
	if s.db == nil {
		return security.Policy{}, false, errNoDB
	}
	var p security.Policy
	err := s.db.QueryRowContext(ctx, `select `+policyColumns+` from tenant_security_policies where tenant_id = $1`, tenantID).Scan(
		&p.MinPasswordLength, &p.RequireUppercase, &p.RequireLowercase, &p.RequireDigits, &p.RequireSpecial,
		&p.PasswordExpiryDays, &p.MaxFailedAttempts, &p.LockoutMinutes, &p.SessionTimeoutMinutes,
		&p.Require2FAForAdmins, &p.Allow2FAForUsers, &p.LogLoginAttempts, &p.LogPasswordChanges, &p.LogSensitiveActions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return security.Policy{}, false, nil
	}
	if err != nil {
		return security.Policy{}, false, err
	}
	return p, true, nil
}

func (s *Store) UpsertPolicy(ctx context.Context, tenantID string, p security.Policy) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_security_policies (tenant_id, `+policyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (tenant_id) do update set
			min_password_length = excluded.min_password_length,
			require_uppercase = excluded.require_uppercase,
			require_lowercase = excluded.require_lowercase,
			require_digits = excluded.require_digits,
			require_special = excluded.require_special,
			password_expiry_days = excluded.password_expiry_days,
			max_failed_attempts = excluded.max_failed_attempts,
			lockout_minutes = excluded.lockout_minutes,
			session_timeout_minutes = excluded.session_timeout_minutes,
			require_2fa_for_admins = excluded.require_2fa_for_admins,
			allow_2fa_for_users = excluded.allow_2fa_for_users,
			log_login_attempts = excluded.log_login_attempts,
			log_password_changes = excluded.log_password_changes,
			log_sensitive_actions = excluded.log_sensitive_actions,
			updated_at = now()
	`, tenantID, p.MinPasswordLength, p.RequireUppercase, p.RequireLowercase, p.RequireDigits, p.RequireSpecial,
		p.PasswordExpiryDays, p.MaxFailedAttempts, p.LockoutMinutes, p.SessionTimeoutMinutes,
		p.Require2FAForAdmins, p.Allow2FAForUsers, p.LogLoginAttempts, p.LogPasswordChanges, p.LogSensitiveActions)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}
