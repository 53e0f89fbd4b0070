package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sntacc.org/internal/security"
)

func (s *Store) RecordAttempt(ctx context.Context, a security.LoginAttempt) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (id, account_id, ip_address, user_agent, success, attempted_at, failure_reason)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, nullIfEmpty(a.AccountID), a.IP, nullIfEmpty(a.UserAgent), a.Success, a.Timestamp, nullIfEmpty(a.FailureReason))
	return err
}

func (s *Store) CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_attempts
		where ip_address = $1 and success = false and attempted_at >= $2
	`, ip, since).Scan(&n)
	return n, err
}

func (s *Store) AttemptsByAccount(ctx context.Context, accountID string, limit int) ([]security.LoginAttempt, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, ip_address, user_agent, success, attempted_at, failure_reason
		from login_attempts
		where account_id = $1
		order by attempted_at desc, id desc
		limit $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []security.LoginAttempt{}
	for rows.Next() {
		var (
			a                   security.LoginAttempt
			account, ua, reason sql.NullString
		)
		if err := rows.Scan(&a.ID, &account, &a.IP, &ua, &a.Success, &a.Timestamp, &reason); err != nil {
			return nil, err
		}
		a.AccountID = account.String
		a.UserAgent = ua.String
		a.FailureReason = reason.String
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateInvitation(ctx context.Context, inv *security.Invitation) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into invitations (id, tenant_id, email, phone, token, used, created_at, expires_at)
		values ($1, $2, $3, $4, $5, false, $6, $7)
		returning created_at
	`, inv.ID, inv.TenantID, nullIfEmpty(inv.Email), nullIfEmpty(inv.Phone), inv.Token, inv.CreatedAt, inv.ExpiresAt).Scan(&inv.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *Store) InvitationByToken(ctx context.Context, token string) (security.Invitation, error) {
	if s.db == nil {
		return security.Invitation{}, errNoDB
	}
	var (
		inv          security.Invitation
		email, phone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, email, phone, token, used, created_at, expires_at
		from invitations where token = $1
	`, token).Scan(&inv.ID, &inv.TenantID, &email, &phone, &inv.Token, &inv.Used, &inv.CreatedAt, &inv.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return security.Invitation{}, security.ErrNotFound
	}
	if err != nil {
		return security.Invitation{}, err
	}
	inv.Email = email.String
	inv.Phone = phone.String
	return inv, nil
}

// Redeem claims the invitation with a conditional update so two concurrent
// registrations cannot both succeed, then creates the account in the same
// transaction.
func (s *Store) Redeem(ctx context.Context, token string, acct *security.Account, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update invitations set used = true
		where token = $1 and used = false and expires_at >= $2
	`, token, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var inv security.Invitation
		err := tx.QueryRowContext(ctx, `select used, expires_at from invitations where token = $1`, token).
			Scan(&inv.Used, &inv.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return security.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if err := inv.Check(now); err != nil {
			return err
		}
		return security.ErrAlreadyUsed
	}
	if err := insertAccount(ctx, tx, acct); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return tx.Commit()
}
