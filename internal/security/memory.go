package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sntacc.org/internal/ids"
)

// MemoryStore is an in-process Store. A single mutex serialises writes, which
// gives UpdateLockout and Redeem the same atomicity as the SQL store.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]Account
	byUsername  map[string]string
	tenants     map[string]Tenant
	policies    map[string]Policy
	attempts    []LoginAttempt
	invitations map[string]Invitation
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    map[string]Account{},
		byUsername:  map[string]string{},
		tenants:     map[string]Tenant{},
		policies:    map[string]Policy{},
		invitations: map[string]Invitation{},
	}
}

func usernameKey(u string) string { return strings.ToLower(strings.TrimSpace(u)) }

func (m *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(acct)
}

func (m *MemoryStore) createAccountLocked(acct *Account) error {
	key := usernameKey(acct.Username)
	if _, ok := m.byUsername[key]; ok {
		return fmt.Errorf("%w: username %q is taken", ErrConflict, acct.Username)
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = acct.CreatedAt
	m.accounts[acct.ID] = *acct
	m.byUsername[key] = acct.ID
	return nil
}

func (m *MemoryStore) AccountByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryStore) AccountByUsername(_ context.Context, username string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUsername[usernameKey(username)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *MemoryStore) UpdateLockout(_ context.Context, id string, fn func(*Account) error) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if err := fn(&acct); err != nil {
		return Account{}, err
	}
	stored := m.accounts[id]
	stored.FailedLoginAttempts = acct.FailedLoginAttempts
	stored.LastFailedLogin = acct.LastFailedLogin
	stored.Locked = acct.Locked
	stored.LockoutTime = acct.LockoutTime
	stored.UpdatedAt = time.Now().UTC()
	m.accounts[id] = stored
	return stored, nil
}

func (m *MemoryStore) UpdatePassword(_ context.Context, id, hash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.PasswordHash = hash
	ts := changedAt
	acct.PasswordChangedAt = &ts
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acct
	return nil
}

func (m *MemoryStore) UpdateTwoFactor(_ context.Context, id string, enabled bool, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.TwoFactorEnabled = enabled
	acct.TwoFactorSecret = secret
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acct
	return nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.accounts[acct.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Email = acct.Email
	stored.Phone = acct.Phone
	stored.FirstName = acct.FirstName
	stored.LastName = acct.LastName
	stored.EmailVerified = acct.EmailVerified
	stored.PhoneVerified = acct.PhoneVerified
	stored.Role = acct.Role
	stored.UpdatedAt = time.Now().UTC()
	m.accounts[acct.ID] = stored
	acct.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, f AccountFilter) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if f.TenantID != "" && a.TenantID != f.TenantID {
			continue
		}
		if f.Role != "" && a.Role != f.Role {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return usernameKey(out[i].Username) < usernameKey(out[j].Username) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Account{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	delete(m.byUsername, usernameKey(acct.Username))
	for i := range m.attempts {
		if m.attempts[i].AccountID == id {
			m.attempts[i].AccountID = ""
		}
	}
	return nil
}

func (m *MemoryStore) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	if _, ok := m.tenants[t.ID]; ok {
		return ErrConflict
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryStore) CreateTenantWithAccount(_ context.Context, t *Tenant, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[usernameKey(acct.Username)]; ok {
		return fmt.Errorf("%w: username %q is taken", ErrConflict, acct.Username)
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	if _, ok := m.tenants[t.ID]; ok {
		return ErrConflict
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	acct.TenantID = t.ID
	m.tenants[t.ID] = *t
	return m.createAccountLocked(acct)
}

func (m *MemoryStore) TenantByID(_ context.Context, id string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) Policy(_ context.Context, tenantID string) (Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[tenantID]
	return p, ok, nil
}

func (m *MemoryStore) UpsertPolicy(_ context.Context, tenantID string, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return ErrNotFound
	}
	m.policies[tenantID] = p
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, a LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemoryStore) CountFailedByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.IP == ip && !a.Success && !a.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AttemptsByAccount(_ context.Context, accountID string, limit int) ([]LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LoginAttempt
	for _, a := range m.attempts {
		if a.AccountID == accountID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Attempts returns every recorded attempt, oldest first.
func (m *MemoryStore) Attempts() []LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoginAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

func (m *MemoryStore) CreateInvitation(_ context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invitations[inv.Token]; ok {
		return ErrConflict
	}
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	m.invitations[inv.Token] = *inv
	return nil
}

func (m *MemoryStore) InvitationByToken(_ context.Context, token string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[token]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) Redeem(_ context.Context, token string, acct *Account, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[token]
	if !ok {
		return ErrInvalidToken
	}
	if err := inv.Check(now); err != nil {
		return err
	}
	if err := m.createAccountLocked(acct); err != nil {
		return err
	}
	inv.Used = true
	m.invitations[token] = inv
	return nil
}
