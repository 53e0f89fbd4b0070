package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sntacc.org/internal/audit"
)

func ptr(s string) *string { return &s }

func TestGetAccountVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chair := f.account(t, "chair", RoleChairman)
	member := f.account(t, "ivanov", RoleUser)
	neighbour := f.account(t, "petrov", RoleUser)

	got, err := f.svc.GetAccount(ctx, member.asActor(), member.ID)
	require.NoError(t, err)
	require.Equal(t, "ivanov", got.Username)

	_, err = f.svc.GetAccount(ctx, member.asActor(), neighbour.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetAccount(ctx, chair.asActor(), neighbour.ID)
	require.NoError(t, err)

	outsider := Actor{AccountID: "x", Role: RoleChairman, TenantID: "other-tenant"}
	_, err = f.svc.GetAccount(ctx, outsider, member.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetAccount(ctx, chair.asActor(), "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestListAccountsScopedToTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chair := f.account(t, "chair", RoleChairman)
	f.account(t, "ivanov", RoleUser)
	f.account(t, "buh", RoleAccountant)

	other := Tenant{Name: "СНТ Берёзка"}
	require.NoError(t, f.store.CreateTenant(ctx, &other))
	stranger := Account{TenantID: other.ID, Username: "stranger", Role: RoleUser}
	require.NoError(t, f.store.CreateAccount(ctx, &stranger))

	out, err := f.svc.ListAccounts(ctx, chair.asActor(), AccountFilter{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "buh", out[0].Username)

	out, err = f.svc.ListAccounts(ctx, chair.asActor(), AccountFilter{Role: RoleUser})
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = f.svc.ListAccounts(ctx, chair.asActor(), AccountFilter{TenantID: other.ID})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListAccounts(ctx, Actor{AccountID: "u", Role: RoleUser, TenantID: f.tenant.ID}, AccountFilter{})
	require.ErrorIs(t, err, ErrForbidden)

	admin := Actor{AccountID: "adm", Role: RoleAdmin}
	out, err = f.svc.ListAccounts(ctx, admin, AccountFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	out, err = f.svc.ListAccounts(ctx, admin, AccountFilter{})
	require.NoError(t, err)
	require.Len(t, out, 4)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chair := f.account(t, "chair", RoleChairman)
	member := f.account(t, "ivanov", RoleUser)

	_, err := f.svc.UpdateProfile(ctx, member.asActor(), member.ID, ProfileUpdate{})
	require.ErrorIs(t, err, ErrInvalidInput)

	updated, err := f.svc.UpdateProfile(ctx, member.asActor(), member.ID, ProfileUpdate{
		Email:     ptr(" ivanov@snt.example "),
		FirstName: ptr("Иван"),
	})
	require.NoError(t, err)
	require.Equal(t, "ivanov@snt.example", updated.Email)
	require.Equal(t, "Иван", f.reload(t, member.ID).FirstName)

	_, err = f.svc.UpdateProfile(ctx, member.asActor(), member.ID, ProfileUpdate{Role: ptr("chairman")})
	require.ErrorIs(t, err, ErrForbidden, "members cannot promote themselves")

	promoted, err := f.svc.UpdateProfile(ctx, chair.asActor(), member.ID, ProfileUpdate{Role: ptr("accountant")})
	require.NoError(t, err)
	require.Equal(t, RoleAccountant, promoted.Role)

	_, err = f.svc.UpdateProfile(ctx, chair.asActor(), member.ID, ProfileUpdate{Role: ptr("admin")})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateProfile(ctx, chair.asActor(), member.ID, ProfileUpdate{Role: ptr("root")})
	require.ErrorIs(t, err, ErrInvalidInput)

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, audit.ActionUpdate, entries[1].Action)
	require.Contains(t, entries[1].Extra, "changes")
}

func TestUpdateProfileClearsVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.account(t, "ivanov", RoleUser)
	member.Email, member.EmailVerified = "old@snt.example", true
	require.NoError(t, f.store.UpdateProfile(ctx, &member))

	_, err := f.svc.UpdateProfile(ctx, member.asActor(), member.ID, ProfileUpdate{Email: ptr("old@snt.example"), LastName: ptr("Иванов")})
	require.NoError(t, err)
	require.True(t, f.reload(t, member.ID).EmailVerified)

	_, err = f.svc.UpdateProfile(ctx, member.asActor(), member.ID, ProfileUpdate{Email: ptr("new@snt.example")})
	require.NoError(t, err)
	require.False(t, f.reload(t, member.ID).EmailVerified)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chair := f.account(t, "chair", RoleChairman)
	member := f.account(t, "ivanov", RoleUser)
	admin := f.account(t, "root", RoleAdmin)

	_, err := f.svc.Login(ctx, LoginRequest{Username: "ivanov", Password: "wrong", Client: client("10.0.0.1")})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.ErrorIs(t, f.svc.DeleteAccount(ctx, member.asActor(), chair.ID), ErrForbidden)
	require.ErrorIs(t, f.svc.DeleteAccount(ctx, chair.asActor(), chair.ID), ErrForbidden)
	require.ErrorIs(t, f.svc.DeleteAccount(ctx, chair.asActor(), admin.ID), ErrForbidden)
	require.ErrorIs(t, f.svc.DeleteAccount(ctx, chair.asActor(), "missing"), ErrAccountNotFound)

	require.NoError(t, f.svc.DeleteAccount(ctx, chair.asActor(), member.ID))
	_, err = f.store.AccountByID(ctx, member.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// the attempt survives without its account reference
	attempts := f.store.Attempts()
	require.Len(t, attempts, 1)
	require.Empty(t, attempts[0].AccountID)

	// the username is free again
	f.account(t, "ivanov", RoleUser)

	entries := f.audit.Entries()
	last := entries[len(entries)-1]
	require.Equal(t, audit.ActionDelete, last.Action)
	require.Equal(t, member.ID, last.EntityID)
	require.Equal(t, chair.ID, last.ActorID)
}

func TestBootstrapCreatesTenantAndAdminTogether(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "taken", RoleUser)

	require.NoError(t, f.store.CreateTenantWithAccount(ctx, &Tenant{Name: "ok"}, &Account{Username: "first", Role: RoleAdmin}))

	tenant := Tenant{Name: "СНТ Берёзка"}
	err := f.store.CreateTenantWithAccount(ctx, &tenant, &Account{Username: "Taken", Role: RoleAdmin})
	require.ErrorIs(t, err, ErrConflict)
	if tenant.ID != "" {
		_, err = f.store.TenantByID(ctx, tenant.ID)
		require.ErrorIs(t, err, ErrNotFound, "no tenant is left behind")
	}

	acct, err := f.svc.Bootstrap(ctx, "СНТ Берёзка", "admin", strongPassword)
	require.NoError(t, err)
	require.NotEmpty(t, acct.TenantID)
	_, err = f.store.TenantByID(ctx, acct.TenantID)
	require.NoError(t, err)
}
