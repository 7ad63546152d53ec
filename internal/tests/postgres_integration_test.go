package tests

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectme/enrollment/internal/db"
	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
)

func openTestDB(t *testing.T) repo.UserRepo {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, TruncateUsers(ctx, database))
	return repo.NewUserRepo(database)
}

func TestUserRepo_Postgres(t *testing.T) {
	users := openTestDB(t)
	ctx := context.Background()

	available, err := users.IsUsernameAvailable(ctx, "pg_user")
	require.NoError(t, err)
	assert.True(t, available)

	created, err := users.Create(ctx, model.NewUser{Username: "pg_user", PasswordHash: "hash", PhoneNumber: testPhone})
	require.NoError(t, err)

	byName, err := users.GetByUsername(ctx, "pg_user")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := users.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, testPhone, byID.PhoneNumber)

	inUse, err := users.ExistsByPhone(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, inUse)

	_, err = users.Create(ctx, model.NewUser{Username: "pg_user", PasswordHash: "hash", PhoneNumber: "+490000000000"})
	assert.ErrorIs(t, err, repo.ErrAlreadyExists)

	_, err = users.GetByUsername(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEnrollmentE2E_Postgres(t *testing.T) {
	users := openTestDB(t)
	ts := NewTestServer(t, ServerOptions{Users: users, Store: session.NewMemoryStore(0)})

	adm := register(t, ts, ts.NewClient(t))
	resp, body := get(t, ts.NewClient(t), ts.Server.URL+"/me", adm.AccessToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, testUsername)
}
