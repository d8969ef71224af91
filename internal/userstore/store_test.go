package userstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "users.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, User{App: "store", ID: "1", Username: "alice", Role: "customer", Credential: "key-alice"}))
	require.NoError(t, s.CreateUser(ctx, User{App: "store", ID: "2", Username: "bob", Role: "customer", Credential: "key-bob"}))
	require.NoError(t, s.CreateUser(ctx, User{App: "analytics", ID: "1", Username: "alice", Role: "analyst", Credential: "key-alice-analytics", Email: "alice@example.com"}))
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.db")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	assert.True(t, s.HasColumn("credential"))
	assert.True(t, s.HasColumn("email"))
	require.NoError(t, s.Close())

	// reopening must not re-run migrations
	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadMigrations_Ordered(t *testing.T) {
	migrations, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "users", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)
}

func TestFindUser_ByConfiguredField(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	row, err := s.FindUser(ctx, "store", "credential", "key-bob")
	require.NoError(t, err)
	assert.Equal(t, "2", row["id"])
	assert.Equal(t, "bob", row["username"])
	assert.Equal(t, "customer", row["role"])

	row, err = s.FindUser(ctx, "analytics", "username", "alice")
	require.NoError(t, err)
	assert.Equal(t, "analyst", row["role"])
	assert.Equal(t, "alice@example.com", row["email"])
}

func TestFindUser_ScopedToApp(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	_, err := s.FindUser(context.Background(), "analytics", "credential", "key-bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, IsNotFound(err))
}

func TestFindUser_RejectsUnsafeOrUnknownFields(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	for _, field := range []string{"", "id; DROP TABLE users", "password", "1id", "role OR 1=1"} {
		_, err := s.FindUser(ctx, "store", field, "x")
		assert.ErrorIs(t, err, ErrInvalidField, "field %q", field)
	}

	// table still intact
	_, err := s.FindUser(ctx, "store", "id", "1")
	assert.NoError(t, err)
}

func TestCreateUser_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.CreateUser(ctx, User{App: "store", ID: "1"}), ErrInvalidUser)

	require.NoError(t, s.CreateUser(ctx, User{App: "store", ID: "1", Username: "alice"}))
	assert.ErrorIs(t, s.CreateUser(ctx, User{App: "store", ID: "1", Username: "alice2"}), ErrDuplicateUser)

	row, err := s.FindUser(ctx, "store", "id", "1")
	require.NoError(t, err)
	assert.Equal(t, "user", row["role"], "role defaults to user")
	assert.Nil(t, row["credential"])
}

func TestDeleteUser(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.DeleteUser(ctx, "store", "1"))
	assert.ErrorIs(t, s.DeleteUser(ctx, "store", "1"), ErrUserNotFound)
	_, err := s.FindUser(ctx, "analytics", "id", "1")
	assert.NoError(t, err)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			errs <- s.CreateUser(ctx, User{App: "store", ID: id, Username: "user-" + id})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStore_HealthCheckAndClose(t *testing.T) {
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "users.db")})
	require.NoError(t, err)

	assert.NoError(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	assert.ErrorIs(t, s.HealthCheck(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, s.CreateUser(context.Background(), User{App: "a", ID: "1", Username: "u"}), ErrStoreClosed)
	_, err = s.FindUser(context.Background(), "a", "id", "1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
