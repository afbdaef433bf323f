package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yauthd/store"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dbURI := "sqlite:" + filepath.Join(t.TempDir(), "yauthd.db")
	t.Setenv("MODE", "dev")
	t.Setenv("DB_URI", dbURI)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "cli-test-secret")
	t.Setenv("YAUTHD_CONFIG", "")
	return dbURI
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateAndGetUser(t *testing.T) {
	dbURI := setupEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	ctx := context.Background()
	users, err := store.Open(ctx, store.Config{URI: dbURI})
	require.NoError(t, err)
	id, err := users.UpsertUser(ctx, store.UpsertParams{
		Provider:       "google",
		ProviderUserID: "U1",
		Email:          "a@b.com",
		AccessToken:    "secret-access-token",
		Name:           "A",
	})
	require.NoError(t, err)
	require.NoError(t, users.Close())

	out, err = run(t, "--out", "json", "user", "get", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-access-token")

	var view userView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, "U1", view.ProviderUserID)
	assert.Equal(t, "a@b.com", view.Email)

	_, err = run(t, "user", "get", "99")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "user", "get", "abc")
	assert.ErrorContains(t, err, "invalid user id")
}

func TestSessionMintAndVerify(t *testing.T) {
	setupEnv(t)

	token, err := run(t, "session", "mint", "42")
	require.NoError(t, err)
	token = strings.TrimSpace(token)
	require.Equal(t, 2, strings.Count(token, "."), "expected a compact JWT, got %q", token)

	out, err := run(t, "session", "verify", token)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "user_id=42 "), out)

	out, err = run(t, "--out", "json", "session", "verify", token)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.EqualValues(t, 42, body["user_id"])
	assert.Equal(t, "yauthd", body["issuer"])
}

func TestSessionVerifyRejectsForeignSecret(t *testing.T) {
	setupEnv(t)

	token, err := run(t, "session", "mint", "7")
	require.NoError(t, err)

	t.Setenv("JWT_SECRET", "another-secret")
	_, err = run(t, "session", "verify", strings.TrimSpace(token))
	assert.ErrorContains(t, err, "invalid session")
}

func TestSessionMintRejectsBadUserID(t *testing.T) {
	setupEnv(t)

	for _, arg := range []string{"0", "-3", "abc"} {
		_, err := run(t, "session", "mint", arg)
		assert.Error(t, err, arg)
	}
	_, err := run(t, "session", "mint")
	assert.Error(t, err)
}

func TestConfigPathFromDotEnv(t *testing.T) {
	setupEnv(t)
	os.Unsetenv("YAUTHD_CONFIG")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sessions:\n  issuer: custom-issuer\n"), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("YAUTHD_CONFIG="+configPath+"\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("YAUTHD_CONFIG") })

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--env-file", envFile, "session", "mint", "5"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	out2, err := run(t, "--out", "json", "session", "verify", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out2), &body))
	assert.Equal(t, "custom-issuer", body["issuer"])
}
