package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-orch/mcp-orch/pkg/crypto"
	orcherrors "github.com/mcp-orch/mcp-orch/pkg/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *sql.DB) {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	envelope, err := crypto.NewEnvelope("test-key")
	require.NoError(t, err)

	return NewRegistry(db, envelope), db
}

func TestRegistry_GetDecryptsOnRead(t *testing.T) {
	t.Parallel()

	reg, db := newTestRegistry(t)
	projectID := uuid.New().String()

	server := &BackendServer{
		ProjectID: projectID,
		Name:      "fs",
		Transport: TransportStdio,
		Enabled:   true,
		Command:   "echo-mcp",
		Args:      []string{"--api-key", "secret-arg"},
		Env:       map[string]string{"TOKEN": "abc"},
	}
	require.NoError(t, reg.Insert(context.Background(), server))

	// The stored row must not contain the plaintext.
	var envToken string
	err := db.QueryRow(`SELECT env_encrypted FROM mcp_servers WHERE id = ?`, server.ID).Scan(&envToken)
	require.NoError(t, err)
	assert.NotContains(t, envToken, "abc")

	got, err := reg.Get(context.Background(), projectID, "fs")
	require.NoError(t, err)
	assert.Equal(t, server.ID, got.ID)
	assert.Equal(t, []string{"--api-key", "secret-arg"}, got.Args)
	assert.Equal(t, map[string]string{"TOKEN": "abc"}, got.Env)
	assert.Equal(t, DefaultTimeout, got.Timeout)
	assert.Equal(t, JWTInherit, got.JWTRequired)
}

func TestRegistry_GetByID(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	projectID := uuid.New().String()

	server := &BackendServer{
		ProjectID: projectID,
		Name:      "remote",
		Transport: TransportSSE,
		Enabled:   true,
		URL:       "http://upstream.example/sse",
		Headers:   map[string]string{"Authorization": "Bearer xyz"},
	}
	require.NoError(t, reg.Insert(context.Background(), server))

	got, err := reg.Get(context.Background(), projectID, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote", got.Name)
	assert.Equal(t, map[string]string{"Authorization": "Bearer xyz"}, got.Headers)
}

func TestRegistry_NotFound(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	_, err := reg.Get(context.Background(), uuid.New().String(), "missing")
	require.Error(t, err)
	assert.True(t, orcherrors.IsNotFound(err))
}

func TestRegistry_DuplicateNamesAcrossProjects(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	p1 := uuid.New().String()
	p2 := uuid.New().String()

	require.NoError(t, reg.Insert(context.Background(), &BackendServer{
		ProjectID: p1, Name: "fs", Transport: TransportStdio, Enabled: true, Command: "one",
	}))
	require.NoError(t, reg.Insert(context.Background(), &BackendServer{
		ProjectID: p2, Name: "fs", Transport: TransportStdio, Enabled: true, Command: "two",
	}))

	// Same name within one project is rejected by the unique index.
	err := reg.Insert(context.Background(), &BackendServer{
		ProjectID: p1, Name: "fs", Transport: TransportStdio, Enabled: true, Command: "three",
	})
	assert.Error(t, err)

	got1, err := reg.Get(context.Background(), p1, "fs")
	require.NoError(t, err)
	got2, err := reg.Get(context.Background(), p2, "fs")
	require.NoError(t, err)
	assert.Equal(t, "one", got1.Command)
	assert.Equal(t, "two", got2.Command)
}

func TestRegistry_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	reg, db := newTestRegistry(t)
	projectID := uuid.New().String()

	server := &BackendServer{
		ProjectID: projectID, Name: "fs", Transport: TransportStdio, Enabled: true,
		Command: "echo-mcp", Env: map[string]string{"TOKEN": "abc"},
	}
	require.NoError(t, reg.Insert(context.Background(), server))

	// Overwrite one byte of the stored token.
	var envToken string
	require.NoError(t, db.QueryRow(`SELECT env_encrypted FROM mcp_servers WHERE id = ?`, server.ID).Scan(&envToken))
	tampered := []byte(envToken)
	if tampered[4] == 'A' {
		tampered[4] = 'B'
	} else {
		tampered[4] = 'A'
	}
	_, err := db.Exec(`UPDATE mcp_servers SET env_encrypted = ? WHERE id = ?`, string(tampered), server.ID)
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), projectID, "fs")
	require.Error(t, err)
	assert.True(t, orcherrors.IsDecryptError(err))
}

func TestRegistry_ListEnabled(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	projectID := uuid.New().String()

	require.NoError(t, reg.Insert(context.Background(), &BackendServer{
		ProjectID: projectID, Name: "beta", Transport: TransportStdio, Enabled: true, Command: "b",
	}))
	require.NoError(t, reg.Insert(context.Background(), &BackendServer{
		ProjectID: projectID, Name: "alpha", Transport: TransportStdio, Enabled: true, Command: "a",
	}))
	require.NoError(t, reg.Insert(context.Background(), &BackendServer{
		ProjectID: projectID, Name: "off", Transport: TransportStdio, Enabled: false, Command: "c",
	}))

	servers, err := reg.ListEnabled(context.Background(), projectID)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].Name)
	assert.Equal(t, "beta", servers[1].Name)
}

func TestNormalizeRef(t *testing.T) {
	t.Parallel()

	projectID := uuid.New().String()
	serverID := uuid.New().String()

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{name: "plain name", ref: "fs", want: "fs"},
		{name: "raw uuid", ref: serverID, want: serverID},
		{name: "project dot name", ref: projectID + ".fs", want: "fs"},
		{name: "foreign project dot name", ref: uuid.New().String() + ".fs", want: ""},
		{name: "uuid underscore name", ref: serverID + "_fs", want: serverID},
		{name: "name with underscore", ref: "my_server", want: "my_server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := normalizeRef(projectID, tt.ref)
			if tt.want == "" {
				// Unrecognized forms pass through unchanged.
				assert.Equal(t, tt.ref, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBackendServer_DisabledAt(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := &BackendServer{DisabledUntil: now.Add(time.Minute)}
	assert.True(t, s.DisabledAt(now))
	assert.False(t, s.DisabledAt(now.Add(2*time.Minute)))
	assert.False(t, (&BackendServer{}).DisabledAt(now))
}
