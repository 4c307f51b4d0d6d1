package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // database driver

	"github.com/mcp-orch/mcp-orch/pkg/crypto"
	orcherrors "github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/validation"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrServerNotFound is returned when no backend server matches the reference
// within the project.
var ErrServerNotFound = errors.New("backend server not found")

// Registry reads backend server definitions from the database.
//
// It deliberately does not cache: one round-trip per call. Callers that sit
// on a hot path (the session manager) must resolve through the registry only
// on cache miss.
type Registry struct {
	db       *sql.DB
	envelope *crypto.Envelope
}

// Open connects to the registry database, retrying the initial ping with
// exponential backoff, and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(15*time.Second))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return db, nil
}

// dataSourceName strips URL-style prefixes so DATABASE_URL may be either a
// plain path or a sqlite:// URL.
func dataSourceName(databaseURL string) string {
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if rest, ok := strings.CutPrefix(databaseURL, prefix); ok {
			return rest
		}
	}
	return databaseURL
}

// NewRegistry creates a registry over an open database handle.
func NewRegistry(db *sql.DB, envelope *crypto.Envelope) *Registry {
	return &Registry{db: db, envelope: envelope}
}

const selectColumns = `id, project_id, name, transport, enabled, disabled_until, timeout_ms,
	auto_approve_tools, jwt_required, command, args_encrypted, env_encrypted, cwd, url, headers_encrypted`

// Get resolves a server reference within a project.
//
// The reference may be the opaque server ID, the server name, or one of the
// legacy string forms seen at protocol boundaries: "<project>.<name>" and
// "<uuid>_<name>". All forms collapse to one (project_id, id-or-name) lookup.
func (r *Registry) Get(ctx context.Context, projectID, serverRef string) (*BackendServer, error) {
	ref := normalizeRef(projectID, serverRef)

	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM mcp_servers WHERE project_id = ? AND (id = ? OR name = ?)`,
		projectID, ref, ref)

	server, err := r.scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherrors.NewNotFoundError(
			fmt.Sprintf("server %q not found in project %q", serverRef, projectID), ErrServerNotFound)
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

// ListEnabled returns every enabled backend server in a project.
func (r *Registry) ListEnabled(ctx context.Context, projectID string) ([]*BackendServer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM mcp_servers WHERE project_id = ? AND enabled = 1 ORDER BY name`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*BackendServer
	for rows.Next() {
		server, err := r.scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// Insert persists a backend server definition, encrypting sensitive fields.
// The read model owns no other writes; this exists for the admin collaborator
// and for tests to seed state.
func (r *Registry) Insert(ctx context.Context, server *BackendServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if server.Timeout <= 0 {
		server.Timeout = DefaultTimeout
	}
	if server.JWTRequired == "" {
		server.JWTRequired = JWTInherit
	}
	if err := validation.ValidateServerName(server.Name); err != nil {
		return err
	}
	switch server.Transport {
	case TransportStdio:
		if server.Command == "" {
			return fmt.Errorf("stdio server %q requires a command", server.Name)
		}
	case TransportSSE:
		if server.URL == "" {
			return fmt.Errorf("sse server %q requires a url", server.Name)
		}
		if err := validation.ValidateBackendURL(server.URL); err != nil {
			return err
		}
		for name, value := range server.Headers {
			if err := validation.ValidateHTTPHeaderName(name); err != nil {
				return err
			}
			if err := validation.ValidateHTTPHeaderValue(value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported transport %q", server.Transport)
	}

	argsToken, err := r.encryptJSON(server.Args)
	if err != nil {
		return err
	}
	envToken, err := r.encryptJSON(server.Env)
	if err != nil {
		return err
	}
	headersToken, err := r.encryptJSON(server.Headers)
	if err != nil {
		return err
	}

	autoApprove, err := json.Marshal(server.AutoApproveTools)
	if err != nil {
		return fmt.Errorf("failed to marshal auto-approve list: %w", err)
	}

	var disabledUntil any
	if !server.DisabledUntil.IsZero() {
		disabledUntil = server.DisabledUntil.UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.ProjectID, server.Name, server.Transport.String(), server.Enabled,
		disabledUntil, server.Timeout.Milliseconds(), string(autoApprove), string(server.JWTRequired),
		nullable(server.Command), argsToken, envToken, nullable(server.Cwd),
		nullable(server.URL), headersToken)
	if err != nil {
		return fmt.Errorf("failed to insert server %q: %w", server.Name, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Registry) encryptJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secret field: %w", err)
	}
	token, err := r.envelope.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret field: %w", err)
	}
	return token, nil
}

func (r *Registry) decryptJSON(token sql.NullString, out any) error {
	if !token.Valid || token.String == "" {
		return nil
	}
	plaintext, err := r.envelope.Decrypt(token.String)
	if err != nil {
		return orcherrors.NewDecryptError("failed to decrypt server field", err)
	}
	return json.Unmarshal(plaintext, out)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Registry) scanServer(row rowScanner) (*BackendServer, error) {
	var (
		server        BackendServer
		transport     string
		disabledUntil sql.NullTime
		timeoutMS     int64
		autoApprove   string
		jwtRequired   string
		command       sql.NullString
		argsToken     sql.NullString
		envToken      sql.NullString
		cwd           sql.NullString
		url           sql.NullString
		headersToken  sql.NullString
	)

	err := row.Scan(&server.ID, &server.ProjectID, &server.Name, &transport, &server.Enabled,
		&disabledUntil, &timeoutMS, &autoApprove, &jwtRequired,
		&command, &argsToken, &envToken, &cwd, &url, &headersToken)
	if err != nil {
		return nil, err
	}

	server.Transport = Transport(transport)
	if disabledUntil.Valid {
		server.DisabledUntil = disabledUntil.Time
	}
	server.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if server.Timeout <= 0 {
		server.Timeout = DefaultTimeout
	}
	server.JWTRequired = JWTPolicy(jwtRequired)
	server.Command = command.String
	server.Cwd = cwd.String
	server.URL = url.String

	if err := json.Unmarshal([]byte(autoApprove), &server.AutoApproveTools); err != nil {
		return nil, fmt.Errorf("failed to decode auto-approve list for %q: %w", server.Name, err)
	}
	if err := r.decryptJSON(argsToken, &server.Args); err != nil {
		return nil, err
	}
	if err := r.decryptJSON(envToken, &server.Env); err != nil {
		return nil, err
	}
	if err := r.decryptJSON(headersToken, &server.Headers); err != nil {
		return nil, err
	}

	return &server, nil
}

// normalizeRef collapses the legacy string forms of a server reference.
func normalizeRef(projectID, serverRef string) string {
	// "<project>.<name>" — used by clients that carry the project in the ref.
	if prefix, name, ok := strings.Cut(serverRef, "."); ok {
		if _, err := uuid.Parse(prefix); err == nil && prefix == projectID {
			return name
		}
	}
	// "<uuid>_<name>" — the UUID part is the server ID.
	if prefix, _, ok := strings.Cut(serverRef, "_"); ok {
		if _, err := uuid.Parse(prefix); err == nil {
			return prefix
		}
	}
	return serverRef
}
