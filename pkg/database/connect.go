package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// driverMap maps backend database plugins to database/sql driver names.
var driverMap = map[string]string{
	"postgresql-database-plugin":   "postgres",
	"mysql-database-plugin":        "mysql",
	"mysql-aurora-database-plugin": "mysql",
	"mysql-rds-database-plugin":    "mysql",
	"mysql-legacy-database-plugin": "mysql",
}

// Connect issues a credential for role and opens a pinged database handle
// with it. The caller owns the returned *sql.DB. An unknown role yields
// nil results without an error.
func (e *Engine) Connect(ctx context.Context, role string) (*sql.DB, *Credential, error) {
	conn, err := e.connectionFor(ctx, role)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil {
		e.logger.Warn("Database role %s not found on mount %s", role, e.cfg.MountPoint)
		return nil, nil, nil
	}

	driver, ok := driverMap[conn.PluginName]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported database plugin %q", conn.PluginName)
	}

	cred, err := e.GenerateCredentials(ctx, role)
	if err != nil || cred == nil {
		return nil, nil, err
	}

	dsn, err := renderDSN(driver, conn.ConnectionURL, cred.Username, cred.Password)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	db, err := e.open(driver, dsn)
	if err != nil {
		e.observe("connect", start, err)
		return nil, nil, fmt.Errorf("opening %s connection for role %s: %w", driver, role, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		e.observe("connect", start, err)
		return nil, nil, fmt.Errorf("pinging %s database for role %s: %w", driver, role, err)
	}
	e.observe("connect", start, nil)

	e.logger.Info("Connected to %s database as %s (role %s)", driver, cred.Username, role)
	return db, cred, nil
}

// connectionFor returns the registered connection, or looks up the role's
// connection on the backend. nil means the role does not exist.
func (e *Engine) connectionFor(ctx context.Context, role string) (*Connection, error) {
	if e.cfg.Connection != nil {
		c := *e.cfg.Connection
		return &c, nil
	}

	return session.Do(ctx, e.sessions, "database.lookup", func(ctx context.Context, s *auth.Session) (*Connection, error) {
		roleCfg, err := s.Client().Logical().ReadWithContext(ctx, e.cfg.MountPoint+"/roles/"+role)
		if err != nil || roleCfg == nil {
			return nil, err
		}
		name := backend.String(roleCfg.Data["db_name"])
		if name == "" {
			return nil, fmt.Errorf("role %s has no db_name", role)
		}

		connCfg, err := s.Client().Logical().ReadWithContext(ctx, e.cfg.MountPoint+"/config/"+name)
		if err != nil {
			return nil, err
		}
		if connCfg == nil {
			return nil, fmt.Errorf("database connection %s for role %s not found", name, role)
		}

		details := backend.Map(connCfg.Data["connection_details"])
		connURL := backend.String(details["connection_url"])
		if connURL == "" {
			connURL = backend.String(connCfg.Data["connection_url"])
		}
		return &Connection{
			Name:          name,
			PluginName:    backend.String(connCfg.Data["plugin_name"]),
			ConnectionURL: connURL,
		}, nil
	})
}

// renderDSN fills the credential into the connection template and checks
// the result with the driver's own parser.
func renderDSN(driver, template, username, password string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("connection URL template is empty")
	}

	escape := func(s string) string { return s }
	if strings.Contains(template, "://") {
		escape = url.PathEscape
	}
	dsn := strings.NewReplacer(
		"{{username}}", escape(username),
		"{{password}}", escape(password),
	).Replace(template)

	switch driver {
	case "postgres":
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if _, err := pq.ParseURL(dsn); err != nil {
				return "", fmt.Errorf("invalid postgres connection URL: %w", err)
			}
		}
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		dsn = cfg.FormatDSN()
	}
	return dsn, nil
}
