package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/crescitadigitale/Bot/internal/config"
	"github.com/crescitadigitale/Bot/internal/db"
	"github.com/crescitadigitale/Bot/internal/migrate"
)

// Bootstrap opens the workspace store, applies migrations, and resolves the
// economy config: the workspace crescita.yml when present, the built-in
// defaults otherwise.
func Bootstrap(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return conn, cfg, nil
}

// WriteDefaultConfig seeds crescita.yml in the workspace. Refuses to
// overwrite an existing file.
func WriteDefaultConfig(workspace string) (string, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
