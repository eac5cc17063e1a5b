// Package catalog implements the read-only warehouse data browser. Every
// query goes to a whitelisted schema through validated identifiers and bound
// parameters.
package catalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/stellarbeauty/relatorios/internal/app/domain/catalog"
	"github.com/stellarbeauty/relatorios/internal/config"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// identifierPattern is the only shape schema and table names may take. Names
// are additionally checked against the whitelist or information_schema before
// they reach a query.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Service browses whitelisted schemas.
type Service struct {
	db    *sqlx.DB
	cfg   *config.CatalogConfig
	cache *Cache
	log   *logger.Logger
}

// New constructs the browser on a read-only database handle. cache may be
// nil.
func New(db *sqlx.DB, cfg *config.CatalogConfig, cache *Cache, log *logger.Logger) *Service {
	if cfg == nil {
		cfg = config.DefaultCatalogConfig()
	}
	if log == nil {
		log = logger.NewDefault("catalog")
	}
	return &Service{db: db, cfg: cfg, cache: cache, log: log}
}

// Schemas returns the whitelist.
func (s *Service) Schemas() []string {
	return append([]string(nil), s.cfg.AllowedSchemas...)
}

// DefaultSchema returns the schema the browser opens on.
func (s *Service) DefaultSchema() string { return s.cfg.DefaultSchema }

// ListObjects returns the tables and views of one whitelisted schema.
func (s *Service) ListObjects(ctx context.Context, schema string) ([]catalog.Object, error) {
	if err := s.checkSchema(schema); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT TABLE_NAME, TABLE_TYPE
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("list objects of %s: %w", schema, err)
	}
	defer rows.Close()

	var result []catalog.Object
	for rows.Next() {
		var o catalog.Object
		if err := rows.Scan(&o.Name, &o.Type); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// CountRows returns the row count of one table.
func (s *Service) CountRows(ctx context.Context, schema, table string) (int64, error) {
	if err := s.checkTarget(ctx, schema, table); err != nil {
		return 0, err
	}

	var count int64
	// Identifiers cannot be bound; they are validated and quoted instead.
	query := fmt.Sprintf("SELECT COUNT(*) FROM `%s`.`%s`", schema, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, table, err)
	}
	return count, nil
}

// ReadPage returns one page of a table. page is 1-based; pageSize is clamped
// to 1..MaxPageSize.
func (s *Service) ReadPage(ctx context.Context, schema, table string, page, pageSize int) (catalog.Page, error) {
	if err := s.checkTarget(ctx, schema, table); err != nil {
		return catalog.Page{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.cfg.DefaultPageSize
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}

	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, schema, table, page, pageSize); ok {
			return cached, nil
		}
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf("SELECT * FROM `%s`.`%s` LIMIT ? OFFSET ?", schema, table)
	rows, err := s.db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return catalog.Page{}, fmt.Errorf("read %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return catalog.Page{}, err
	}

	result := catalog.Page{
		Schema:   schema,
		Table:    table,
		Page:     page,
		PageSize: pageSize,
		Columns:  columns,
		Rows:     [][]string{},
	}

	raw := make([]sql.RawBytes, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return catalog.Page{}, err
		}
		row := make([]string, len(columns))
		for i, cell := range raw {
			if cell == nil {
				row[i] = "NULL"
				continue
			}
			row[i] = string(cell)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return catalog.Page{}, err
	}

	if s.cache != nil {
		s.cache.Put(ctx, result)
	}
	return result, nil
}

// WriteCSV renders one page as CSV.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer, schema, table string, page, pageSize int) error {
	p, err := s.ReadPage(ctx, schema, table, page, pageSize)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(p.Columns); err != nil {
		return err
	}
	for _, row := range p.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ServerInfo reports the server version, clock and which whitelisted schemas
// are actually visible to the configured account.
func (s *Service) ServerInfo(ctx context.Context) (catalog.ServerInfo, error) {
	var info catalog.ServerInfo
	err := s.db.QueryRowContext(ctx,
		"SELECT VERSION(), CAST(UTC_TIMESTAMP() AS CHAR), CURRENT_USER()",
	).Scan(&info.Version, &info.Now, &info.CurrentUser)
	if err != nil {
		return catalog.ServerInfo{}, fmt.Errorf("server diagnostics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return catalog.ServerInfo{}, err
	}
	defer rows.Close()

	visible := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return catalog.ServerInfo{}, err
		}
		visible[name] = true
		info.VisibleDatabases = append(info.VisibleDatabases, name)
	}
	if err := rows.Err(); err != nil {
		return catalog.ServerInfo{}, err
	}
	sort.Strings(info.VisibleDatabases)

	for _, schema := range s.cfg.AllowedSchemas {
		if !visible[schema] {
			info.MissingSchemas = append(info.MissingSchemas, schema)
		}
	}
	return info, nil
}

func (s *Service) checkSchema(schema string) error {
	if !identifierPattern.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	if !s.cfg.Allows(schema) {
		return fmt.Errorf("schema %q is not allowed", schema)
	}
	return nil
}

// checkTarget validates the schema and confirms the table actually exists in
// it, so table names never reach a query unverified.
func (s *Service) checkTarget(ctx context.Context, schema, table string) error {
	if err := s.checkSchema(schema); err != nil {
		return err
	}
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	`, schema, table).Scan(&count)
	if err != nil {
		return fmt.Errorf("verify table %s.%s: %w", schema, table, err)
	}
	if count == 0 {
		return fmt.Errorf("table %q not found in schema %q", table, schema)
	}
	return nil
}
