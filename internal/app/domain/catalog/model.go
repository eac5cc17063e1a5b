// Package catalog holds the read-only data browser models.
package catalog

// Object is one table or view inside a whitelisted schema. Type is the
// information_schema TABLE_TYPE, BASE TABLE or VIEW.
type Object struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Page is one page of rows from a browsed table. Cells come back as strings
// so the page serializes to JSON and CSV without type games.
type Page struct {
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`

	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ServerInfo is the diagnostics snapshot shown by the browser.
type ServerInfo struct {
	Version     string `json:"version"`
	Now         string `json:"now"`
	CurrentUser string `json:"current_user"`

	VisibleDatabases []string `json:"visible_databases"`
	MissingSchemas   []string `json:"missing_schemas,omitempty"`
}
