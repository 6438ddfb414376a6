package schema

// Schema represents the complete introspected schema of a database.
type Schema struct {
	DatabaseType string  `yaml:"database_type"` // sqlite or postgresql
	Path         string  `yaml:"path,omitempty"`
	Database     string  `yaml:"database,omitempty"`
	Tables       []Table `yaml:"tables"`
}

// Table describes a single table: its columns in declaration order, keys,
// and an estimated row count taken at introspection time. Built once per
// run and never mutated afterwards.
type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  *PrimaryKey  `yaml:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
	Indexes     []Index      `yaml:"indexes,omitempty"`
	RowCount    int64        `yaml:"row_count"`
}

// Column represents a table column with its source and target dialect types.
type Column struct {
	Name         string  `yaml:"name"`
	SourceType   string  `yaml:"source_type"`
	TargetType   string  `yaml:"target_type,omitempty"`
	Nullable     bool    `yaml:"nullable"`
	DefaultValue *string `yaml:"default_value,omitempty"`
}

// PrimaryKey represents a table's primary key.
type PrimaryKey struct {
	Columns []string `yaml:"columns"`
}

// ForeignKey represents a foreign key relationship.
type ForeignKey struct {
	Column           string `yaml:"column"`
	ReferencedTable  string `yaml:"referenced_table"`
	ReferencedColumn string `yaml:"referenced_column"`
}

// Index represents a database index.
type Index struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

// Table returns the table with the given name, or nil.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Column returns the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// KeysetColumn returns the column used for keyset pagination: the single
// primary key column when there is exactly one, otherwise "rowid" (SQLite
// provides rowid for tables without an explicit usable key).
func (t *Table) KeysetColumn() string {
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) == 1 {
		return t.PrimaryKey.Columns[0]
	}
	return "rowid"
}
