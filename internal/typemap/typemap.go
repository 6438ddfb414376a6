package typemap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PGType represents a PostgreSQL column type.
type PGType string

const (
	PGBigint      PGType = "bigint"
	PGInteger     PGType = "integer"
	PGNumeric     PGType = "numeric"
	PGDouble      PGType = "double precision"
	PGText        PGType = "text"
	PGBoolean     PGType = "boolean"
	PGTimestampTZ PGType = "timestamp with time zone"
	PGDate        PGType = "date"
	PGBytea       PGType = "bytea"
	PGJSONB       PGType = "jsonb"
)

// TypeMap holds the mapping from SQLite declared types to PostgreSQL types.
type TypeMap struct {
	Mappings  map[string]PGType `yaml:"mappings"`
	Overrides map[string]PGType `yaml:"overrides,omitempty"`
}

// DefaultSQLite returns the default mapping for SQLite declared types.
// SQLite stores whatever the application hands it, so the declared type is
// the only signal for what the column should become on the target side.
func DefaultSQLite() *TypeMap {
	m := map[string]PGType{
		"integer":   PGBigint,
		"int":       PGBigint,
		"bigint":    PGBigint,
		"smallint":  PGInteger,
		"tinyint":   PGInteger,
		"boolean":   PGBoolean,
		"bool":      PGBoolean,
		"real":      PGDouble,
		"double":    PGDouble,
		"float":     PGDouble,
		"numeric":   PGNumeric,
		"decimal":   PGNumeric,
		"money":     PGNumeric,
		"text":      PGText,
		"varchar":   PGText,
		"char":      PGText,
		"clob":      PGText,
		"uuid":      PGText,
		"date":      PGDate,
		"datetime":  PGTimestampTZ,
		"timestamp": PGTimestampTZ,
		"blob":      PGBytea,
		"json":      PGJSONB,
	}
	return &TypeMap{Mappings: m, Overrides: make(map[string]PGType)}
}

// Resolve returns the PostgreSQL type for a SQLite declared type. Declared
// types carry parameters ("VARCHAR(255)", "DECIMAL(10,2)") and arbitrary
// casing; resolution strips both and falls back to SQLite's type-affinity
// rules for unknown declarations.
func (tm *TypeMap) Resolve(declaredType string) PGType {
	base := normalize(declaredType)
	if pg, ok := tm.Overrides[base]; ok {
		return pg
	}
	if pg, ok := tm.Mappings[base]; ok {
		return pg
	}

	// SQLite affinity fallback: INT anywhere -> integer; CHAR/CLOB/TEXT ->
	// text; BLOB or empty -> bytea; REAL/FLOA/DOUB -> double; else numeric.
	// The INT rule comes first, so "FLOATING POINT" is integer affinity,
	// same as SQLite itself resolves it.
	switch {
	case strings.Contains(base, "int"):
		return PGBigint
	case strings.Contains(base, "char"), strings.Contains(base, "clob"), strings.Contains(base, "text"):
		return PGText
	case base == "" || strings.Contains(base, "blob"):
		return PGBytea
	case strings.Contains(base, "real"), strings.Contains(base, "floa"), strings.Contains(base, "doub"):
		return PGDouble
	default:
		return PGNumeric
	}
}

// Override applies a user override for a declared type.
func (tm *TypeMap) Override(declaredType string, pg PGType) {
	if tm.Overrides == nil {
		tm.Overrides = make(map[string]PGType)
	}
	tm.Overrides[normalize(declaredType)] = pg
}

// SortedTypes returns the mapped declared types sorted alphabetically.
func (tm *TypeMap) SortedTypes() []string {
	types := make([]string, 0, len(tm.Mappings))
	for k := range tm.Mappings {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// WriteYAML writes the type mapping to a YAML file.
func (tm *TypeMap) WriteYAML(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	data, err := yaml.Marshal(tm)
	if err != nil {
		return fmt.Errorf("marshaling type map: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// LoadYAML reads a type mapping from a YAML file.
func LoadYAML(path string) (*TypeMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading type map file: %w", err)
	}
	tm := &TypeMap{}
	if err := yaml.Unmarshal(data, tm); err != nil {
		return nil, fmt.Errorf("parsing type map: %w", err)
	}
	if tm.Mappings == nil {
		tm.Mappings = make(map[string]PGType)
	}
	if tm.Overrides == nil {
		tm.Overrides = make(map[string]PGType)
	}
	return tm, nil
}

// normalize lowercases a declared type and strips any length/precision
// suffix: "VARCHAR(255)" -> "varchar".
func normalize(declaredType string) string {
	s := strings.ToLower(strings.TrimSpace(declaredType))
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
