package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint computes a stable digest of the schema shape: table names,
// column names, types, nullability, and primary keys. Row counts, defaults,
// and indexes are excluded so that data growth or index tuning between a
// failed run and its resume does not invalidate the checkpointed plan.
// A changed fingerprint on resume means the schema drifted and the run
// must be restarted from introspection.
func (s *Schema) Fingerprint() string {
	var b strings.Builder

	tables := make([]Table, len(s.Tables))
	copy(tables, s.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	for _, t := range tables {
		fmt.Fprintf(&b, "table:%s\n", t.Name)
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  col:%s type:%s/%s null:%t\n", c.Name, c.SourceType, c.TargetType, c.Nullable)
		}
		if t.PrimaryKey != nil {
			fmt.Fprintf(&b, "  pk:%s\n", strings.Join(t.PrimaryKey.Columns, ","))
		}
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "  fk:%s->%s.%s\n", fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
