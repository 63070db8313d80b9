package classify

import "strings"

// Table is a schema-qualified table name in its canonical (unquoted, folded) form
type Table struct {
	Schema string
	Name   string
}

// String returns schema.name without quoting, the form used for bookkeeping
func (t Table) String() string {
	return t.Schema + "." + t.Name
}

// Quoted returns the name ready to be embedded in SQL
func (t Table) Quoted() string {
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

// NormalizeTable parses an identifier such as public."Items" into its canonical
// form. Unqualified names are placed in defaultSchema.
func NormalizeTable(ident, defaultSchema string) (Table, bool) {
	parts := splitQualified(strings.TrimSpace(ident))
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Table{}, false
		}
		return Table{Schema: defaultSchema, Name: unquote(parts[0])}, true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Table{}, false
		}
		return Table{Schema: unquote(parts[0]), Name: unquote(parts[1])}, true
	}
	return Table{}, false
}

// SchemaOf returns the schema an identifier names explicitly, unquoted and folded
func SchemaOf(ident string) (string, bool) {
	parts := splitQualified(strings.TrimSpace(ident))
	if len(parts) < 2 || parts[0] == "" {
		return "", false
	}
	return unquote(parts[0]), true
}

// splitQualified splits on dots outside double quotes
func splitQualified(ident string) []string {
	return splitOutside(ident, '.')
}

// splitList splits a comma separated identifier list, dropping empty items
func splitList(list string) []string {
	var names []string
	for _, name := range splitOutside(list, ',') {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func splitOutside(s string, sep byte) []string {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
			current.WriteByte(c)
		case c == sep && !quoted:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	return append(parts, strings.TrimSpace(current.String()))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
