package policy

import (
	"github.com/rossigee/sqlimport/internal/classify"
)

const publicSchema = "public"

// schemaScoped lists the categories a schema-scoped job may run
var schemaScoped = map[classify.Category]bool{
	classify.CategorySchemaObject:    true,
	classify.CategoryData:            true,
	classify.CategoryDrop:            true,
	classify.CategoryOwnershipChange: true,
	classify.CategoryRights:          true,
	classify.CategoryUnknown:         true,
}

// scopeDenial returns why the job's scope forbids a statement, or "" when it is allowed
func scopeDenial(st *State, info classify.Info) string {
	switch st.Scope {
	case ScopeServer, "":
		return ""

	case ScopeDatabase:
		switch info.Category {
		case classify.CategoryClusterObject, classify.CategoryConnectionChange:
			return "not permitted in database scope"
		}
		if clusterKind(info) {
			return "not permitted in database scope"
		}
		return ""

	case ScopeSchema:
		if !schemaScoped[info.Category] || clusterKind(info) {
			return "not permitted in schema scope"
		}
		if info.Kind == classify.KindSchema {
			return "schema-level statements not permitted in schema scope"
		}
		if schema := foreignSchema(st, info); schema != "" {
			return "statement touches schema " + schema
		}
		return ""

	case ScopeTable:
		if info.Category != classify.CategoryData {
			return "only data statements are permitted in table scope"
		}
		scoped, ok := classify.NormalizeTable(st.ScopeIdent, publicSchema)
		target, found := classify.NormalizeTable(info.Target, publicSchema)
		if !ok || !found || scoped != target {
			return "statement does not target " + st.ScopeIdent
		}
		return ""
	}
	return "unknown scope"
}

// clusterKind reports drops, grants and ownership changes of roles, tablespaces and databases
func clusterKind(info classify.Info) bool {
	if info.Category == classify.CategorySelfAffecting {
		return false
	}
	switch info.Kind {
	case classify.KindRole, classify.KindTablespace, classify.KindDatabase:
		return true
	}
	return false
}

// foreignSchema returns the first schema other than the job's own that a
// statement names explicitly, or ""
func foreignSchema(st *State, info classify.Info) string {
	home := defaultSchema(st)
	for _, schema := range info.SchemaRefs {
		if schema != home {
			return schema
		}
	}
	for _, ident := range append([]string{info.Target}, info.Objects...) {
		if schema, ok := classify.SchemaOf(ident); ok && schema != home {
			return schema
		}
	}
	return ""
}

// kindDisabled returns why an option switches off statements of this kind
func kindDisabled(opts Options, info classify.Info) string {
	switch info.Kind {
	case classify.KindSchema:
		if info.Category == classify.CategorySchemaObject && !opts.ImportSchemaCreate {
			return "schema creation disabled"
		}
	case classify.KindRole:
		if !opts.ImportRoles {
			return "role import disabled"
		}
	case classify.KindTablespace:
		if !opts.ImportTablespaces {
			return "tablespace import disabled"
		}
	case classify.KindDatabase:
		if !opts.ImportDatabases {
			return "database import disabled"
		}
	}
	return ""
}

// defaultSchema is where unqualified table names resolve
func defaultSchema(st *State) string {
	if st.Scope == ScopeSchema && st.ScopeIdent != "" {
		if table, ok := classify.NormalizeTable(st.ScopeIdent+".x", publicSchema); ok {
			return table.Schema
		}
	}
	return publicSchema
}
