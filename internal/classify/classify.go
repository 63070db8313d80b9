// Package classify maps SQL statement text to the kind of state it mutates.
// It matches keywords only; it does not parse SQL.
package classify

import (
	"regexp"
	"strings"

	"github.com/rossigee/sqlimport/internal/splitter"
)

// Category describes what a statement touches
type Category string

const (
	CategorySchemaObject     Category = "ddl_schema_object"
	CategoryData             Category = "data"
	CategoryDrop             Category = "drop"
	CategoryOwnershipChange  Category = "ownership_change"
	CategoryRights           Category = "rights"
	CategorySelfAffecting    Category = "self_affecting"
	CategoryClusterObject    Category = "cluster_object"
	CategoryConnectionChange Category = "connection_change"
	CategoryUnknown          Category = "unknown"
)

// Kind names the object class of DDL, used by option-driven disables
type Kind string

const (
	KindNone       Kind = ""
	KindSchema     Kind = "schema"
	KindRole       Kind = "role"
	KindTablespace Kind = "tablespace"
	KindDatabase   Kind = "database"
)

// Info is the classification of one statement
type Info struct {
	Category Category
	Kind     Kind
	// Target is the raw table identifier of a data statement, as written
	Target string
	// Bulk is set for COPY ... FROM stdin blocks
	Bulk bool
	// Loads is set for INSERT and COPY, the statements that add rows to Target
	Loads bool
	// Database is the target of a \connect meta-command
	Database string
	// Objects are the raw identifiers a DDL, drop, ownership or rights statement names
	Objects []string
	// SchemaRefs are the schemas such a statement names directly, unquoted and folded
	SchemaRefs []string
	// Setting is the session parameter a SET, RESET or set_config statement changes
	Setting string
	// Reset is set when Setting returns to its default
	Reset bool
}

// identPart matches one quoted or unquoted identifier; qualifiedIdent allows a schema prefix
const (
	identPart      = `(?:"(?:[^"]|"")+"|[^\s(".;,]+)`
	qualifiedIdent = identPart + `(?:\s*\.\s*` + identPart + `)?`
	identList      = qualifiedIdent + `(?:\s*,\s*` + qualifiedIdent + `)*`
)

var (
	reConnect     = regexp.MustCompile(`(?i)^\\(?:connect|c)\b(?:\s+-reuse-previous=\S+)?(?:\s+(\S+))?`)
	reSetRole     = regexp.MustCompile(`(?i)^(?:SET\s+(?:SESSION\s+|LOCAL\s+)?(?:ROLE|SESSION\s+AUTHORIZATION)|RESET\s+(?:ROLE|SESSION\s+AUTHORIZATION))\b`)
	reAlterRole   = regexp.MustCompile(`(?i)^ALTER\s+(?:ROLE|USER)\s+("(?:[^"]|"")+"|[^\s;]+)`)
	reOwnerTo     = regexp.MustCompile(`(?is)^ALTER\s.*\sOWNER\s+TO\s`)
	reClusterDDL  = regexp.MustCompile(`(?i)^(?:CREATE|ALTER)\s+(ROLE|USER|GROUP|TABLESPACE|DATABASE)\b`)
	reCreateDDL   = regexp.MustCompile(`(?i)^(?:CREATE|ALTER|COMMENT\s+ON|SECURITY\s+LABEL)\b`)
	reCreateSchem = regexp.MustCompile(`(?i)^CREATE\s+SCHEMA\b`)
	reDropKind    = regexp.MustCompile(`(?i)^DROP\s+(ROLE|USER|GROUP|TABLESPACE|DATABASE|SCHEMA)\b`)
	reSetval      = regexp.MustCompile(`(?is)^SELECT\s.*\bsetval\s*\(`)
	reInsert      = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+(` + qualifiedIdent + `)`)
	reCopy        = regexp.MustCompile(`(?is)^COPY\s+(` + qualifiedIdent + `)`)
	reUpdate      = regexp.MustCompile(`(?is)^UPDATE\s+(?:ONLY\s+)?(` + qualifiedIdent + `)`)
	reDelete      = regexp.MustCompile(`(?is)^DELETE\s+FROM\s+(?:ONLY\s+)?(` + qualifiedIdent + `)`)
	reTruncate    = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?(?:ONLY\s+)?(` + qualifiedIdent + `)`)

	reObject = regexp.MustCompile(`(?is)^(?:CREATE(?:\s+OR\s+REPLACE)?|ALTER|DROP|COMMENT\s+ON)` +
		`(?:\s+(?:GLOBAL|LOCAL|TEMP|TEMPORARY|UNLOGGED|MATERIALIZED|RECURSIVE|UNIQUE|FOREIGN))*` +
		`\s+(?:TABLE|VIEW|SEQUENCE|FUNCTION|PROCEDURE|AGGREGATE|TYPE|DOMAIN|INDEX|COLLATION|STATISTICS)\s+` +
		`(?:CONCURRENTLY\s+)?(?:IF\s+(?:NOT\s+)?EXISTS\s+)?(?:ONLY\s+)?(` + identList + `)`)
	reOnDDL      = regexp.MustCompile(`(?i)^(?:CREATE|ALTER|DROP|COMMENT\s+ON)\s+(?:(?:OR\s+REPLACE|UNIQUE|CONSTRAINT)\s+)*(?:INDEX|TRIGGER|POLICY|RULE)\b`)
	reOn         = regexp.MustCompile(`(?is)\sON\s+(?:(?:TABLE|SEQUENCE|FUNCTION|PROCEDURE|ROUTINE|TYPE|DOMAIN|FOREIGN\s+TABLE)\s+)?(?:ONLY\s+)?(` + identList + `)`)
	reColumn     = regexp.MustCompile(`(?is)^COMMENT\s+ON\s+COLUMN\s+(` + identPart + `\s*\.\s*` + identPart + `)\s*\.\s*` + identPart)
	reSchemaName = regexp.MustCompile(`(?i)^(?:CREATE|ALTER|DROP|COMMENT\s+ON)\s+SCHEMA\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?(` + identPart + `)`)
	reSchemaRef  = regexp.MustCompile(`(?i)\s(?:ON|IN|SET)\s+SCHEMA\s+(` + identPart + `(?:\s*,\s*` + identPart + `)*)`)
	reRightsOn   = regexp.MustCompile(`(?i)\sON\s+(DATABASE|TABLESPACE)\s`)
	reHasOn      = regexp.MustCompile(`(?i)\sON\s`)
	reOwnedKind  = regexp.MustCompile(`(?i)^ALTER\s+(DATABASE|TABLESPACE)\b`)

	reSetLocal  = regexp.MustCompile(`(?i)^SET\s+LOCAL\b`)
	reSetting   = regexp.MustCompile(`(?i)^(?:SET|RESET)\s+(?:SESSION\s+)?(TIME\s+ZONE|[a-z_][a-z0-9_$]*(?:\.[a-z_][a-z0-9_$]*)?)`)
	reSetConfig = regexp.MustCompile(`(?is)^SELECT\s+(?:pg_catalog\s*\.\s*)?set_config\s*\(\s*'([^']+)'.*,\s*false\s*\)`)
)

// notSettings are words after SET that do not name a session parameter
var notSettings = map[string]bool{
	"local":           true,
	"transaction":     true,
	"constraints":     true,
	"characteristics": true,
}

// Classify returns the category of stmt. identity is the role the import connection
// currently runs as.
func Classify(stmt, identity string) Category {
	return Inspect(stmt, identity).Category
}

// Inspect classifies stmt and extracts the details the execution policy needs
func Inspect(stmt, identity string) Info {
	s := strings.TrimSpace(splitter.TrimNoise(stmt))
	first := strings.ToUpper(firstWord(s))

	if strings.HasPrefix(s, `\`) {
		if m := reConnect.FindStringSubmatch(s); m != nil {
			return Info{Category: CategoryConnectionChange, Database: connectTarget(m[1])}
		}
		return Info{Category: CategoryUnknown}
	}

	if reSetRole.MatchString(s) {
		info := Info{Category: CategorySelfAffecting, Kind: KindRole}
		if !reSetLocal.MatchString(s) {
			info.Setting = "role"
			if strings.Contains(strings.ToUpper(s), "AUTHORIZATION") {
				info.Setting = "session_authorization"
			}
			info.Reset = first == "RESET"
		}
		return info
	}
	if m := reAlterRole.FindStringSubmatch(s); m != nil && isSelf(m[1], identity) {
		return Info{Category: CategorySelfAffecting, Kind: KindRole}
	}

	switch first {
	case "DROP":
		info := Info{Category: CategoryDrop}
		if m := reDropKind.FindStringSubmatch(s); m != nil {
			info.Kind = kindOf(m[1])
		}
		return withObjects(info, s)
	case "GRANT", "REVOKE":
		return withObjects(Info{Category: CategoryRights, Kind: rightsKind(s)}, s)
	case "REASSIGN":
		return Info{Category: CategoryOwnershipChange}
	case "INSERT":
		return Info{Category: CategoryData, Target: match(reInsert, s), Loads: true}
	case "COPY":
		bulk := splitter.IsBulkLoad(s)
		return Info{Category: CategoryData, Target: match(reCopy, s), Bulk: bulk, Loads: bulk}
	case "UPDATE":
		return Info{Category: CategoryData, Target: match(reUpdate, s)}
	case "DELETE":
		return Info{Category: CategoryData, Target: match(reDelete, s)}
	case "TRUNCATE":
		return Info{Category: CategoryData, Target: match(reTruncate, s)}
	case "MERGE":
		return Info{Category: CategoryData}
	case "SELECT":
		if reSetval.MatchString(s) {
			return Info{Category: CategoryData}
		}
		return Info{Category: CategoryUnknown, Setting: strings.ToLower(match(reSetConfig, s))}
	case "SET", "RESET":
		return sessionSetting(s, first)
	}

	if first == "ALTER" && strings.HasPrefix(strings.ToUpper(s), "ALTER DEFAULT PRIVILEGES") {
		return withObjects(Info{Category: CategoryRights}, s)
	}
	if reOwnerTo.MatchString(s) {
		info := Info{Category: CategoryOwnershipChange}
		if m := reOwnedKind.FindStringSubmatch(s); m != nil {
			info.Kind = kindOf(m[1])
		}
		return withObjects(info, s)
	}
	if m := reClusterDDL.FindStringSubmatch(s); m != nil {
		return Info{Category: CategoryClusterObject, Kind: kindOf(m[1])}
	}
	if reCreateSchem.MatchString(s) {
		return withObjects(Info{Category: CategorySchemaObject, Kind: KindSchema}, s)
	}
	if reCreateDDL.MatchString(s) {
		return withObjects(Info{Category: CategorySchemaObject}, s)
	}
	return Info{Category: CategoryUnknown}
}

// withObjects records the objects and schemas a non-data statement names
func withObjects(info Info, s string) Info {
	info.Objects = append(info.Objects, splitList(match(reObject, s))...)
	info.Objects = append(info.Objects, splitList(match(reColumn, s))...)
	if info.Category == CategoryRights || reOnDDL.MatchString(s) {
		info.Objects = append(info.Objects, splitList(match(reOn, s))...)
	}

	if name := match(reSchemaName, s); name != "" {
		info.SchemaRefs = append(info.SchemaRefs, unquote(name))
	}
	for _, m := range reSchemaRef.FindAllStringSubmatch(s, -1) {
		for _, name := range splitList(m[1]) {
			info.SchemaRefs = append(info.SchemaRefs, unquote(name))
		}
	}
	return info
}

// rightsKind tells database, tablespace and role membership grants apart from object grants
func rightsKind(s string) Kind {
	if m := reRightsOn.FindStringSubmatch(s); m != nil {
		return kindOf(m[1])
	}
	if !reHasOn.MatchString(s) {
		return KindRole
	}
	return KindNone
}

// sessionSetting classifies SET and RESET of a session parameter
func sessionSetting(s, first string) Info {
	info := Info{Category: CategoryUnknown}
	m := reSetting.FindStringSubmatch(s)
	if m == nil {
		return info
	}
	name := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
	if name == "time zone" {
		name = "timezone"
	}
	if notSettings[name] {
		return info
	}
	info.Setting = name
	info.Reset = first == "RESET"
	return info
}

func match(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func firstWord(s string) string {
	for i, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_') {
			return s[:i]
		}
	}
	return s
}

func kindOf(word string) Kind {
	switch strings.ToUpper(word) {
	case "ROLE", "USER", "GROUP":
		return KindRole
	case "TABLESPACE":
		return KindTablespace
	case "DATABASE":
		return KindDatabase
	case "SCHEMA":
		return KindSchema
	}
	return KindNone
}

func isSelf(name, identity string) bool {
	switch strings.ToUpper(name) {
	case "CURRENT_USER", "SESSION_USER", "CURRENT_ROLE":
		return true
	}
	return identity != "" && unquote(name) == identity
}

// connectTarget extracts the database name from a \connect argument, which is
// either a plain name or a conninfo string such as "dbname='shop'"
func connectTarget(arg string) string {
	arg = unquote(arg)
	if rest, ok := strings.CutPrefix(arg, "dbname="); ok {
		return strings.Trim(rest, "'")
	}
	return arg
}

// unquote strips double quotes from an identifier; unquoted names fold to lower case
func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	if len(ident) >= 2 && ident[0] == '\'' && ident[len(ident)-1] == '\'' {
		return ident[1 : len(ident)-1]
	}
	return strings.ToLower(ident)
}
