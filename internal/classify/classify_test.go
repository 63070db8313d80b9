package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		stmt     string
		identity string
		want     Category
	}{
		{"CREATE TABLE public.t (id int);", "", CategorySchemaObject},
		{"-- Name: t\nALTER TABLE ONLY public.t ADD CONSTRAINT t_pkey PRIMARY KEY (id);", "", CategorySchemaObject},
		{"COMMENT ON TABLE t IS 'x';", "", CategorySchemaObject},
		{"CREATE SCHEMA sales;", "", CategorySchemaObject},
		{"INSERT INTO t VALUES (1);", "", CategoryData},
		{"COPY public.t (id) FROM stdin;\n1\n\\.", "", CategoryData},
		{"update t set a = 1;", "", CategoryData},
		{"DELETE FROM t;", "", CategoryData},
		{"SELECT pg_catalog.setval('public.t_id_seq', 42, true);", "", CategoryData},
		{"DROP TABLE t;", "", CategoryDrop},
		{"drop role bob;", "", CategoryDrop},
		{"ALTER TABLE public.t OWNER TO bob;", "", CategoryOwnershipChange},
		{"REASSIGN OWNED BY bob TO alice;", "", CategoryOwnershipChange},
		{"GRANT SELECT ON t TO bob;", "", CategoryRights},
		{"REVOKE ALL ON SCHEMA public FROM PUBLIC;", "", CategoryRights},
		{"ALTER DEFAULT PRIVILEGES IN SCHEMA s GRANT SELECT ON TABLES TO bob;", "", CategoryRights},
		{"CREATE ROLE bob;", "", CategoryClusterObject},
		{"ALTER ROLE bob WITH NOSUPERUSER;", "importer", CategoryClusterObject},
		{"ALTER ROLE importer WITH NOSUPERUSER;", "importer", CategorySelfAffecting},
		{`ALTER USER "Importer" PASSWORD 'x';`, "Importer", CategorySelfAffecting},
		{"ALTER ROLE CURRENT_USER SET search_path = s;", "", CategorySelfAffecting},
		{"SET ROLE bob;", "", CategorySelfAffecting},
		{"SET SESSION AUTHORIZATION 'bob';", "", CategorySelfAffecting},
		{"RESET ROLE;", "", CategorySelfAffecting},
		{"CREATE TABLESPACE fast LOCATION '/ssd';", "", CategoryClusterObject},
		{"CREATE DATABASE shop WITH TEMPLATE = template0;", "", CategoryClusterObject},
		{`\connect shop`, "", CategoryConnectionChange},
		{"SET statement_timeout = 0;", "", CategoryUnknown},
		{"SELECT 1;", "", CategoryUnknown},
		{`\copy t from 'x'`, "", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.stmt, tt.identity))
		})
	}
}

func TestInspect_Kinds(t *testing.T) {
	assert.Equal(t, KindSchema, Inspect("CREATE SCHEMA s;", "").Kind)
	assert.Equal(t, KindRole, Inspect("CREATE USER bob;", "").Kind)
	assert.Equal(t, KindTablespace, Inspect("ALTER TABLESPACE x RENAME TO y;", "").Kind)
	assert.Equal(t, KindDatabase, Inspect("CREATE DATABASE d;", "").Kind)
	assert.Equal(t, KindSchema, Inspect("DROP SCHEMA s CASCADE;", "").Kind)
}

func TestInspect_Targets(t *testing.T) {
	tests := []struct {
		stmt   string
		target string
	}{
		{"INSERT INTO t VALUES (1);", "t"},
		{"INSERT INTO public.items(id) VALUES (1);", "public.items"},
		{`INSERT INTO "My Schema"."Odd.Name" VALUES (1);`, `"My Schema"."Odd.Name"`},
		{`COPY public."Items" (id) FROM stdin;` + "\n\\.", `public."Items"`},
		{"UPDATE ONLY s.t SET a = 1;", "s.t"},
		{"DELETE FROM t WHERE id = 1;", "t"},
		{"TRUNCATE TABLE s.t;", "s.t"},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			assert.Equal(t, tt.target, Inspect(tt.stmt, "").Target)
		})
	}
}

func TestInspect_Objects(t *testing.T) {
	tests := []struct {
		stmt    string
		objects []string
		schemas []string
	}{
		{"CREATE TABLE public.t (id int);", []string{"public.t"}, nil},
		{"CREATE UNLOGGED TABLE IF NOT EXISTS s.t (id int);", []string{"s.t"}, nil},
		{"CREATE OR REPLACE FUNCTION s.f(a int) RETURNS int AS $$ SELECT a FROM x.t JOIN y.u ON x.id = y.id $$ LANGUAGE sql;", []string{"s.f"}, nil},
		{"ALTER TABLE ONLY s.t ADD CONSTRAINT t_pkey PRIMARY KEY (id);", []string{"s.t"}, nil},
		{`DROP TABLE IF EXISTS a.t, "B".u CASCADE;`, []string{"a.t", `"B".u`}, nil},
		{"CREATE UNIQUE INDEX i ON s.t USING btree (id);", []string{"i", "s.t"}, nil},
		{"COMMENT ON COLUMN s.t.id IS 'x';", []string{"s.t"}, nil},
		{"GRANT SELECT ON TABLE s.t, s.u TO r;", []string{"s.t", "s.u"}, nil},
		{"GRANT USAGE ON SCHEMA a, b TO r;", []string{"SCHEMA"}, []string{"a", "b"}},
		{"ALTER DEFAULT PRIVILEGES IN SCHEMA s GRANT SELECT ON TABLES TO r;", []string{"TABLES"}, []string{"s"}},
		{`ALTER SCHEMA "Sales" OWNER TO app;`, nil, []string{"Sales"}},
		{"ALTER TABLE t SET SCHEMA Other;", []string{"t"}, []string{"other"}},
		{"INSERT INTO s.t VALUES (1);", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			info := Inspect(tt.stmt, "")
			assert.Equal(t, tt.objects, info.Objects)
			assert.Equal(t, tt.schemas, info.SchemaRefs)
		})
	}
}

func TestInspect_ClusterKinds(t *testing.T) {
	assert.Equal(t, KindRole, Inspect("GRANT admin TO bob;", "").Kind)
	assert.Equal(t, KindRole, Inspect("REVOKE admin FROM bob;", "").Kind)
	assert.Equal(t, KindDatabase, Inspect("GRANT CONNECT ON DATABASE shop TO bob;", "").Kind)
	assert.Equal(t, KindTablespace, Inspect("GRANT CREATE ON TABLESPACE fast TO bob;", "").Kind)
	assert.Equal(t, KindNone, Inspect("GRANT SELECT ON t TO bob;", "").Kind)
	assert.Equal(t, KindDatabase, Inspect("ALTER DATABASE shop OWNER TO bob;", "").Kind)
	assert.Equal(t, KindNone, Inspect("ALTER TABLE t OWNER TO bob;", "").Kind)
}

func TestInspect_Settings(t *testing.T) {
	tests := []struct {
		stmt    string
		setting string
		reset   bool
	}{
		{"SET statement_timeout = 0;", "statement_timeout", false},
		{"SET SESSION search_path TO s, public;", "search_path", false},
		{"SET TIME ZONE 'UTC';", "timezone", false},
		{"SET myapp.tenant = 'a';", "myapp.tenant", false},
		{"RESET search_path;", "search_path", true},
		{"RESET ALL;", "all", true},
		{"SELECT pg_catalog.set_config('search_path', '', false);", "search_path", false},
		{"SELECT set_config('search_path', 's', true);", "", false},
		{"SET ROLE app;", "role", false},
		{"RESET ROLE;", "role", true},
		{"SET SESSION AUTHORIZATION 'bob';", "session_authorization", false},
		{"SET LOCAL ROLE app;", "", false},
		{"SET LOCAL statement_timeout = 0;", "", false},
		{"SET TRANSACTION ISOLATION LEVEL SERIALIZABLE;", "", false},
		{"SET CONSTRAINTS ALL DEFERRED;", "", false},
		{"SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY;", "", false},
		{"SELECT 1;", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			info := Inspect(tt.stmt, "")
			assert.Equal(t, tt.setting, info.Setting)
			assert.Equal(t, tt.reset, info.Reset)
		})
	}
}

func TestSchemaOf(t *testing.T) {
	schema, ok := SchemaOf(`"Sales".orders`)
	assert.True(t, ok)
	assert.Equal(t, "Sales", schema)

	schema, ok = SchemaOf("Public . t")
	assert.True(t, ok)
	assert.Equal(t, "public", schema)

	_, ok = SchemaOf(`"a.b"`)
	assert.False(t, ok)
	_, ok = SchemaOf("")
	assert.False(t, ok)
}

func TestInspect_Connect(t *testing.T) {
	info := Inspect(`\connect -reuse-previous=on "dbname='shop'"`, "")
	assert.Equal(t, CategoryConnectionChange, info.Category)
	assert.Equal(t, "shop", info.Database)

	assert.Equal(t, "Sales", Inspect(`\c "Sales"`, "").Database)
	assert.True(t, Inspect("COPY t FROM stdin;\n\\.", "").Bulk)
}

func TestNormalizeTable(t *testing.T) {
	tests := []struct {
		ident string
		want  string
		ok    bool
	}{
		{"t", "public.t", true},
		{"Items", "public.items", true},
		{`"Items"`, "public.Items", true},
		{`Sales."Items"`, "sales.Items", true},
		{`"a.b"."c"`, "a.b.c", true},
		{"", "", false},
		{"a.b.c", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ident, func(t *testing.T) {
			table, ok := NormalizeTable(tt.ident, "public")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, table.String())
			}
		})
	}

	table, _ := NormalizeTable(`s."We""ird"`, "public")
	assert.Equal(t, `"s"."We""ird"`, table.Quoted())
}
