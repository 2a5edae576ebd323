// SPDX-License-Identifier: Apache-2.0

// Package introspect executes the catalog queries that drive the rest of
// the migration: given a target table it returns a TableInfo for the
// target and for every descendant in its partition/inheritance hierarchy,
// with every dependent-object DDL fragment pre-rendered as a string. The
// orchestrator never re-queries the catalog after this point.
package introspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/xataio/tatctl/pkg/dbgateway"
)

// Kind classifies a table the way the orchestrator needs to treat it.
type Kind string

const (
	KindRegular     Kind = "regular"
	KindForeign     Kind = "foreign"
	KindPartitioned Kind = "partitioned"
)

// AclGrantParams is the opaque record handed to the external ACL-to-GRANT
// helper; its fields are not interpreted here.
type AclGrantParams struct {
	ObjName string `json:"obj_name"`
	ObjType string `json:"obj_type"`
	ACL     string `json:"acl"`
}

// TableInfo is an immutable snapshot of everything the migration of one
// table needs, rendered once at introspection time.
type TableInfo struct {
	QualifiedName string
	LocalName     string
	Kind          Kind

	PKColumns   []string
	PKTypes     []string
	AllColumns  []string
	ColumnTypes map[string]string

	PrettySize     string
	PrettyDataSize string

	CreateIndexes       []string
	RenameIndexes       []string
	CreateCheckConstraints []string
	CreateConstraints   []string
	ValidateConstraints []string
	DropConstraints     []string
	GrantPrivileges     []string
	CreateTriggers      []string
	DropViews           []string
	CreateViews         []string
	CommentViews        []string
	DropFunctions       []string
	CreateFunctions     []string
	AlterSequences      []string
	StorageParameters   []string
	ReplicaIdentity     []string
	Publications        []string
	PartitionExpr       string
	AttachExpr          string
	DetachForeignExpr   string
	AttachForeignExpr   string
	Inherits            []string
	Comment             string

	ViewAclToGrantsParams     []AclGrantParams
	FunctionAclToGrantsParams []AclGrantParams

	Children []*TableInfo
}

// reservedPatterns lists the auxiliary-object name fragments that must
// never appear in a rendered fragment list, guaranteeing a re-run never
// recurses on its own artifacts.
var reservedPatterns = []string{`%\_\_tat\_%`}

// GetChildTables returns the qualified names of every descendant
// (declarative partition or inheritance child) of qualifiedName, in
// top-down order.
func GetChildTables(ctx context.Context, scope *dbgateway.Scope, qualifiedName string) ([]string, error) {
	rows, err := scope.Query(ctx, `
		with recursive descendants as (
			select i.inhrelid as oid, 1 as depth
			  from pg_inherits i
			 where i.inhparent = $1::regclass
			union all
			select i.inhrelid, d.depth + 1
			  from pg_inherits i
			  join descendants d on i.inhparent = d.oid
		)
		select oid::regclass::text
		  from descendants
		 order by depth, oid::regclass::text`, qualifiedName)
	if err != nil {
		return nil, fmt.Errorf("get child tables: %w", err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		children = append(children, name)
	}
	return children, rows.Err()
}

// GetTableInfo runs the catalog introspection query against qualifiedName
// and returns the resulting TableInfo, including partition metadata,
// replica identity, and publication membership.
func GetTableInfo(ctx context.Context, scope *dbgateway.Scope, qualifiedName string) (*TableInfo, error) {
	rows, err := scope.Query(ctx, tableInfoQuery, qualifiedName, reservedPatterns[0])
	if err != nil {
		var pqErr *pq.Error
		if asPQError(err, &pqErr) {
			return nil, &dbgateway.TableNotFoundError{Table: qualifiedName}
		}
		return nil, fmt.Errorf("get table info: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, &dbgateway.TableNotFoundError{Table: qualifiedName}
	}

	ti, err := scanTableInfo(rows)
	if err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if ti.Kind == KindRegular && len(ti.PKColumns) == 0 {
		return nil, &dbgateway.NoPrimaryKeyError{Table: qualifiedName}
	}

	return ti, nil
}

func asPQError(err error, target **pq.Error) bool {
	pe, ok := err.(*pq.Error)
	if ok {
		*target = pe
	}
	return ok
}

func scanTableInfo(rows *sql.Rows) (*TableInfo, error) {
	ti := &TableInfo{ColumnTypes: map[string]string{}}

	var (
		kind                                                              string
		columnTypesJSON                                                   []byte
		viewACLJSON, funcACLJSON                                          []byte
		pkColumns, pkTypes, allColumns                                    pq.StringArray
		createIndexes, renameIndexes, createCheckConstraints              pq.StringArray
		createConstraints, validateConstraints, dropConstraints           pq.StringArray
		grantPrivileges, createTriggers                                  pq.StringArray
		dropViews, createViews, commentViews                              pq.StringArray
		dropFunctions, createFunctions                                    pq.StringArray
		alterSequences, storageParameters, replicaIdentity, publications pq.StringArray
		inherits                                                         pq.StringArray
	)

	if err := rows.Scan(
		&ti.QualifiedName, &ti.LocalName, &kind,
		&ti.PrettySize, &ti.PrettyDataSize,
		&allColumns, &columnTypesJSON, &pkColumns, &pkTypes,
		&ti.Comment,
		&createIndexes, &renameIndexes,
		&createCheckConstraints,
		&dropConstraints, &createConstraints, &validateConstraints,
		&grantPrivileges,
		&createTriggers,
		&dropViews, &createViews, &commentViews, &viewACLJSON,
		&dropFunctions, &createFunctions, &funcACLJSON,
		&alterSequences,
		&storageParameters,
		&replicaIdentity,
		&publications,
		&inherits,
		&ti.PartitionExpr, &ti.AttachExpr, &ti.DetachForeignExpr, &ti.AttachForeignExpr,
	); err != nil {
		return nil, fmt.Errorf("scan table info: %w", err)
	}

	ti.Kind = Kind(kind)
	ti.AllColumns = allColumns
	ti.PKColumns = pkColumns
	ti.PKTypes = pkTypes
	ti.CreateIndexes = createIndexes
	ti.RenameIndexes = renameIndexes
	ti.CreateCheckConstraints = createCheckConstraints
	ti.CreateConstraints = createConstraints
	ti.ValidateConstraints = validateConstraints
	ti.DropConstraints = dropConstraints
	ti.GrantPrivileges = grantPrivileges
	ti.CreateTriggers = createTriggers
	ti.DropViews = dropViews
	ti.CreateViews = createViews
	ti.CommentViews = commentViews
	ti.DropFunctions = dropFunctions
	ti.CreateFunctions = createFunctions
	ti.AlterSequences = alterSequences
	ti.StorageParameters = storageParameters
	ti.ReplicaIdentity = replicaIdentity
	ti.Publications = publications
	ti.Inherits = inherits

	if len(columnTypesJSON) > 0 {
		if err := json.Unmarshal(columnTypesJSON, &ti.ColumnTypes); err != nil {
			return nil, fmt.Errorf("decode column types: %w", err)
		}
	}
	if len(viewACLJSON) > 0 {
		if err := json.Unmarshal(viewACLJSON, &ti.ViewAclToGrantsParams); err != nil {
			return nil, fmt.Errorf("decode view acl params: %w", err)
		}
	}
	if len(funcACLJSON) > 0 {
		if err := json.Unmarshal(funcACLJSON, &ti.FunctionAclToGrantsParams); err != nil {
			return nil, fmt.Errorf("decode function acl params: %w", err)
		}
	}

	return ti, nil
}

// NormalizeType resolves a user-supplied type name to its canonical
// ::regtype spelling before comparing against the column's current
// declared type.
func NormalizeType(ctx context.Context, scope *dbgateway.Scope, typeName string) (string, error) {
	rows, err := scope.Query(ctx, "select $1::regtype::text", typeName)
	if err != nil {
		return "", &dbgateway.InvalidTypeError{Type: typeName, Err: err}
	}
	var normalized string
	if err := dbgateway.ScanFirstValue(rows, &normalized); err != nil {
		return "", &dbgateway.InvalidTypeError{Type: typeName, Err: err}
	}
	return normalized, nil
}

// tableInfoQuery is organized into named CTEs for readability, with
// partition_meta/replica/publications lateral blocks. The reserved-name
// filter (`not like '%\_\_tat\_%'`, on indexes, check constraints and
// triggers) excludes this tool's own artifacts so a re-run never recurses
// on them.
const tableInfoQuery = `
with target as (
	select t.oid, t.oid::regclass::text as qualified_name, t.relname as local_name,
	       case
	         when t.relkind = 'f' then 'foreign'
	         when t.relkind = 'p' then 'partitioned'
	         else 'regular'
	       end as kind
	  from pg_class t
	 where t.oid = $1::regclass
)
select target.qualified_name,
       target.local_name,
       target.kind,
       pg_size_pretty(pg_total_relation_size(target.oid)),
       pg_size_pretty(pg_relation_size(target.oid)),
       att.all_columns,
       att.column_types,
       coalesce(pk.pk_columns, '{}'),
       coalesce(pk.pk_types, '{}'),
       coalesce(d.comment, ''),
       i.create_indexes,
       i.rename_indexes,
       chk.create_constraints,
       fk.drop_constraints,
       uni.create_constraints || fk.create_constraints,
       fk.validate_constraints,
       p.grant_privileges,
       tg.create_triggers,
       v.drop_views,
       v.create_views,
       v.comment_views,
       coalesce(v.view_acl_to_grants_params, '[]'),
       f.drop_functions,
       f.create_functions,
       coalesce(f.function_acl_to_grants_params, '[]'),
       att.alter_sequences,
       sp.storage_parameters,
       ri.replica_identity,
       pub.publications,
       coalesce(inh.inherits, '{}'),
       coalesce(part.partition_expr, ''),
       coalesce(part.attach_expr, ''),
       coalesce(part.detach_foreign_expr, ''),
       coalesce(part.attach_foreign_expr, '')
  from target
 cross join lateral (
	select array_agg(a.attname order by a.attnum) as all_columns,
	       json_object_agg(a.attname, format_type(a.atttypid, a.atttypmod)) as column_types,
	       coalesce(array_agg(format('alter sequence %s owned by %s__tat_new.%s;',
	                                 s.serial_sequence, target.qualified_name, a.attname))
	                filter (where s.serial_sequence is not null),
	                '{}') as alter_sequences
	  from pg_attribute a
	  left join lateral (select pg_get_serial_sequence(target.qualified_name, a.attname) as serial_sequence) s on true
	 where a.attrelid = target.oid and a.attnum > 0 and not a.attisdropped
 ) att
 left join lateral (
	select uni.contype,
	       array_agg(a.attname order by a.attnum) filter (where a.attnotnull) as pk_columns,
	       array_agg(format_type(a.atttypid, a.atttypmod) order by a.attnum) filter (where a.attnotnull) as pk_types
	  from pg_constraint uni
	  join pg_attribute a on a.attnum = any(uni.conkey) and a.attrelid = target.oid
	 where uni.conrelid = target.oid and uni.contype in ('p', 'u')
	 group by uni.contype
	having cardinality(array_agg(a.attname order by a.attnum) filter (where a.attnotnull)) = count(1)
	 order by uni.contype
	 limit 1
 ) pk on true
 left join lateral (select format('comment on table %s__tat_new is %L;', target.qualified_name, d.description) as comment
                       from pg_description d
                      where d.objoid = target.oid and d.objsubid = 0 and d.classoid = 'pg_class'::regclass) d on true
 cross join lateral (
	select coalesce(array_agg(replace(replace(pg_get_indexdef(i.indexrelid), ' ON ', '__tat_new ON '), ' USING ', '__tat_new USING ')
	                          order by cardinality(i.indkey) desc), '{}') as create_indexes,
	       coalesce(array_agg(format('alter index %s.%s rename to %s;', icn.nspname, (ic.relname || '__tat_new')::name, ic.relname)), '{}') as rename_indexes
	  from pg_index i
	  join pg_class ic on ic.oid = i.indexrelid
	  join pg_namespace icn on icn.oid = ic.relnamespace
	 where i.indrelid = target.oid and ic.relname not like $2
 ) i
 cross join lateral (
	select coalesce(array_agg(format('alter table %s add constraint %s %s %s %s;',
	                                  target.qualified_name, uni.conname,
	                                  case when uni.contype = 'p' then 'primary key' else 'unique' end,
	                                  format('using index %s', uni.conname),
	                                  case when uni.condeferrable then 'deferrable' else '' end)), '{}') as create_constraints
	  from pg_constraint uni
	 where uni.conrelid = target.oid and uni.contype in ('p', 'u')
 ) uni
 cross join lateral (
	select coalesce(array_agg(format('alter table %s__tat_new add constraint %s %s;',
	                                  target.qualified_name, chk.conname, pg_get_constraintdef(chk.oid))), '{}') as create_constraints
	  from pg_constraint chk
	 where chk.conrelid = target.oid and chk.contype = 'c' and chk.conname not like $2
 ) chk
 cross join lateral (
	select coalesce(array_agg(format('alter table %s add constraint %s %s not valid;', fk.conrelid::regclass::text, fk.conname, pg_get_constraintdef(fk.oid))), '{}') as create_constraints,
	       coalesce(array_agg(format('alter table %s validate constraint %s;', fk.conrelid::regclass::text, fk.conname)), '{}') as validate_constraints,
	       coalesce(array_agg(format('alter table %s drop constraint %s;', fk.conrelid::regclass::text, fk.conname)) filter (where fk.conrelid <> target.oid), '{}') as drop_constraints
	  from pg_constraint fk
	 where (fk.conrelid = target.oid or fk.confrelid = target.oid) and fk.contype = 'f'
 ) fk
 cross join lateral (
	select coalesce(array_agg(format('grant %s on table %s__tat_new to %s;', p.privileges, target.qualified_name, quote_ident(p.grantee))), '{}') as grant_privileges
	  from (select g.grantee, string_agg(g.privilege_type, ', ') as privileges
	          from information_schema.role_table_grants g
	         where g.table_name = (select local_name from target) and
	               g.table_schema = (select n.nspname from pg_class c join pg_namespace n on n.oid = c.relnamespace where c.oid = target.oid) and
	               g.grantee <> 'postgres'
	         group by g.grantee) p
 ) p
 cross join lateral (
	select coalesce(array_agg(pg_get_triggerdef(tg.oid) || ';'), '{}') as create_triggers
	  from pg_trigger tg
	 where tg.tgrelid = target.oid and not tg.tgisinternal and tg.tgname not like $2
 ) tg
 cross join lateral (
	select coalesce(array_agg(format('create view %s as %s;', v.oid::regclass::text, pg_get_viewdef(v.oid)) order by v.oid), '{}') as create_views,
	       json_agg(json_build_object('obj_name', v.oid::regclass::text, 'obj_type', 'table', 'acl', v.relacl)) filter (where v.relacl is not null) as view_acl_to_grants_params,
	       coalesce(array_agg(format('comment on view %s is %L;', v.oid::regclass::text, d.description)) filter (where d.description is not null), '{}') as comment_views,
	       coalesce(array_agg(format('drop view %s;', v.oid::regclass::text) order by v.oid desc), '{}') as drop_views
	  from pg_class v
	  left join pg_description d on d.objoid = v.oid
	 where v.relkind = 'v' and
	       v.oid in (with recursive w_depend as (
	                   select rw.ev_class from pg_depend dep join pg_rewrite rw on rw.oid = dep.objid where dep.refobjid = target.oid
	                   union
	                   select rw.ev_class from w_depend w join pg_depend dep on dep.refobjid = w.ev_class join pg_rewrite rw on rw.oid = dep.objid
	                 )
	                 select ev_class from w_depend)
 ) v
 cross join lateral (
	select coalesce(array_agg(pg_get_functiondef(fn.oid) || ';'), '{}') as create_functions,
	       json_agg(json_build_object('obj_name', format('%s(%s)', fn.oid::regproc::text, pg_get_function_identity_arguments(fn.oid)),
	                                   'obj_type', case when fn.prokind = 'p' then 'procedure' else 'function' end,
	                                   'acl', fn.proacl)) filter (where fn.proacl is not null) as function_acl_to_grants_params,
	       coalesce(array_agg(format('drop function %s(%s);', fn.oid::regproc::text, pg_get_function_identity_arguments(fn.oid))), '{}') as drop_functions
	  from pg_proc fn
	 where fn.prorettype = (select reltype from pg_class where oid = target.oid)
	    or (select reltype from pg_class where oid = target.oid) = any(fn.proargtypes)
 ) f
 cross join lateral (
	select coalesce(array_agg(format('alter table %s set (%s);', target.qualified_name, ro.option)), '{}') as storage_parameters
	  from unnest((select reloptions from pg_class where oid = target.oid)) as ro(option)
 ) sp
 cross join lateral (
	select case t.relreplident
	         when 'f' then array['alter table ' || target.qualified_name || '__tat_new replica identity full;']
	         when 'i' then array[format('alter table %s__tat_new replica identity using index %s;', target.qualified_name, ic.relname)]
	         else '{}'::text[]
	       end as replica_identity
	  from pg_class t
	  left join pg_index idx on idx.indrelid = t.oid and idx.indisreplident
	  left join pg_class ic on ic.oid = idx.indexrelid
	 where t.oid = target.oid
 ) ri
 cross join lateral (
	select coalesce(array_agg(format('alter publication %s add table %s__tat_new;', pr.pubname, target.qualified_name)), '{}') as publications
	  from pg_publication_rel pr
	 where pr.prrelid = target.oid
 ) pub
 cross join lateral (
	select coalesce(array_agg(p.inhparent::regclass::text), '{}') as inherits
	  from pg_inherits p
	 where p.inhrelid = target.oid
 ) inh
 cross join lateral (
	select case when target.kind = 'partitioned' then pg_get_expr(c.relpartbound, c.oid) else '' end as partition_expr,
	       '' as attach_expr,
	       '' as detach_foreign_expr,
	       '' as attach_foreign_expr
	  from pg_class c
	 where c.oid = target.oid
 ) part
`
