package schema

// watchSQL installs the notification plumbing the DDL Watcher listens on:
// a dedicated schema, two SECURITY DEFINER functions that pg_notify the
// watch channel, and event triggers that fire them on catalog-changing DDL
// and on object drop. Ported in structure from
// original_source/pghatch/router/watch.py's WATCH_SQL, with the DDL tag
// whitelist kept as-is — anything not on it (e.g. SELECT, most DML) never
// reaches the trigger body.
const watchSQL = `
create schema if not exists pghatch_watch;

create or replace function pghatch_watch.notify_watchers_ddl() returns event_trigger as $$
declare
  r record;
begin
  for r in select * from pg_event_trigger_ddl_commands() loop
    perform pg_notify('pghatch_watch', json_build_object(
      'type', 'ddl',
      'command_tag', r.command_tag,
      'object_type', r.object_type,
      'schema_name', r.schema_name,
      'object_identity', r.object_identity
    )::text);
  end loop;
end;
$$ language plpgsql security definer;

create or replace function pghatch_watch.notify_watchers_drop() returns event_trigger as $$
declare
  r record;
begin
  for r in select * from pg_event_trigger_dropped_objects() loop
    perform pg_notify('pghatch_watch', json_build_object(
      'type', 'drop',
      'object_type', r.object_type,
      'schema_name', r.schema_name,
      'object_identity', r.object_identity
    )::text);
  end loop;
end;
$$ language plpgsql security definer;

drop event trigger if exists pghatch_watch_ddl;
create event trigger pghatch_watch_ddl
  on ddl_command_end
  when tag in (
    'CREATE TABLE', 'ALTER TABLE', 'DROP TABLE',
    'CREATE VIEW', 'ALTER VIEW', 'DROP VIEW',
    'CREATE MATERIALIZED VIEW', 'ALTER MATERIALIZED VIEW', 'DROP MATERIALIZED VIEW',
    'CREATE FOREIGN TABLE', 'ALTER FOREIGN TABLE', 'DROP FOREIGN TABLE',
    'CREATE INDEX', 'ALTER INDEX', 'DROP INDEX',
    'CREATE SCHEMA', 'ALTER SCHEMA', 'DROP SCHEMA',
    'CREATE FUNCTION', 'ALTER FUNCTION', 'DROP FUNCTION',
    'CREATE PROCEDURE', 'ALTER PROCEDURE', 'DROP PROCEDURE',
    'CREATE AGGREGATE', 'DROP AGGREGATE',
    'CREATE TYPE', 'ALTER TYPE', 'DROP TYPE',
    'CREATE DOMAIN', 'ALTER DOMAIN', 'DROP DOMAIN',
    'CREATE RULE', 'DROP RULE',
    'CREATE TRIGGER', 'DROP TRIGGER',
    'CREATE POLICY', 'ALTER POLICY', 'DROP POLICY',
    'COMMENT'
  )
  execute function pghatch_watch.notify_watchers_ddl();

drop event trigger if exists pghatch_watch_drop;
create event trigger pghatch_watch_drop
  on sql_drop
  execute function pghatch_watch.notify_watchers_drop();
`

// uninstallWatchSQL reverses watchSQL; used by tests and by graceful
// teardown when a caller asks the watcher to uninstall itself.
const uninstallWatchSQL = `
drop event trigger if exists pghatch_watch_ddl;
drop event trigger if exists pghatch_watch_drop;
drop schema if exists pghatch_watch cascade;
`
