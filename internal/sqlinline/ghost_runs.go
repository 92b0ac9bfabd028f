package sqlinline

const QEnsureGhostSchema = `--sql 6ab7cb4b-daf2-4a3f-94ab-5aa306e543f3
create table if not exists ghost_runs (
    id uuid primary key,
    status text not null,
    backend text not null default '',
    request_json jsonb not null,
    result_json jsonb,
    stage_json jsonb,
    error_code text not null default '',
    error_message text not null default '',
    failed_stage text not null default '',
    attempts int not null default 0,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create index if not exists ghost_runs_queue_idx on ghost_runs (created_at) where status = 'queued';
create table if not exists integration_tokens (
    id uuid primary key,
    provider text not null unique,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QInsertGhostRun = `--sql 8b11ff37-8c73-4d55-98cf-e2b836274288
insert into ghost_runs (id, status, backend, request_json, result_json, stage_json, error_code, error_message, failed_stage)
values ($1::uuid, $2::text, $3::text, $4::jsonb, $5::jsonb, $6::jsonb, $7::text, $8::text, $9::text)
returning created_at, updated_at;
`

const QClaimGhostRun = `--sql 1d2e1978-1816-4644-8459-d2d44cfbafbd
with next_run as (
    select id
    from ghost_runs
    where status = 'queued'
    order by created_at asc
    for update skip locked
    limit 1
)
update ghost_runs r
set status = 'processing', attempts = r.attempts + 1, updated_at = now()
where r.id in (select id from next_run)
returning r.id::text, r.status, r.backend, r.request_json, r.attempts, r.created_at, r.updated_at;
`

const QFinishGhostRun = `--sql 5e046f91-175d-4264-b80a-66b03819742b
update ghost_runs
set status = $2::text,
    backend = coalesce(nullif($3::text, ''), backend),
    result_json = $4::jsonb,
    stage_json = $5::jsonb,
    error_code = $6::text,
    error_message = $7::text,
    failed_stage = $8::text,
    updated_at = now()
where id = $1::uuid;
`

const QSelectGhostRun = `--sql 533b67ba-aa63-452e-8a1b-5848bcb5c5c0
select id::text, status, backend, request_json, result_json, stage_json, error_code, error_message, failed_stage, attempts, created_at, updated_at
from ghost_runs
where id = $1::uuid;
`

const QPing = `--sql 2c2a598f-8dd6-4c55-a39f-717051ab9f05
select 1;
`

// SQLite variants use ? placeholders and text timestamps.

const QSQLiteEnsureGhostSchema = `--sql abbb553e-c613-418c-9053-ca922fde5169
create table if not exists ghost_runs (
    id text primary key,
    status text not null,
    backend text not null default '',
    request_json text not null,
    result_json text,
    stage_json text,
    error_code text not null default '',
    error_message text not null default '',
    failed_stage text not null default '',
    attempts integer not null default 0,
    created_at text not null,
    updated_at text not null
);
create index if not exists ghost_runs_queue_idx on ghost_runs (status, created_at);
`

const QSQLiteInsertGhostRun = `--sql 54687900-c039-4649-a83e-0bf5e792cca5
insert into ghost_runs (id, status, backend, request_json, result_json, stage_json, error_code, error_message, failed_stage, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const QSQLiteClaimGhostRun = `--sql 67fcca6e-25cf-4d93-a7c7-74342ef189f7
update ghost_runs
set status = 'processing', attempts = attempts + 1, updated_at = ?
where id = (
    select id from ghost_runs
    where status = 'queued'
    order by created_at asc, rowid asc
    limit 1
)
returning id, status, backend, request_json, attempts, created_at, updated_at;
`

const QSQLiteFinishGhostRun = `--sql 44fba770-764c-472f-b23e-bcf497211f5d
update ghost_runs
set status = ?,
    backend = coalesce(nullif(?, ''), backend),
    result_json = ?,
    stage_json = ?,
    error_code = ?,
    error_message = ?,
    failed_stage = ?,
    updated_at = ?
where id = ?;
`

const QSQLiteSelectGhostRun = `--sql 07fdbb2e-759b-46fe-802a-982398f81ece
select id, status, backend, request_json, result_json, stage_json, error_code, error_message, failed_stage, attempts, created_at, updated_at
from ghost_runs
where id = ?;
`
