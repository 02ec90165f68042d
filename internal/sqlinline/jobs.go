// Package sqlinline holds the audited SQL statements used by the job engine.
// Every statement starts with a `--sql <uuid>` marker so queries can be
// traced in logs and checked by the sqllint tool.
package sqlinline

const DDLJobTables = `--sql d440d1a1-df64-40f3-8b56-e5eb53fdcfa5
CREATE TABLE IF NOT EXISTS jobs (
    id                    uuid PRIMARY KEY,
    owner_id              uuid NOT NULL,
    type                  text NOT NULL,
    status                text NOT NULL,
    total_items           int  NOT NULL,
    completed_items       int  NOT NULL DEFAULT 0,
    failed_items          int  NOT NULL DEFAULT 0,
    input_json            jsonb,
    estimated_duration_ms bigint NOT NULL DEFAULT 0,
    actual_duration_ms    bigint NOT NULL DEFAULT 0,
    cancel_requested      boolean NOT NULL DEFAULT false,
    created_at            timestamptz NOT NULL,
    started_at            timestamptz,
    completed_at          timestamptz
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (type);

CREATE TABLE IF NOT EXISTS job_items (
    job_id        uuid NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
    item_index    int  NOT NULL,
    status        text NOT NULL,
    input_json    jsonb,
    output_json   jsonb,
    error_message text NOT NULL DEFAULT '',
    started_at    timestamptz,
    completed_at  timestamptz,
    PRIMARY KEY (job_id, item_index)
);
CREATE INDEX IF NOT EXISTS idx_job_items_status ON job_items (status);

CREATE TABLE IF NOT EXISTS integration_tokens (
    provider   text PRIMARY KEY,
    token      text NOT NULL,
    properties jsonb NOT NULL DEFAULT '{}',
    updated_at timestamptz NOT NULL DEFAULT now()
);`

const QInsertJob = `--sql 0a40e5d0-9ef6-4bd8-a94c-31605dbd177a
INSERT INTO jobs (id, owner_id, type, status, total_items, completed_items, failed_items,
                  input_json, estimated_duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const QInsertJobItem = `--sql 4509fae1-5299-4b58-adfc-6f5d3619ffb4
INSERT INTO job_items (job_id, item_index, status, input_json)
VALUES ($1, $2, $3, $4)`

const QSelectJobByID = `--sql 9813bb4a-8be9-4fcf-bac1-369f6982ccfe
SELECT id, owner_id, type, status, total_items, completed_items, failed_items,
       input_json, estimated_duration_ms, actual_duration_ms, cancel_requested,
       created_at, started_at, completed_at
FROM jobs
WHERE id = $1`

const QCountJobs = `--sql 92b8a797-8695-4cc9-85bc-f058c4f82665
SELECT count(*)
FROM jobs
WHERE ($1 = '' OR type = $1)
  AND ($2 = '' OR owner_id = $2::uuid)`

const QSearchJobs = `--sql 55a5f75b-e509-4c36-9e22-6b78c851675b
SELECT id, owner_id, type, status, total_items, completed_items, failed_items,
       estimated_duration_ms, actual_duration_ms, cancel_requested,
       created_at, started_at, completed_at
FROM jobs
WHERE ($1 = '' OR type = $1)
  AND ($2 = '' OR owner_id = $2::uuid)
ORDER BY created_at DESC
OFFSET $3 LIMIT $4`

const QListRunnableJobs = `--sql 10047f5a-1837-4cd1-a7e2-72d649b6ff6b
SELECT j.id, j.owner_id, j.type, j.status, j.total_items, j.completed_items, j.failed_items,
       j.input_json, j.estimated_duration_ms, j.actual_duration_ms, j.cancel_requested,
       j.created_at, j.started_at, j.completed_at
FROM jobs j
WHERE j.status IN ('Pending', 'InProgress')
  AND NOT j.cancel_requested
  AND EXISTS (SELECT 1 FROM job_items i WHERE i.job_id = j.id AND i.status = 'Pending')
ORDER BY j.created_at ASC
LIMIT $1`

const QListJobItems = `--sql fad20f78-b5ba-48e7-813d-9ccf4a22c518
SELECT job_id, item_index, status, input_json, output_json, error_message, started_at, completed_at
FROM job_items
WHERE job_id = $1
ORDER BY item_index ASC`

const QClaimJobItem = `--sql 2b309ef7-3faf-466d-864c-280b41c1ff2e
UPDATE job_items
SET status = 'InProgress', started_at = $3
WHERE job_id = $1 AND item_index = $2 AND status = 'Pending'`

const QSettleJobItem = `--sql e8d0e1ad-8441-4f75-a876-9a39e6218a7d
UPDATE job_items
SET status = $3, output_json = $4, error_message = $5, completed_at = $6
WHERE job_id = $1 AND item_index = $2`

const QUpdateJobStatus = `--sql 56278065-bf1f-4917-b58a-03d6d1a10809
UPDATE jobs
SET status = $2,
    completed_items = $3,
    failed_items = $4,
    started_at = COALESCE(started_at, $5),
    completed_at = $6,
    actual_duration_ms = $7,
    cancel_requested = CASE WHEN $8 THEN false ELSE cancel_requested END
WHERE id = $1`

const QSelectCancelRequested = `--sql a96dabe1-9c2a-41df-9950-bb41a840be80
SELECT cancel_requested FROM jobs WHERE id = $1`

const QRequestCancelJob = `--sql 6f09f29b-de57-4f31-b390-d358e428051f
UPDATE jobs
SET cancel_requested = true
WHERE id = $1 AND status IN ('Pending', 'InProgress')`

const QCancelPendingJobItems = `--sql cef26269-717b-483d-9b7a-5738e3c2e079
UPDATE job_items
SET status = 'Canceled', completed_at = $2
WHERE job_id = $1 AND status = 'Pending'`

const QResetJobItems = `--sql 734a48a4-b124-4ee6-a65b-022e36d0ac90
UPDATE job_items
SET status = 'Pending', output_json = NULL, error_message = '', started_at = NULL, completed_at = NULL
WHERE job_id = $1 AND item_index = ANY($2::int[]) AND status = 'Failed'`
