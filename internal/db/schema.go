package db

// SchemaSQL contains the job history schema.
const SchemaSQL = `
    -- ==========================================================================
    -- EMBEDDING_JOB TABLE (job history)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS embedding_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS remote_id ON embedding_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS status ON embedding_job TYPE string
        ASSERT $value IN ["running", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS total_chunks ON embedding_job TYPE int;
    DEFINE FIELD IF NOT EXISTS completed_chunks ON embedding_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS failed_chunks ON embedding_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS batch_ids ON embedding_job TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS fallback ON embedding_job TYPE bool DEFAULT false;
    -- Metrics are written once, when the job terminates
    DEFINE FIELD IF NOT EXISTS metrics ON embedding_job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error ON embedding_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS started_at ON embedding_job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON embedding_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS updated ON embedding_job TYPE datetime VALUE time::now();

    DEFINE INDEX IF NOT EXISTS embedding_job_started ON embedding_job FIELDS started_at;
    DEFINE INDEX IF NOT EXISTS embedding_job_remote ON embedding_job FIELDS remote_id;
    DEFINE INDEX IF NOT EXISTS embedding_job_status ON embedding_job FIELDS status;
`
