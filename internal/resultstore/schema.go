package resultstore

const schema = `
CREATE TABLE IF NOT EXISTS results (
    cut_id TEXT PRIMARY KEY,
    module TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    elapsed_seconds REAL NOT NULL DEFAULT 0,
    error_code TEXT NOT NULL DEFAULT '',
    mutation_score REAL,
    coverage_percent REAL,
    tests INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    archived INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_results_module ON results(module);
CREATE INDEX IF NOT EXISTS idx_results_status ON results(status);

CREATE TABLE IF NOT EXISTS batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    cuts_completed INTEGER DEFAULT 0,
    cuts_failed INTEGER DEFAULT 0
);
`
