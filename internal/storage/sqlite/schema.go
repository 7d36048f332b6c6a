package sqlite

// Schema objects. Names and column order are a contract: forward migrations
// probe them with pragma_table_info.
const schema = `
-- Process-wide identity and cloud-issued configuration
CREATE TABLE IF NOT EXISTS edge_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Weighing scales known to this edge
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    global_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    device_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'disconnected',
    weight_decode TEXT NOT NULL DEFAULT 'auto',
    last_heartbeat_at TEXT,
    last_event_at TEXT,
    heartbeat_count INTEGER NOT NULL DEFAULT 0,
    event_count INTEGER NOT NULL DEFAULT 0,
    connected_at TEXT,
    source_ip TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Read-only mirror of cloud-owned sessions
CREATE TABLE IF NOT EXISTS active_sessions_cache (
    cloud_session_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    animal_id TEXT NOT NULL DEFAULT '',
    animal_tag TEXT NOT NULL DEFAULT '',
    animal_species TEXT NOT NULL DEFAULT '',
    operator_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    cached_at TEXT NOT NULL,
    last_updated_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- Reconciliation units for events captured while the cloud was unreachable
CREATE TABLE IF NOT EXISTS offline_batches (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    event_count INTEGER NOT NULL DEFAULT 0,
    total_weight_grams INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    cloud_session_id TEXT NOT NULL DEFAULT '',
    reconciled_at TEXT,
    reconcile_note TEXT NOT NULL DEFAULT ''
);

-- Append-only weighing event log
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    cloud_session_id TEXT,
    offline_mode INTEGER NOT NULL DEFAULT 0,
    offline_batch_id TEXT REFERENCES offline_batches(id),
    plu_code TEXT NOT NULL,
    product_name TEXT NOT NULL DEFAULT '',
    weight_grams INTEGER NOT NULL,
    tare_grams INTEGER NOT NULL DEFAULT 0,
    barcode TEXT NOT NULL DEFAULT '',
    scale_timestamp TEXT NOT NULL,
    received_at TEXT NOT NULL,
    source_ip TEXT NOT NULL DEFAULT '',
    raw_line TEXT NOT NULL DEFAULT '',
    sync_status TEXT NOT NULL DEFAULT 'pending',
    cloud_event_id TEXT NOT NULL DEFAULT '',
    synced_at TEXT,
    sync_attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

-- PLU lookups pushed from the cloud (dormant: label printing is external)
CREATE TABLE IF NOT EXISTS plu_cache (
    plu_code TEXT PRIMARY KEY,
    product_name TEXT NOT NULL DEFAULT '',
    unit_price INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS plu_versions (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

-- Reachability transitions observed by the sync service
CREATE TABLE IF NOT EXISTS cloud_connection_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    online INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    at TEXT NOT NULL
);

-- Durable record of backlog-drain attempts
CREATE TABLE IF NOT EXISTS sync_queue (
    event_id TEXT PRIMARY KEY,
    enqueued_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(cloud_session_id);
CREATE INDEX IF NOT EXISTS idx_events_batch ON events(offline_batch_id);
CREATE INDEX IF NOT EXISTS idx_events_pending
    ON events(received_at) WHERE sync_status IN ('pending', 'failed');
CREATE INDEX IF NOT EXISTS idx_events_offline
    ON events(device_id) WHERE offline_mode = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
    ON events(device_id, scale_timestamp, plu_code, weight_grams);

CREATE INDEX IF NOT EXISTS idx_sessions_device ON active_sessions_cache(device_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON active_sessions_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_batches_device ON offline_batches(device_id);
CREATE INDEX IF NOT EXISTS idx_batches_open
    ON offline_batches(device_id) WHERE ended_at IS NULL;
`
