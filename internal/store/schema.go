package store

// schema is valid for both SQLite and PostgreSQL. Dates are stored as
// YYYY-MM-DD text and instants as unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS heartbeats (
    client_id     TEXT    NOT NULL,
    ts_ms         BIGINT  NOT NULL,
    cpu_usage     INTEGER NOT NULL,
    memory_usage  INTEGER NOT NULL,
    disk_usage    INTEGER NOT NULL,
    network_rx    BIGINT  NOT NULL,
    network_tx    BIGINT  NOT NULL,
    device_count  INTEGER NOT NULL,
    total_tflops  BIGINT  NOT NULL,
    PRIMARY KEY (client_id, ts_ms)
);

CREATE TABLE IF NOT EXISTS client_daily_stats (
    client_id               TEXT             NOT NULL,
    date                    TEXT             NOT NULL,
    total_heartbeats        BIGINT           NOT NULL,
    avg_cpu_usage           DOUBLE PRECISION NOT NULL,
    avg_memory_usage        DOUBLE PRECISION NOT NULL,
    avg_disk_usage          DOUBLE PRECISION NOT NULL,
    total_network_in_bytes  BIGINT           NOT NULL,
    total_network_out_bytes BIGINT           NOT NULL,
    last_heartbeat_bucket   BIGINT           NOT NULL,
    updated_at              BIGINT           NOT NULL,
    PRIMARY KEY (client_id, date)
);

CREATE TABLE IF NOT EXISTS device_daily_stats (
    client_id             TEXT             NOT NULL,
    device_index          INTEGER          NOT NULL,
    date                  TEXT             NOT NULL,
    total_heartbeats      BIGINT           NOT NULL,
    avg_utilization       DOUBLE PRECISION NOT NULL,
    avg_memory_usage      DOUBLE PRECISION NOT NULL,
    avg_power_usage       DOUBLE PRECISION NOT NULL,
    avg_temperature       DOUBLE PRECISION NOT NULL,
    last_heartbeat_bucket BIGINT           NOT NULL,
    updated_at            BIGINT           NOT NULL,
    PRIMARY KEY (client_id, device_index, date)
);

CREATE TABLE IF NOT EXISTS client_system_info (
    client_id    TEXT    NOT NULL PRIMARY KEY,
    cpu_usage    INTEGER NOT NULL,
    memory_usage INTEGER NOT NULL,
    disk_usage   INTEGER NOT NULL,
    network_rx   BIGINT  NOT NULL,
    network_tx   BIGINT  NOT NULL,
    device_count INTEGER NOT NULL,
    total_tflops BIGINT  NOT NULL,
    online       INTEGER NOT NULL,
    last_seen_ms BIGINT  NOT NULL,
    updated_at   BIGINT  NOT NULL
);

CREATE TABLE IF NOT EXISTS device_info (
    client_id    TEXT    NOT NULL,
    device_index INTEGER NOT NULL,
    device_id    BIGINT  NOT NULL,
    vendor_id    BIGINT  NOT NULL,
    usage        INTEGER NOT NULL,
    memory_usage INTEGER NOT NULL,
    power_usage  BIGINT  NOT NULL,
    temperature  BIGINT  NOT NULL,
    memory_size  BIGINT  NOT NULL,
    last_seen_ms BIGINT  NOT NULL,
    updated_at   BIGINT  NOT NULL,
    PRIMARY KEY (client_id, device_index)
);

CREATE TABLE IF NOT EXISTS device_types (
    device_id         BIGINT           NOT NULL PRIMARY KEY,
    vendor_id         BIGINT           NOT NULL,
    name              TEXT             NOT NULL,
    tflops            DOUBLE PRECISION NOT NULL,
    points_multiplier DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS device_points_daily (
    client_id        TEXT             NOT NULL,
    device_index     INTEGER          NOT NULL,
    date             TEXT             NOT NULL,
    device_id        BIGINT           NOT NULL,
    device_name      TEXT             NOT NULL,
    total_heartbeats BIGINT           NOT NULL,
    base_hours       DOUBLE PRECISION NOT NULL,
    multiplier       DOUBLE PRECISION NOT NULL,
    points           DOUBLE PRECISION NOT NULL,
    computed_at      BIGINT           NOT NULL,
    PRIMARY KEY (client_id, device_index, date)
);

CREATE INDEX IF NOT EXISTS idx_client_system_info_online ON client_system_info(online, updated_at);
CREATE INDEX IF NOT EXISTS idx_device_points_daily_date ON device_points_daily(date);
`
