package store

// queries holds every statement already rebound for the active dialect.
type queries struct {
	insertHeartbeat      string
	upsertClientDaily    string
	upsertDeviceDaily    string
	upsertClientSnapshot string
	upsertDeviceSnapshot string
	sweepStale           string
	upsertDeviceType     string
	selectDeviceTypes    string
	selectDeviceDays     string
	deletePoints         string
	insertPoints         string
	selectClientDaily    string
	selectDeviceDaily    string
	selectClientSnapshot string
	selectPointsByDate   string
	countHeartbeats      string
}

func buildQueries(d dialect) queries {
	return queries{
		insertHeartbeat:      rebind(d, insertHeartbeatSQL),
		upsertClientDaily:    rebind(d, upsertClientDailySQL),
		upsertDeviceDaily:    rebind(d, upsertDeviceDailySQL),
		upsertClientSnapshot: rebind(d, upsertClientSnapshotSQL),
		upsertDeviceSnapshot: rebind(d, upsertDeviceSnapshotSQL),
		sweepStale:           rebind(d, sweepStaleSQL),
		upsertDeviceType:     rebind(d, upsertDeviceTypeSQL),
		selectDeviceTypes:    rebind(d, selectDeviceTypesSQL),
		selectDeviceDays:     rebind(d, selectDeviceDaysSQL),
		deletePoints:         rebind(d, deletePointsSQL),
		insertPoints:         rebind(d, insertPointsSQL),
		selectClientDaily:    rebind(d, selectClientDailySQL),
		selectDeviceDaily:    rebind(d, selectDeviceDailySQL),
		selectClientSnapshot: rebind(d, selectClientSnapshotSQL),
		selectPointsByDate:   rebind(d, selectPointsByDateSQL),
		countHeartbeats:      rebind(d, countHeartbeatsSQL),
	}
}

const insertHeartbeatSQL = `
INSERT INTO heartbeats (
    client_id, ts_ms, cpu_usage, memory_usage, disk_usage,
    network_rx, network_tx, device_count, total_tflops
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id, ts_ms) DO NOTHING`

// The aggregate upserts only advance when the incoming bucket is strictly
// newer than the stored one. Averages follow avg' = avg + (x - avg) / n.
const upsertClientDailySQL = `
INSERT INTO client_daily_stats (
    client_id, date, total_heartbeats,
    avg_cpu_usage, avg_memory_usage, avg_disk_usage,
    total_network_in_bytes, total_network_out_bytes,
    last_heartbeat_bucket, updated_at
) VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id, date) DO UPDATE SET
    total_heartbeats = client_daily_stats.total_heartbeats + 1,
    avg_cpu_usage = client_daily_stats.avg_cpu_usage
        + (excluded.avg_cpu_usage - client_daily_stats.avg_cpu_usage) / (client_daily_stats.total_heartbeats + 1),
    avg_memory_usage = client_daily_stats.avg_memory_usage
        + (excluded.avg_memory_usage - client_daily_stats.avg_memory_usage) / (client_daily_stats.total_heartbeats + 1),
    avg_disk_usage = client_daily_stats.avg_disk_usage
        + (excluded.avg_disk_usage - client_daily_stats.avg_disk_usage) / (client_daily_stats.total_heartbeats + 1),
    total_network_in_bytes = client_daily_stats.total_network_in_bytes + excluded.total_network_in_bytes,
    total_network_out_bytes = client_daily_stats.total_network_out_bytes + excluded.total_network_out_bytes,
    last_heartbeat_bucket = excluded.last_heartbeat_bucket,
    updated_at = excluded.updated_at
WHERE excluded.last_heartbeat_bucket > client_daily_stats.last_heartbeat_bucket`

const upsertDeviceDailySQL = `
INSERT INTO device_daily_stats (
    client_id, device_index, date, total_heartbeats,
    avg_utilization, avg_memory_usage, avg_power_usage, avg_temperature,
    last_heartbeat_bucket, updated_at
) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id, device_index, date) DO UPDATE SET
    total_heartbeats = device_daily_stats.total_heartbeats + 1,
    avg_utilization = device_daily_stats.avg_utilization
        + (excluded.avg_utilization - device_daily_stats.avg_utilization) / (device_daily_stats.total_heartbeats + 1),
    avg_memory_usage = device_daily_stats.avg_memory_usage
        + (excluded.avg_memory_usage - device_daily_stats.avg_memory_usage) / (device_daily_stats.total_heartbeats + 1),
    avg_power_usage = device_daily_stats.avg_power_usage
        + (excluded.avg_power_usage - device_daily_stats.avg_power_usage) / (device_daily_stats.total_heartbeats + 1),
    avg_temperature = device_daily_stats.avg_temperature
        + (excluded.avg_temperature - device_daily_stats.avg_temperature) / (device_daily_stats.total_heartbeats + 1),
    last_heartbeat_bucket = excluded.last_heartbeat_bucket,
    updated_at = excluded.updated_at
WHERE excluded.last_heartbeat_bucket > device_daily_stats.last_heartbeat_bucket`

// Snapshots keep the sample with the newest event time.
const upsertClientSnapshotSQL = `
INSERT INTO client_system_info (
    client_id, cpu_usage, memory_usage, disk_usage, network_rx, network_tx,
    device_count, total_tflops, online, last_seen_ms, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (client_id) DO UPDATE SET
    cpu_usage = excluded.cpu_usage,
    memory_usage = excluded.memory_usage,
    disk_usage = excluded.disk_usage,
    network_rx = excluded.network_rx,
    network_tx = excluded.network_tx,
    device_count = excluded.device_count,
    total_tflops = excluded.total_tflops,
    online = 1,
    last_seen_ms = excluded.last_seen_ms,
    updated_at = excluded.updated_at
WHERE excluded.last_seen_ms >= client_system_info.last_seen_ms`

const upsertDeviceSnapshotSQL = `
INSERT INTO device_info (
    client_id, device_index, device_id, vendor_id, usage, memory_usage,
    power_usage, temperature, memory_size, last_seen_ms, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id, device_index) DO UPDATE SET
    device_id = excluded.device_id,
    vendor_id = excluded.vendor_id,
    usage = excluded.usage,
    memory_usage = excluded.memory_usage,
    power_usage = excluded.power_usage,
    temperature = excluded.temperature,
    memory_size = excluded.memory_size,
    last_seen_ms = excluded.last_seen_ms,
    updated_at = excluded.updated_at
WHERE excluded.last_seen_ms >= device_info.last_seen_ms`

const sweepStaleSQL = `
UPDATE client_system_info SET online = 0
WHERE online = 1 AND updated_at < ?`

const upsertDeviceTypeSQL = `
INSERT INTO device_types (device_id, vendor_id, name, tflops, points_multiplier)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (device_id) DO UPDATE SET
    vendor_id = excluded.vendor_id,
    name = excluded.name,
    tflops = excluded.tflops,
    points_multiplier = excluded.points_multiplier`

const selectDeviceTypesSQL = `
SELECT device_id, vendor_id, name, tflops, points_multiplier
FROM device_types
ORDER BY device_id`

const selectDeviceDaysSQL = `
SELECT d.client_id, d.device_index, d.date, d.total_heartbeats, COALESCE(i.device_id, 0)
FROM device_daily_stats d
LEFT JOIN device_info i ON i.client_id = d.client_id AND i.device_index = d.device_index
ORDER BY d.client_id, d.device_index, d.date`

const deletePointsSQL = `DELETE FROM device_points_daily`

const insertPointsSQL = `
INSERT INTO device_points_daily (
    client_id, device_index, date, device_id, device_name,
    total_heartbeats, base_hours, multiplier, points, computed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectClientDailySQL = `
SELECT client_id, date, total_heartbeats, avg_cpu_usage, avg_memory_usage, avg_disk_usage,
       total_network_in_bytes, total_network_out_bytes, last_heartbeat_bucket, updated_at
FROM client_daily_stats
WHERE client_id = ? AND date = ?`

const selectDeviceDailySQL = `
SELECT client_id, device_index, date, total_heartbeats, avg_utilization, avg_memory_usage,
       avg_power_usage, avg_temperature, last_heartbeat_bucket, updated_at
FROM device_daily_stats
WHERE client_id = ? AND date = ?
ORDER BY device_index`

const selectClientSnapshotSQL = `
SELECT client_id, cpu_usage, memory_usage, disk_usage, network_rx, network_tx,
       device_count, total_tflops, online, last_seen_ms, updated_at
FROM client_system_info
WHERE client_id = ?`

const selectPointsByDateSQL = `
SELECT client_id, device_index, date, device_id, device_name,
       total_heartbeats, base_hours, multiplier, points
FROM device_points_daily
WHERE date = ?
ORDER BY client_id, device_index`

const countHeartbeatsSQL = `SELECT COUNT(*) FROM heartbeats WHERE client_id = ?`
