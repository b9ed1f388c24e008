package types

import "time"

// Cardinality and size limits enforced by upload validation.
const (
	MaxChipTemps      = 100
	MaxFanSpeeds      = 20
	MaxBoards         = 10
	MaxStringField    = 255
	MaxMinerIDLength  = 128
	DefaultMaxPayload = 10 << 20 // bytes, decompressed
	DefaultMaxMiners  = 5000
	DefaultMaxRate    = 60 // uploads per key per minute
)

// OverallHealth classifies a miner's condition at upload time.
type OverallHealth string

const (
	HealthHealthy  OverallHealth = "healthy"
	HealthDegraded OverallHealth = "degraded"
	HealthCritical OverallHealth = "critical"
	HealthOffline  OverallHealth = "offline"
	HealthUnknown  OverallHealth = "unknown"
)

// Board is the per-hashboard decomposition of a telemetry record.
type Board struct {
	Index          int      `json:"index"`
	HashrateGHS    *float64 `json:"hashrate_ghs,omitempty"`
	TempC          *float64 `json:"temp_c,omitempty"`
	ChipCount      *int     `json:"chip_count,omitempty"`
	HardwareErrors *int64   `json:"hardware_errors,omitempty"`
	Healthy        bool     `json:"healthy"`
}

// TelemetryRecord is one miner's snapshot as uploaded by the edge collector.
// Pointer fields are nullable: the edge leaves unknown values unset and the
// server stores them as null.
type TelemetryRecord struct {
	MinerID          string        `json:"miner_id"`
	Timestamp        time.Time     `json:"timestamp"`
	Online           bool          `json:"online"`
	HashrateGHS      *float64      `json:"hashrate_ghs,omitempty"`
	TemperatureAvg   *float64      `json:"temperature_avg,omitempty"`
	TemperatureMin   *float64      `json:"temperature_min,omitempty"`
	TemperatureMax   *float64      `json:"temperature_max,omitempty"`
	TemperatureChips []float64     `json:"temperature_chips,omitempty"`
	FanSpeeds        []int         `json:"fan_speeds,omitempty"`
	FrequencyAvg     *float64      `json:"frequency_avg,omitempty"`
	AcceptedShares   *int64        `json:"accepted_shares,omitempty"`
	RejectedShares   *int64        `json:"rejected_shares,omitempty"`
	HardwareErrors   *int64        `json:"hardware_errors,omitempty"`
	UptimeSeconds    *int64        `json:"uptime_seconds,omitempty"`
	PowerConsumption *float64      `json:"power_consumption,omitempty"`
	PoolURL          *string       `json:"pool_url,omitempty"`
	WorkerName       *string       `json:"worker_name,omitempty"`
	PoolLatencyMS    *int64        `json:"pool_latency_ms,omitempty"`
	Boards           []Board       `json:"boards,omitempty"`
	BoardsTotal      *int          `json:"boards_total,omitempty"`
	BoardsHealthy    *int          `json:"boards_healthy,omitempty"`
	OverallHealth    OverallHealth `json:"overall_health,omitempty"`
	Model            *string       `json:"model,omitempty"`
	FirmwareVersion  *string       `json:"firmware_version,omitempty"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
}

// TelemetryLive is the per-miner live snapshot, upserted on every upload.
// Unique on (SiteID, MinerID).
type TelemetryLive struct {
	SiteID    string
	MinerID   string
	Record    TelemetryRecord
	UpdatedAt time.Time
}

// TelemetryHistory is one append-only time-series row.
type TelemetryHistory struct {
	ID        string
	SiteID    string
	MinerID   string
	Timestamp time.Time
	Record    TelemetryRecord
}
