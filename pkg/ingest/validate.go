package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashsentry/hashsentry/pkg/types"
)

// ValidationError rejects a whole batch and names the first offending
// field. There is no partial acceptance: a malformed batch usually signals
// a client bug, and failing closed keeps poisoned data out.
type ValidationError struct {
	FieldPath string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Reason)
}

func invalid(path, reason string) *ValidationError {
	return &ValidationError{FieldPath: path, Reason: reason}
}

// DecodeBatch parses the upload body into records, converting JSON type
// mismatches into field-addressed validation errors. Unknown fields are
// dropped silently.
func DecodeBatch(body []byte) ([]types.TelemetryRecord, *ValidationError) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("$", "body must be a JSON array of telemetry records")
	}

	records := make([]types.TelemetryRecord, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &records[i]); err != nil {
			path := fmt.Sprintf("[%d]", i)
			var te *json.UnmarshalTypeError
			if errors.As(err, &te) && te.Field != "" {
				path = fmt.Sprintf("[%d].%s", i, te.Field)
			}
			return nil, invalid(path, "type mismatch")
		}
	}
	return records, nil
}

// ValidateBatch checks every record against the telemetry schema and the
// site's miner registry. The first violation rejects the whole batch.
func ValidateBatch(records []types.TelemetryRecord, maxRecords int, siteMiners map[string]struct{}) *ValidationError {
	if len(records) == 0 {
		return invalid("$", "empty batch")
	}
	if len(records) > maxRecords {
		return invalid("$", fmt.Sprintf("batch exceeds %d records", maxRecords))
	}

	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		path := func(field string) string { return fmt.Sprintf("[%d].%s", i, field) }

		if rec.MinerID == "" {
			return invalid(path("miner_id"), "required")
		}
		if len(rec.MinerID) > types.MaxMinerIDLength {
			return invalid(path("miner_id"), "over length")
		}
		if _, dup := seen[rec.MinerID]; dup {
			return invalid(path("miner_id"), "duplicate miner_id in batch")
		}
		seen[rec.MinerID] = struct{}{}

		if err := validateRecord(&rec, path); err != nil {
			return err
		}

		// Tenant scoping: the collector key only speaks for its own site.
		if siteMiners != nil {
			if _, ok := siteMiners[rec.MinerID]; !ok {
				return invalid(path("miner_id"), "miner does not belong to this site")
			}
		}
	}
	return nil
}

// IsForeignMiner reports whether the validation error is the site-scoping
// violation, which surfaces as 403 rather than 400.
func IsForeignMiner(err *ValidationError) bool {
	return err != nil && err.Reason == "miner does not belong to this site"
}

func validateRecord(rec *types.TelemetryRecord, path func(string) string) *ValidationError {
	if len(rec.TemperatureChips) > types.MaxChipTemps {
		return invalid(path("temperature_chips"), fmt.Sprintf("more than %d entries", types.MaxChipTemps))
	}
	if len(rec.FanSpeeds) > types.MaxFanSpeeds {
		return invalid(path("fan_speeds"), fmt.Sprintf("more than %d entries", types.MaxFanSpeeds))
	}
	if len(rec.Boards) > types.MaxBoards {
		return invalid(path("boards"), fmt.Sprintf("more than %d entries", types.MaxBoards))
	}

	if rec.HashrateGHS != nil && (*rec.HashrateGHS < 0 || *rec.HashrateGHS > 1e9) {
		return invalid(path("hashrate_ghs"), "out of range")
	}
	for _, temp := range []struct {
		name string
		v    *float64
	}{
		{"temperature_avg", rec.TemperatureAvg},
		{"temperature_min", rec.TemperatureMin},
		{"temperature_max", rec.TemperatureMax},
	} {
		if temp.v != nil && (*temp.v < -50 || *temp.v > 250) {
			return invalid(path(temp.name), "out of range")
		}
	}
	for j, chip := range rec.TemperatureChips {
		if chip < -50 || chip > 250 {
			return invalid(path(fmt.Sprintf("temperature_chips[%d]", j)), "out of range")
		}
	}
	for j, fan := range rec.FanSpeeds {
		if fan < 0 || fan > 60000 {
			return invalid(path(fmt.Sprintf("fan_speeds[%d]", j)), "out of range")
		}
	}
	if rec.FrequencyAvg != nil && (*rec.FrequencyAvg < 0 || *rec.FrequencyAvg > 10000) {
		return invalid(path("frequency_avg"), "out of range")
	}
	for _, counter := range []struct {
		name string
		v    *int64
	}{
		{"accepted_shares", rec.AcceptedShares},
		{"rejected_shares", rec.RejectedShares},
		{"hardware_errors", rec.HardwareErrors},
		{"uptime_seconds", rec.UptimeSeconds},
		{"pool_latency_ms", rec.PoolLatencyMS},
	} {
		if counter.v != nil && *counter.v < 0 {
			return invalid(path(counter.name), "negative")
		}
	}
	if rec.PowerConsumption != nil && (*rec.PowerConsumption < 0 || *rec.PowerConsumption > 100000) {
		return invalid(path("power_consumption"), "out of range")
	}

	for _, str := range []struct {
		name string
		v    *string
	}{
		{"pool_url", rec.PoolURL},
		{"worker_name", rec.WorkerName},
		{"model", rec.Model},
		{"firmware_version", rec.FirmwareVersion},
		{"error_message", rec.ErrorMessage},
	} {
		if str.v != nil && len(*str.v) > types.MaxStringField {
			return invalid(path(str.name), "over length")
		}
	}

	switch rec.OverallHealth {
	case "", types.HealthHealthy, types.HealthDegraded, types.HealthCritical,
		types.HealthOffline, types.HealthUnknown:
	default:
		return invalid(path("overall_health"), "unknown value")
	}

	if rec.BoardsTotal != nil && (*rec.BoardsTotal < 0 || *rec.BoardsTotal > types.MaxBoards) {
		return invalid(path("boards_total"), "out of range")
	}
	if rec.BoardsHealthy != nil && (*rec.BoardsHealthy < 0 || *rec.BoardsHealthy > types.MaxBoards) {
		return invalid(path("boards_healthy"), "out of range")
	}
	return nil
}
