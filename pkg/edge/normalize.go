package edge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashsentry/hashsentry/pkg/types"
)

// Normalize merges the summary, stats, and pools responses of one miner
// into a single telemetry record matching the ingest schema. Any section
// may be nil; fields the miner did not report stay null.
func Normalize(minerID string, summary, stats, pools *Response, at time.Time) types.TelemetryRecord {
	rec := types.TelemetryRecord{
		MinerID:   minerID,
		Timestamp: at.UTC(),
		Online:    summary != nil || stats != nil,
	}

	if summary != nil {
		if rows := summary.Section("SUMMARY"); len(rows) > 0 {
			applySummary(&rec, rows[0])
		}
	}
	if stats != nil {
		applyStats(&rec, stats.Section("STATS"))
	}
	if pools != nil {
		applyPools(&rec, pools.Section("POOLS"))
	}

	deriveHealth(&rec)
	return rec
}

func applySummary(rec *types.TelemetryRecord, row map[string]any) {
	// Hashrate units differ across firmwares: GHS 5s is native GH/s,
	// MHS av needs conversion.
	if v, ok := getFloat(row, "GHS 5s", "GHS av"); ok {
		rec.HashrateGHS = &v
	} else if v, ok := getFloat(row, "MHS 5s", "MHS av"); ok {
		ghs := v / 1000
		rec.HashrateGHS = &ghs
	}
	if v, ok := getInt(row, "Accepted"); ok {
		rec.AcceptedShares = &v
	}
	if v, ok := getInt(row, "Rejected"); ok {
		rec.RejectedShares = &v
	}
	if v, ok := getInt(row, "Hardware Errors"); ok {
		rec.HardwareErrors = &v
	}
	if v, ok := getInt(row, "Elapsed"); ok {
		rec.UptimeSeconds = &v
	}
}

func applyStats(rec *types.TelemetryRecord, rows []map[string]any) {
	// Antminer-style STATS carry a version row first; the row holding
	// per-chain data is the one with temperature keys.
	for _, row := range rows {
		if v, ok := getString(row, "Type"); ok && rec.Model == nil {
			model := v
			rec.Model = &model
		}
		if v, ok := getString(row, "Miner"); ok && rec.FirmwareVersion == nil {
			fw := v
			rec.FirmwareVersion = &fw
		}

		var chips []float64
		var fans []int
		var boards []types.Board

		for i := 1; i <= types.MaxBoards; i++ {
			board := types.Board{Index: i}
			populated := false

			if v, ok := getFloat(row, fmt.Sprintf("temp%d", i)); ok && v > 0 {
				t := v
				board.TempC = &t
				chips = append(chips, v)
				populated = true
			}
			if v, ok := getFloat(row, fmt.Sprintf("temp2_%d", i)); ok && v > 0 {
				chips = append(chips, v)
				populated = true
			}
			if v, ok := getFloat(row, fmt.Sprintf("chain_rate%d", i)); ok && v > 0 {
				r := v
				board.HashrateGHS = &r
				populated = true
			}
			if v, ok := getInt(row, fmt.Sprintf("chain_acn%d", i)); ok && v > 0 {
				n := int(v)
				board.ChipCount = &n
				populated = true
			}
			if v, ok := getInt(row, fmt.Sprintf("chain_hw%d", i)); ok {
				hw := v
				board.HardwareErrors = &hw
			}
			if populated {
				board.Healthy = board.HashrateGHS != nil && *board.HashrateGHS > 0
				boards = append(boards, board)
			}
		}

		for i := 1; i <= types.MaxFanSpeeds; i++ {
			if v, ok := getInt(row, fmt.Sprintf("fan%d", i)); ok && v > 0 {
				fans = append(fans, int(v))
			}
		}

		if v, ok := getFloat(row, "frequency", "frequency_avg"); ok {
			f := v
			rec.FrequencyAvg = &f
		}

		if len(boards) > 0 {
			if len(boards) > types.MaxBoards {
				boards = boards[:types.MaxBoards]
			}
			rec.Boards = boards
			total := len(boards)
			healthy := 0
			for _, b := range boards {
				if b.Healthy {
					healthy++
				}
			}
			rec.BoardsTotal = &total
			rec.BoardsHealthy = &healthy
		}
		if len(chips) > 0 {
			if len(chips) > types.MaxChipTemps {
				chips = chips[:types.MaxChipTemps]
			}
			rec.TemperatureChips = chips
			minT, maxT, sum := chips[0], chips[0], 0.0
			for _, t := range chips {
				if t < minT {
					minT = t
				}
				if t > maxT {
					maxT = t
				}
				sum += t
			}
			avg := sum / float64(len(chips))
			rec.TemperatureAvg = &avg
			rec.TemperatureMin = &minT
			rec.TemperatureMax = &maxT
		}
		if len(fans) > 0 {
			if len(fans) > types.MaxFanSpeeds {
				fans = fans[:types.MaxFanSpeeds]
			}
			rec.FanSpeeds = fans
		}
	}
}

func applyPools(rec *types.TelemetryRecord, rows []map[string]any) {
	// The active pool is the first alive one; fall back to the first row.
	var active map[string]any
	for _, row := range rows {
		if status, ok := getString(row, "Status"); ok && strings.EqualFold(status, "Alive") {
			active = row
			break
		}
	}
	if active == nil && len(rows) > 0 {
		active = rows[0]
	}
	if active == nil {
		return
	}

	if v, ok := getString(active, "URL"); ok {
		url := v
		rec.PoolURL = &url
	}
	if v, ok := getString(active, "User"); ok {
		worker := v
		rec.WorkerName = &worker
	}
	if v, ok := getFloat(active, "Pool Ping", "Ping"); ok {
		ms := int64(v)
		rec.PoolLatencyMS = &ms
	}
}

func deriveHealth(rec *types.TelemetryRecord) {
	switch {
	case !rec.Online:
		rec.OverallHealth = types.HealthOffline
	case rec.BoardsTotal == nil || rec.BoardsHealthy == nil || *rec.BoardsTotal == 0:
		rec.OverallHealth = types.HealthUnknown
	case *rec.BoardsHealthy == *rec.BoardsTotal:
		rec.OverallHealth = types.HealthHealthy
	case *rec.BoardsHealthy == 0:
		rec.OverallHealth = types.HealthCritical
	default:
		rec.OverallHealth = types.HealthDegraded
	}
}

// Offline returns the record reported for an unreachable miner.
func Offline(minerID string, at time.Time, cause error) types.TelemetryRecord {
	msg := cause.Error()
	return types.TelemetryRecord{
		MinerID:       minerID,
		Timestamp:     at.UTC(),
		Online:        false,
		OverallHealth: types.HealthOffline,
		ErrorMessage:  &msg,
	}
}

// CGMiner numeric fields arrive as JSON numbers or strings depending on
// firmware; accept both.
func getFloat(row map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := row[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func getInt(row map[string]any, keys ...string) (int64, bool) {
	f, ok := getFloat(row, keys...)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func getString(row map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := row[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
