// Package output writes device snapshots and journal records to JSON/CSV files.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"device-simulator/internal/journal"
	"device-simulator/internal/model"
)

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range rows {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSnapshotsJSON writes snapshots to a JSON file with pretty formatting.
func WriteSnapshotsJSON(path string, snaps []model.DeviceSnapshot) error {
	return writeJSON(path, snaps)
}

// WriteSnapshotsCSV flattens snapshots to one row per variable.
// Columns: device,port,variable,value,set,sessions,timestamp
func WriteSnapshotsCSV(path string, snaps []model.DeviceSnapshot) error {
	return writeCSV(path, []string{"device", "port", "variable", "value", "set", "sessions", "timestamp"}, SnapshotRows(snaps))
}

// SnapshotRows returns the CSV rows of WriteSnapshotsCSV, variables sorted by
// name within each device.
func SnapshotRows(snaps []model.DeviceSnapshot) [][]string {
	var rows [][]string
	for _, s := range snaps {
		names := make([]string, 0, len(s.Values)+len(s.Unset))
		for name := range s.Values {
			names = append(names, name)
		}
		names = append(names, s.Unset...)
		sort.Strings(names)

		for _, name := range names {
			value, set := s.Values[name]
			flag := "0"
			if set {
				flag = "1"
			}
			rows = append(rows, []string{
				s.Name,
				fmt.Sprintf("%d", s.Port),
				name,
				value,
				flag,
				fmt.Sprintf("%d", s.Sessions),
				timeToRFC3339(s.Timestamp),
			})
		}
	}
	return rows
}

// WriteRecordsJSON writes journal records to a JSON file.
func WriteRecordsJSON(path string, recs []model.CommandRecord) error {
	if recs == nil {
		recs = []model.CommandRecord{}
	}
	return writeJSON(path, recs)
}

// WriteRecordsCSV writes journal records using the journal's column order.
func WriteRecordsCSV(path string, recs []model.CommandRecord) error {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, journal.Row(r))
	}
	return writeCSV(path, journal.Header(), rows)
}

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
