package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// PowerLog appends one CSV row per cycle to data_dir/YYYY/MM/DD/<source>.csv.
// Files rotate at midnight (UTC).
type PowerLog struct {
	dataDir string

	fileMu       sync.Mutex
	currentFiles map[string]*os.File
	csvWriters   map[string]*csv.Writer
	currentDates map[string]string

	now func() time.Time
}

// PowerRecord is one logged cycle
type PowerRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Label     string             `json:"label,omitempty"`
	Low       float64            `json:"low"`
	High      float64            `json:"high"`
	PowerDB   map[string]float64 `json:"power_db"`
}

// NewPowerLog creates the data directory
func NewPowerLog(dataDir string) (*PowerLog, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create power log directory: %w", err)
	}
	return &PowerLog{
		dataDir:      dataDir,
		currentFiles: make(map[string]*os.File),
		csvWriters:   make(map[string]*csv.Writer),
		currentDates: make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// RendererFor returns a renderer that logs every cycle of source
func (pl *PowerLog) RendererFor(source SourceInfo) Renderer {
	return RendererFunc(func(vector []float64, bounds Bounds, names []string, label string) error {
		return pl.Write(source.Name, pl.now(), vector, bounds, names, label)
	})
}

// Write appends a record for source
func (pl *PowerLog) Write(source string, ts time.Time, vector []float64, bounds Bounds, names []string, label string) error {
	pl.fileMu.Lock()
	defer pl.fileMu.Unlock()

	dateStr := ts.Format("2006-01-02")
	if dateStr != pl.currentDates[source] {
		if err := pl.rotateFile(source, dateStr, names); err != nil {
			return err
		}
	}

	writer := pl.csvWriters[source]
	if writer == nil {
		return fmt.Errorf("no CSV writer for source %s", source)
	}

	record := make([]string, 0, 4+len(vector))
	record = append(record,
		ts.Format(time.RFC3339Nano),
		label,
		fmt.Sprintf("%.3f", bounds.Low),
		fmt.Sprintf("%.3f", bounds.High),
	)
	for _, v := range vector {
		record = append(record, fmt.Sprintf("%.3f", v))
	}

	if err := writer.Write(record); err != nil {
		return err
	}

	// Flush after each write to ensure data is saved
	writer.Flush()
	return writer.Error()
}

func (pl *PowerLog) dayDir(t time.Time) string {
	return filepath.Join(
		pl.dataDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	)
}

// rotateFile opens the file of source for dateStr, writing the header if it is new
func (pl *PowerLog) rotateFile(source, dateStr string, names []string) error {
	if pl.currentFiles[source] != nil {
		if err := pl.currentFiles[source].Close(); err != nil {
			log.Printf("Warning: error closing previous CSV file for %s: %v", source, err)
		}
		delete(pl.currentFiles, source)
		delete(pl.csvWriters, source)
	}

	t, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}

	dirPath := pl.dayDir(t)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory structure: %w", err)
	}

	filename := filepath.Join(dirPath, safeSegment(source)+".csv")
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	pl.currentFiles[source] = file
	pl.csvWriters[source] = csv.NewWriter(file)
	pl.currentDates[source] = dateStr

	if stat.Size() == 0 {
		header := append([]string{"timestamp", "label", "low_db", "high_db"}, names...)
		if err := pl.csvWriters[source].Write(header); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		pl.csvWriters[source].Flush()
		log.Printf("Created new power log file: %s", filename)
	}
	return nil
}

// Close closes every open file
func (pl *PowerLog) Close() error {
	pl.fileMu.Lock()
	defer pl.fileMu.Unlock()

	var firstErr error
	for source, file := range pl.currentFiles {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(pl.currentFiles, source)
		delete(pl.csvWriters, source)
		delete(pl.currentDates, source)
	}
	return firstErr
}

// ReadPowerLog reads the records of source for date (YYYY-MM-DD)
func (pl *PowerLog) ReadPowerLog(source, date string) ([]PowerRecord, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date format: %w", err)
	}

	filename := filepath.Join(pl.dayDir(t), safeSegment(source)+".csv")
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Warning: error closing file %s: %v", filename, err)
		}
	}()

	reader := csv.NewReader(file)
	// A restart with a different layout appends rows of another width
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("no data in file")
	}

	header := records[0]
	if len(header) < 4 {
		return nil, fmt.Errorf("bad header in %s", filename)
	}
	names := header[4:]

	out := make([]PowerRecord, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < 4 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, record[0])
		if err != nil {
			continue
		}
		r := PowerRecord{
			Timestamp: ts,
			Label:     record[1],
			PowerDB:   make(map[string]float64, len(names)),
		}
		r.Low, _ = strconv.ParseFloat(record[2], 64)
		r.High, _ = strconv.ParseFloat(record[3], 64)
		for i, name := range names {
			if 4+i >= len(record) {
				break
			}
			if v, err := strconv.ParseFloat(record[4+i], 64); err == nil {
				r.PowerDB[name] = v
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// AvailableDates returns the dates (YYYY-MM-DD) holding a log for source, newest first
func (pl *PowerLog) AvailableDates(source string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(pl.dataDir, "*", "*", "*", safeSegment(source)+".csv"))
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(matches))
	for _, m := range matches {
		day := filepath.Dir(m)
		month := filepath.Dir(day)
		year := filepath.Dir(month)
		date := fmt.Sprintf("%s-%s-%s", filepath.Base(year), filepath.Base(month), filepath.Base(day))
		if _, err := time.Parse("2006-01-02", date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}
