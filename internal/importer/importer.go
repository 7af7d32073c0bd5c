// Package importer reads task schedules and the worker registry from YAML
// files and turns them into store rows.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"shiftbot/internal/ledger"
	"shiftbot/internal/shift"
	"shiftbot/internal/storage"
)

// TaskFile is the layout of a task schedule file:
//
//	tasks:
//	  - name: Shelf check
//	    sector: A1
//	    date: 2026-03-02
//	    shift: day
//	    slot: 2
//	    constant: true
//	    duration: "00:20:00"
type TaskFile struct {
	Tasks []TaskRow `yaml:"tasks"`
}

type TaskRow struct {
	Name         string `yaml:"name"`
	ProductGroup string `yaml:"product_group"`
	Provider     string `yaml:"provider"`
	Comment      string `yaml:"comment"`
	Priority     int    `yaml:"priority"`
	Constant     bool   `yaml:"constant"`
	Sector       string `yaml:"sector"`
	Date         string `yaml:"date"`
	Shift        string `yaml:"shift"`
	Slot         int    `yaml:"slot"`
	Gender       string `yaml:"gender"`
	// StartTime is HH:MM on the shift's wall clock. One-off tasks only.
	StartTime string `yaml:"start_time"`
	// Duration is HH:MM:SS, HH:MM or minutes.
	Duration string `yaml:"duration"`
}

type WorkerFile struct {
	Workers []WorkerRow `yaml:"workers"`
}

type WorkerRow struct {
	ID     int64  `yaml:"id"`
	ChatID int64  `yaml:"chat_id"`
	Name   string `yaml:"name"`
	Gender string `yaml:"gender"`
	Role   string `yaml:"role"`
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

func normGender(raw string) (string, error) {
	g := strings.ToUpper(strings.TrimSpace(raw))
	switch g {
	case "", "U", "M", "F":
		return g, nil
	}
	return "", fmt.Errorf("gender %q: want U, M or F", raw)
}

// Tasks parses a schedule file. Durations default to defAllocated seconds.
func Tasks(data []byte, cal *shift.Calendar, defAllocated int64) ([]storage.Task, error) {
	var f TaskFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, err
	}
	out := make([]storage.Task, 0, len(f.Tasks))
	for i, r := range f.Tasks {
		t, err := r.task(cal, defAllocated)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r TaskRow) task(cal *shift.Calendar, defAllocated int64) (storage.Task, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return storage.Task{}, errors.New("name required")
	}
	n, err := shift.ParseName(r.Shift)
	if err != nil {
		return storage.Task{}, err
	}
	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(r.Date), cal.Location())
	if err != nil {
		return storage.Task{}, fmt.Errorf("date %q: %w", r.Date, err)
	}
	gender, err := normGender(r.Gender)
	if err != nil {
		return storage.Task{}, err
	}
	t := storage.Task{
		Name:             name,
		ProductGroup:     strings.TrimSpace(r.ProductGroup),
		Provider:         strings.TrimSpace(r.Provider),
		Comment:          strings.TrimSpace(r.Comment),
		Priority:         r.Priority,
		Constant:         r.Constant,
		Sector:           strings.TrimSpace(r.Sector),
		ShiftDate:        shift.DateKey(date),
		Shift:            string(n),
		Slot:             r.Slot,
		Gender:           gender,
		AllocatedSeconds: ledger.ParseDuration(r.Duration, defAllocated),
	}
	if raw := strings.TrimSpace(r.StartTime); raw != "" {
		if r.Constant {
			return storage.Task{}, errors.New("start_time is only valid for one-off tasks")
		}
		at, err := startAt(cal, n, date, raw)
		if err != nil {
			return storage.Task{}, err
		}
		t.StartTime = &at
	} else if !r.Constant {
		return storage.Task{}, errors.New("one-off tasks need start_time")
	}
	return t, nil
}

// startAt places HH:MM on the shift filed under date. A night shift starts
// the evening before its date.
func startAt(cal *shift.Calendar, n shift.Name, date time.Time, raw string) (time.Time, error) {
	clock, err := time.Parse("15:04", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_time %q: want HH:MM", raw)
	}
	at := time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), 0, 0, cal.Location())
	if !cal.TaskDate(n, at).Equal(date) {
		at = at.AddDate(0, 0, -1)
	}
	return at, nil
}

// Workers parses a registry file.
func Workers(data []byte) ([]storage.Worker, error) {
	var f WorkerFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, err
	}
	out := make([]storage.Worker, 0, len(f.Workers))
	seen := map[int64]bool{}
	for i, r := range f.Workers {
		if r.ID <= 0 {
			return nil, fmt.Errorf("workers[%d]: id required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("workers[%d]: duplicate id %d", i, r.ID)
		}
		seen[r.ID] = true
		gender, err := normGender(r.Gender)
		if err != nil {
			return nil, fmt.Errorf("workers[%d]: %w", i, err)
		}
		role := storage.Role(strings.ToLower(strings.TrimSpace(r.Role)))
		switch role {
		case "":
			role = storage.RoleWorker
		case storage.RoleWorker, storage.RoleSupervisor:
		default:
			return nil, fmt.Errorf("workers[%d]: role %q", i, r.Role)
		}
		chat := r.ChatID
		if chat == 0 {
			chat = r.ID
		}
		out = append(out, storage.Worker{
			ID:     r.ID,
			ChatID: chat,
			Name:   strings.TrimSpace(r.Name),
			Gender: gender,
			Role:   role,
		})
	}
	return out, nil
}
