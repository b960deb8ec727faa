/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/models"
)

// Format enumerates supported export encodings.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

// ParseFormat validates a format string from the API surface.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXML:
		return FormatXML, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ExportService renders ready schedules for downstream consumers: playout
// nodes pull JSON, traffic reconciliation takes CSV, legacy automation
// ingests XML.
type ExportService struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewExportService creates a new export service.
func NewExportService(db *gorm.DB, logger zerolog.Logger) *ExportService {
	return &ExportService{
		db:     db,
		logger: logger.With().Str("component", "schedule_export").Logger(),
	}
}

// Envelope is the export wire document. Offsets are relative to the
// schedule start so consumers replay the timeline without timezone math.
type Envelope struct {
	XMLName    xml.Name       `json:"-" xml:"schedule"`
	ScheduleID string         `json:"schedule_id" xml:"schedule_id,attr"`
	StationID  string         `json:"station_id" xml:"station_id,attr"`
	Timezone   string         `json:"timezone" xml:"timezone,attr"`
	Format     string         `json:"format" xml:"-"`
	ExportedAt time.Time      `json:"exported_at" xml:"exported_at,attr"`
	StartsAt   time.Time      `json:"starts_at" xml:"starts_at,attr"`
	EndsAt     time.Time      `json:"ends_at" xml:"ends_at,attr"`
	Items      []EnvelopeItem `json:"items" xml:"item"`
}

// EnvelopeItem is one exported timeline entry.
type EnvelopeItem struct {
	Position        int     `json:"position" xml:"position,attr"`
	OffsetSeconds   float64 `json:"offset_seconds" xml:"offset_seconds"`
	DurationSeconds float64 `json:"duration_seconds" xml:"duration_seconds"`
	SlotType        string  `json:"slot_type" xml:"slot_type"`
	CategoryID      string  `json:"rotation_category_id,omitempty" xml:"rotation_category_id,omitempty"`
	AssetID         string  `json:"asset_id,omitempty" xml:"asset_id,omitempty"`
	Artist          string  `json:"artist,omitempty" xml:"artist,omitempty"`
	Title           string  `json:"title,omitempty" xml:"title,omitempty"`
	Mandatory       bool    `json:"mandatory" xml:"mandatory,attr"`
	TrimRatio       float64 `json:"trim_ratio,omitempty" xml:"trim_ratio,omitempty"`
}

// ExportResult carries rendered bytes with transport metadata.
type ExportResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Export renders a ready schedule in the requested format.
func (s *ExportService) Export(ctx context.Context, scheduleID string, format Format) (*ExportResult, error) {
	envelope, err := s.buildEnvelope(ctx, scheduleID, format)
	if err != nil {
		return nil, err
	}

	var data []byte
	var contentType string
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(envelope, "", "  ")
		contentType = "application/json"
	case FormatCSV:
		data, err = renderCSV(envelope)
		contentType = "text/csv; charset=utf-8"
	case FormatXML:
		data, err = renderXML(envelope)
		contentType = "application/xml"
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s export: %w", format, err)
	}

	filename := fmt.Sprintf("schedule-%s-%s.%s",
		envelope.StartsAt.Format("2006-01-02T15"),
		shortID(scheduleID),
		format)

	s.logger.Debug().
		Str("schedule_id", scheduleID).
		Str("format", string(format)).
		Int("items", len(envelope.Items)).
		Msg("schedule exported")

	return &ExportResult{Data: data, Filename: filename, ContentType: contentType}, nil
}

// RenderTable renders a human-readable tabular view of a schedule, the form
// operators paste into discrepancy reports.
func (s *ExportService) RenderTable(ctx context.Context, scheduleID string) ([]byte, error) {
	envelope, err := s.buildEnvelope(ctx, scheduleID, FormatJSON)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Schedule %s  %s .. %s (%s)\n",
		envelope.ScheduleID,
		envelope.StartsAt.Format(time.RFC3339),
		envelope.EndsAt.Format(time.RFC3339),
		envelope.Timezone)
	fmt.Fprintf(&buf, "%-5s %-10s %-10s %-9s %-28s %s\n", "POS", "OFFSET", "LENGTH", "TYPE", "ARTIST", "TITLE")
	for _, item := range envelope.Items {
		fmt.Fprintf(&buf, "%-5d %-10s %-10s %-9s %-28s %s\n",
			item.Position,
			formatOffset(item.OffsetSeconds),
			formatOffset(item.DurationSeconds),
			item.SlotType,
			truncate(item.Artist, 28),
			item.Title)
	}
	return buf.Bytes(), nil
}

func (s *ExportService) buildEnvelope(ctx context.Context, scheduleID string, format Format) (Envelope, error) {
	var sched models.Schedule
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&sched, "id = ?", scheduleID).Error
	if err != nil {
		return Envelope{}, fmt.Errorf("load schedule %s: %w", scheduleID, err)
	}
	if sched.Status != models.ScheduleReady {
		return Envelope{}, fmt.Errorf("schedule %s is %s, only ready schedules export", scheduleID, sched.Status)
	}

	envelope := Envelope{
		ScheduleID: sched.ID,
		StationID:  sched.StationID,
		Timezone:   sched.Timezone,
		Format:     string(format),
		ExportedAt: time.Now().UTC(),
		StartsAt:   sched.StartsAt,
		EndsAt:     sched.EndsAt,
		Items:      make([]EnvelopeItem, 0, len(sched.Items)),
	}

	for _, item := range sched.Items {
		envelope.Items = append(envelope.Items, EnvelopeItem{
			Position:        item.Position,
			OffsetSeconds:   item.StartsAt.Sub(sched.StartsAt).Seconds(),
			DurationSeconds: item.Duration().Seconds(),
			SlotType:        string(item.SlotType),
			CategoryID:      item.CategoryID,
			AssetID:         item.ItemID,
			Artist:          metaString(item.Metadata, "artist"),
			Title:           metaString(item.Metadata, "title"),
			Mandatory:       item.Mandatory,
			TrimRatio:       item.TrimRatio,
		})
	}
	return envelope, nil
}

// ImportResult summarizes a schedule import.
type ImportResult struct {
	ScheduleID string
	Imported   int
	Errors     []string
}

// ImportJSON ingests a JSON export envelope as a new ready schedule. Items
// keep their offsets against the envelope's own start; the round trip of
// export then import reproduces the timeline exactly.
func (s *ExportService) ImportJSON(ctx context.Context, data io.Reader) (*ImportResult, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read import payload: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode import payload: %w", err)
	}
	if envelope.StationID == "" || !envelope.EndsAt.After(envelope.StartsAt) {
		return nil, fmt.Errorf("import payload missing station or valid window")
	}

	sort.Slice(envelope.Items, func(i, j int) bool {
		return envelope.Items[i].Position < envelope.Items[j].Position
	})

	result := &ImportResult{}
	sched := models.Schedule{
		ID:        uuid.NewString(),
		StationID: envelope.StationID,
		Timezone:  envelope.Timezone,
		StartsAt:  envelope.StartsAt,
		EndsAt:    envelope.EndsAt,
		Status:    models.ScheduleReady,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sched).Error; err != nil {
			return fmt.Errorf("create schedule: %w", err)
		}
		var prevEnd time.Time
		for _, item := range envelope.Items {
			starts := envelope.StartsAt.Add(time.Duration(item.OffsetSeconds * float64(time.Second)))
			ends := starts.Add(time.Duration(item.DurationSeconds * float64(time.Second)))
			if !prevEnd.IsZero() && starts.Before(prevEnd) {
				result.Errors = append(result.Errors, fmt.Sprintf("item %d overlaps predecessor, skipped", item.Position))
				continue
			}
			row := models.ScheduleItem{
				ID:         uuid.NewString(),
				ScheduleID: sched.ID,
				Position:   item.Position,
				StartsAt:   starts,
				EndsAt:     ends,
				SlotType:   models.SlotType(item.SlotType),
				CategoryID: item.CategoryID,
				ItemID:     item.AssetID,
				Mandatory:  item.Mandatory,
				TrimRatio:  item.TrimRatio,
			}
			if item.Artist != "" || item.Title != "" {
				row.Metadata = map[string]any{"artist": item.Artist, "title": item.Title}
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create item %d: %w", item.Position, err)
			}
			prevEnd = ends
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.ScheduleID = sched.ID
	s.logger.Info().
		Str("schedule_id", sched.ID).
		Int("imported", result.Imported).
		Int("skipped", len(result.Errors)).
		Msg("schedule import completed")
	return result, nil
}

func renderCSV(envelope Envelope) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"position", "offset_seconds", "duration_seconds", "slot_type", "rotation_category_id", "asset_id", "artist", "title", "mandatory", "trim_ratio"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, item := range envelope.Items {
		record := []string{
			strconv.Itoa(item.Position),
			strconv.FormatFloat(item.OffsetSeconds, 'f', 3, 64),
			strconv.FormatFloat(item.DurationSeconds, 'f', 3, 64),
			item.SlotType,
			item.CategoryID,
			item.AssetID,
			item.Artist,
			item.Title,
			strconv.FormatBool(item.Mandatory),
			strconv.FormatFloat(item.TrimRatio, 'f', 4, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderXML(envelope Envelope) ([]byte, error) {
	data, err := xml.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

func formatOffset(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
