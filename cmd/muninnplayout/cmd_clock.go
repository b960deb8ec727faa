/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/cache"
	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/models"
)

// clockFile is the YAML shape accepted by "clock import". Dayparts are
// matched by name and created when missing; slot categories reference
// existing rotation categories by name.
type clockFile struct {
	StationID string              `yaml:"station_id"`
	Name      string              `yaml:"name"`
	Version   int                 `yaml:"version"`
	Published bool                `yaml:"published"`
	Dayparts  []clockFileDaypart  `yaml:"dayparts"`
	Templates []clockFileTemplate `yaml:"templates"`
}

type clockFileDaypart struct {
	Name      string `yaml:"name"`
	StartHour int    `yaml:"start_hour"`
	EndHour   int    `yaml:"end_hour"`
}

type clockFileTemplate struct {
	Daypart     string          `yaml:"daypart"`
	Version     int             `yaml:"version"`
	EffectiveAt time.Time       `yaml:"effective_at"`
	Published   bool            `yaml:"published"`
	Slots       []clockFileSlot `yaml:"slots"`
}

type clockFileSlot struct {
	Type            string          `yaml:"type"`
	Category        string          `yaml:"category"`
	OffsetSeconds   int             `yaml:"offset_seconds"`
	DurationSeconds int             `yaml:"duration_seconds"`
	Mandatory       bool            `yaml:"mandatory"`
	SubSlots        []clockFileSlot `yaml:"sub_slots"`
}

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Manage station clocks",
}

var clockImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a station clock from YAML",
	Long:  "Validate and persist a station clock definition, then invalidate any cached hour resolutions for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runClockImport,
}

var clockValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml>",
	Short: "Validate a clock definition without writing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runClockValidate,
}

func init() {
	clockCmd.AddCommand(clockImportCmd)
	clockCmd.AddCommand(clockValidateCmd)
	rootCmd.AddCommand(clockCmd)
}

func loadClockFile(path string) (*clockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file clockFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if file.StationID == "" {
		return nil, fmt.Errorf("station_id is required")
	}
	if file.Name == "" {
		return nil, fmt.Errorf("clock name is required")
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("clock needs at least one template")
	}
	return &file, nil
}

// materialize converts the file into model records. Category and daypart
// lookups run against the database; categoryByName may be nil for offline
// validation, which then skips category resolution.
func materialize(file *clockFile, daypartByName map[string]models.Daypart, categoryByName map[string]string) (models.StationClock, error) {
	stationClock := models.StationClock{
		ID:        uuid.NewString(),
		StationID: file.StationID,
		Name:      file.Name,
		Version:   file.Version,
		Published: file.Published,
	}
	if stationClock.Version <= 0 {
		stationClock.Version = 1
	}

	for _, tmpl := range file.Templates {
		daypart, ok := daypartByName[tmpl.Daypart]
		if !ok {
			return stationClock, fmt.Errorf("template references unknown daypart %q", tmpl.Daypart)
		}
		template := models.HourTemplate{
			ID:             uuid.NewString(),
			StationClockID: stationClock.ID,
			DaypartID:      daypart.ID,
			Version:        tmpl.Version,
			EffectiveAt:    tmpl.EffectiveAt,
			Published:      tmpl.Published,
		}
		if template.Version <= 0 {
			template.Version = 1
		}

		for i, slot := range tmpl.Slots {
			converted, err := convertSlot(slot, template.ID, nil, i, categoryByName)
			if err != nil {
				return stationClock, fmt.Errorf("daypart %q slot %d: %w", tmpl.Daypart, i, err)
			}
			template.Slots = append(template.Slots, converted)
		}

		if err := clock.ValidateTemplate(template); err != nil {
			return stationClock, fmt.Errorf("daypart %q: %w", tmpl.Daypart, err)
		}
		stationClock.Templates = append(stationClock.Templates, template)
	}

	return stationClock, nil
}

func convertSlot(slot clockFileSlot, templateID string, parentID *string, position int, categoryByName map[string]string) (models.TemplateSlot, error) {
	slotType := models.SlotType(slot.Type)
	switch slotType {
	case models.SlotRotation, models.SlotBreak, models.SlotSweeper:
	default:
		return models.TemplateSlot{}, fmt.Errorf("unknown slot type %q", slot.Type)
	}

	converted := models.TemplateSlot{
		ID:              uuid.NewString(),
		HourTemplateID:  templateID,
		ParentSlotID:    parentID,
		Position:        position,
		OffsetSeconds:   slot.OffsetSeconds,
		DurationSeconds: slot.DurationSeconds,
		Type:            slotType,
		Mandatory:       slot.Mandatory,
	}

	if slot.Category != "" {
		if categoryByName == nil {
			converted.CategoryID = slot.Category
		} else {
			categoryID, ok := categoryByName[slot.Category]
			if !ok {
				return converted, fmt.Errorf("unknown rotation category %q", slot.Category)
			}
			converted.CategoryID = categoryID
		}
	} else if slotType != models.SlotBreak {
		return converted, fmt.Errorf("%s slot needs a category", slotType)
	}

	for i, sub := range slot.SubSlots {
		if slotType != models.SlotBreak {
			return converted, fmt.Errorf("only break slots carry sub slots")
		}
		child, err := convertSlot(sub, templateID, &converted.ID, i, categoryByName)
		if err != nil {
			return converted, err
		}
		converted.SubSlots = append(converted.SubSlots, child)
	}

	return converted, nil
}

func runClockValidate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	file, err := loadClockFile(args[0])
	if err != nil {
		return err
	}

	// Offline validation: dayparts come from the file, categories pass
	// through unresolved.
	daypartByName := make(map[string]models.Daypart, len(file.Dayparts))
	for _, dp := range file.Dayparts {
		daypartByName[dp.Name] = models.Daypart{ID: uuid.NewString(), Name: dp.Name, StartHour: dp.StartHour, EndHour: dp.EndHour}
	}

	if _, err := materialize(file, daypartByName, nil); err != nil {
		return err
	}

	fmt.Printf("%s: ok (%d templates)\n", args[0], len(file.Templates))
	return nil
}

func runClockImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	file, err := loadClockFile(args[0])
	if err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	ctx := cmd.Context()

	var station models.Station
	if err := database.WithContext(ctx).First(&station, "id = ?", file.StationID).Error; err != nil {
		return fmt.Errorf("station %s: %w", file.StationID, err)
	}

	daypartByName := make(map[string]models.Daypart)
	var existing []models.Daypart
	if err := database.WithContext(ctx).Where("station_id = ?", file.StationID).Find(&existing).Error; err != nil {
		return fmt.Errorf("load dayparts: %w", err)
	}
	for _, dp := range existing {
		daypartByName[dp.Name] = dp
	}

	categoryByName := make(map[string]string)
	var categories []models.RotationCategory
	if err := database.WithContext(ctx).Where("station_id = ?", file.StationID).Find(&categories).Error; err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	for _, cat := range categories {
		categoryByName[cat.Name] = cat.ID
	}

	var created int
	err = database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, dp := range file.Dayparts {
			if _, ok := daypartByName[dp.Name]; ok {
				continue
			}
			record := models.Daypart{
				ID:        uuid.NewString(),
				StationID: file.StationID,
				Name:      dp.Name,
				StartHour: dp.StartHour,
				EndHour:   dp.EndHour,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("create daypart %q: %w", dp.Name, err)
			}
			daypartByName[dp.Name] = record
			created++
		}

		stationClock, err := materialize(file, daypartByName, categoryByName)
		if err != nil {
			return err
		}

		if err := tx.Create(&stationClock).Error; err != nil {
			return fmt.Errorf("create clock: %w", err)
		}

		fmt.Printf("imported clock %s (%s v%d): %d templates, %d new dayparts\n",
			stationClock.ID, stationClock.Name, stationClock.Version, len(stationClock.Templates), created)
		return nil
	})
	if err != nil {
		return err
	}

	// Stale cached resolutions would keep serving the old layout until
	// TTL expiry.
	if cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig(cfg.RedisAddr)
		cacheCfg.Password = cfg.RedisPassword
		cacheCfg.DB = cfg.RedisDB
		resolver := clock.NewResolver(database, logger).WithCache(cache.New(cacheCfg, logger))
		var clocks []models.StationClock
		if err := database.WithContext(ctx).Where("station_id = ? AND name = ?", file.StationID, file.Name).Find(&clocks).Error; err == nil {
			for _, c := range clocks {
				if err := resolver.InvalidateClock(ctx, c.ID); err != nil {
					logger.Warn().Err(err).Str("clock_id", c.ID).Msg("cache invalidation failed")
				}
			}
		}
	}

	return nil
}
