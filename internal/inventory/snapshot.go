/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package inventory

import (
	"sort"
	"strings"
	"time"

	"github.com/friendsincode/muninn_playout/internal/models"
)

// Snapshot is one consistent view of catalog, rules, and recency state.
// A schedule build works against a single snapshot for its whole run, so
// concurrent catalog updates never leak into an in-flight build. Picks made
// during the build are folded back in through Observe; the snapshot is never
// shared between builds.
type Snapshot struct {
	TakenAt   time.Time
	StationID string

	categories map[string]models.RotationCategory
	byCategory map[string][]models.CatalogItem
	byID       map[string]models.CatalogItem
	rules      map[string][]models.Rule

	lastItem   map[string]time.Time
	lastArtist map[string]time.Time
	lastTitle  map[string]time.Time
	plays      []playRecord
}

type playRecord struct {
	artist string
	album  string
	at     time.Time
}

// Category returns the category by ID.
func (s *Snapshot) Category(id string) (models.RotationCategory, bool) {
	cat, ok := s.categories[id]
	return cat, ok
}

// Items returns the catalog items in a category, ordered by ID for
// reproducible iteration.
func (s *Snapshot) Items(categoryID string) []models.CatalogItem {
	return s.byCategory[categoryID]
}

// Item returns a catalog item by ID.
func (s *Snapshot) Item(id string) (models.CatalogItem, bool) {
	item, ok := s.byID[id]
	return item, ok
}

// Rules returns the active rules bound to a category, ordered by descending
// priority, ties broken by rule ID.
func (s *Snapshot) Rules(categoryID string) []models.Rule {
	return s.rules[categoryID]
}

// LastPlayOfItem returns the most recent play of the exact item.
func (s *Snapshot) LastPlayOfItem(itemID string) (time.Time, bool) {
	ts, ok := s.lastItem[itemID]
	return ts, ok
}

// LastPlayOfArtist returns the most recent play of any item by the artist.
func (s *Snapshot) LastPlayOfArtist(artist string) (time.Time, bool) {
	ts, ok := s.lastArtist[normalize(artist)]
	return ts, ok
}

// LastPlayOfTitle returns the most recent play of any item sharing the title
// (catches alternate versions of the same song).
func (s *Snapshot) LastPlayOfTitle(title string) (time.Time, bool) {
	ts, ok := s.lastTitle[normalize(title)]
	return ts, ok
}

// ArtistPlaysSince counts plays by the artist at or after the cutoff.
func (s *Snapshot) ArtistPlaysSince(artist string, cutoff time.Time) int {
	norm := normalize(artist)
	count := 0
	for _, play := range s.plays {
		if play.at.Before(cutoff) {
			continue
		}
		if play.artist == norm {
			count++
		}
	}
	return count
}

// AlbumPlaysSince counts plays from the album at or after the cutoff.
func (s *Snapshot) AlbumPlaysSince(album string, cutoff time.Time) int {
	if album == "" {
		return 0
	}
	norm := normalize(album)
	count := 0
	for _, play := range s.plays {
		if play.at.Before(cutoff) {
			continue
		}
		if play.album != "" && play.album == norm {
			count++
		}
	}
	return count
}

// Observe folds a pick made during a schedule build back into the snapshot's
// recency state so later slots in the same build respect separation against
// it. Persistent recording happens separately via Service.RecordPlay.
func (s *Snapshot) Observe(item models.CatalogItem, at time.Time) {
	s.lastItem[item.ID] = at
	artist := normalize(item.Artist)
	if prev, ok := s.lastArtist[artist]; !ok || at.After(prev) {
		s.lastArtist[artist] = at
	}
	title := normalize(item.Title)
	if prev, ok := s.lastTitle[title]; !ok || at.After(prev) {
		s.lastTitle[title] = at
	}
	s.plays = append(s.plays, playRecord{
		artist: artist,
		album:  normalize(item.Album),
		at:     at,
	})
}

// NewStaticSnapshot builds a snapshot from already-loaded state, bypassing
// the database. Used by schedule imports and tests.
func NewStaticSnapshot(stationID string, takenAt time.Time, categories []models.RotationCategory, items []models.CatalogItem, rules []models.Rule) *Snapshot {
	snap := newSnapshot(stationID, takenAt)
	for _, cat := range categories {
		snap.categories[cat.ID] = cat
	}
	for _, item := range items {
		snap.addItem(item)
	}
	for _, rule := range rules {
		snap.addRule(rule)
	}
	snap.finalize()
	return snap
}

func newSnapshot(stationID string, takenAt time.Time) *Snapshot {
	return &Snapshot{
		TakenAt:    takenAt,
		StationID:  stationID,
		categories: make(map[string]models.RotationCategory),
		byCategory: make(map[string][]models.CatalogItem),
		byID:       make(map[string]models.CatalogItem),
		rules:      make(map[string][]models.Rule),
		lastItem:   make(map[string]time.Time),
		lastArtist: make(map[string]time.Time),
		lastTitle:  make(map[string]time.Time),
	}
}

func (s *Snapshot) addItem(item models.CatalogItem) {
	s.byID[item.ID] = item
	s.byCategory[item.CategoryID] = append(s.byCategory[item.CategoryID], item)
}

func (s *Snapshot) addRule(rule models.Rule) {
	s.rules[rule.CategoryID] = append(s.rules[rule.CategoryID], rule)
}

func (s *Snapshot) addHistory(play models.PlayHistory) {
	if prev, ok := s.lastItem[play.ItemID]; !ok || play.StartedAt.After(prev) {
		s.lastItem[play.ItemID] = play.StartedAt
	}
	artist := normalize(play.Artist)
	if artist != "" {
		if prev, ok := s.lastArtist[artist]; !ok || play.StartedAt.After(prev) {
			s.lastArtist[artist] = play.StartedAt
		}
	}
	title := normalize(play.Title)
	if title != "" {
		if prev, ok := s.lastTitle[title]; !ok || play.StartedAt.After(prev) {
			s.lastTitle[title] = play.StartedAt
		}
	}
	s.plays = append(s.plays, playRecord{
		artist: artist,
		album:  normalize(play.Album),
		at:     play.StartedAt,
	})
}

func (s *Snapshot) finalize() {
	for id := range s.byCategory {
		items := s.byCategory[id]
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		s.byCategory[id] = items
	}
	for id := range s.rules {
		rules := s.rules[id]
		sort.Slice(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority > rules[j].Priority
			}
			return rules[i].ID < rules[j].ID
		})
		s.rules[id] = rules
	}
}

var normalizer = strings.NewReplacer(
	" ", "",
	".", "",
	"-", "",
	"_", "",
	"'", "",
	"\"", "",
	"/", "",
	"\\", "",
	"(", "",
	")", "",
	"[", "",
	"]", "",
	",", "",
	";", "",
	":", "",
)

func normalize(s string) string {
	return normalizer.Replace(strings.ToLower(strings.TrimSpace(s)))
}
