// Package core provides the registered plate watchlist.
package core

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Watchlist resolves detected plates to registered owners.
type Watchlist interface {
	Lookup(plate string) (RegisteredPlate, bool)
}

// NormalizePlate upper-cases a plate and strips separators.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range plate {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Alertable reports whether the owner should be notified on detection.
func (p RegisteredPlate) Alertable() bool {
	return p.AlertEnabled && p.Status == PlateActive && strings.TrimSpace(p.OwnerPhone) != ""
}

// MemoryWatchlist is an in-memory Watchlist.
type MemoryWatchlist struct {
	mu     sync.RWMutex
	plates map[string]RegisteredPlate
}

// NewMemoryWatchlist constructs a watchlist seeded with plates.
func NewMemoryWatchlist(plates []RegisteredPlate) (*MemoryWatchlist, error) {
	w := &MemoryWatchlist{plates: make(map[string]RegisteredPlate, len(plates))}
	for _, plate := range plates {
		if err := w.Upsert(plate); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Upsert adds or replaces a registered plate.
func (w *MemoryWatchlist) Upsert(plate RegisteredPlate) error {
	if w == nil {
		return Wrap(CodeUnavailable, "watchlist unavailable", nil)
	}
	key := NormalizePlate(plate.Plate)
	if key == "" {
		return Wrap(CodeInvalidInput, "plate is required", nil)
	}
	if plate.Status == "" {
		plate.Status = PlateActive
	}
	switch plate.Status {
	case PlateActive, PlateInactive, PlateSuspended:
	default:
		return Wrap(CodeInvalidInput, "unknown plate status "+string(plate.Status), nil)
	}
	w.mu.Lock()
	w.plates[key] = plate
	w.mu.Unlock()
	return nil
}

// Remove deletes a plate. Missing plates are ignored.
func (w *MemoryWatchlist) Remove(plate string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.plates, NormalizePlate(plate))
	w.mu.Unlock()
}

// Lookup returns the registration for plate.
func (w *MemoryWatchlist) Lookup(plate string) (RegisteredPlate, bool) {
	if w == nil {
		return RegisteredPlate{}, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	registered, ok := w.plates[NormalizePlate(plate)]
	return registered, ok
}

// List returns all registrations sorted by plate.
func (w *MemoryWatchlist) List() []RegisteredPlate {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	out := make([]RegisteredPlate, 0, len(w.plates))
	for _, plate := range w.plates {
		out = append(out, plate)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Plate < out[j].Plate })
	return out
}
