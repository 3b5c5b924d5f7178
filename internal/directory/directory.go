// Package directory caches the lead directory fetched from the backend
// and resolves counterpart phone numbers to lead records for caller
// identity. The cache is read-only from the engine's point of view:
// identity resolution never mutates it.
package directory

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dialcore/dialcore/internal/call"
)

// Lead is a caller-identity record from the backend lead list.
type Lead struct {
	ID          int64  `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
}

// DisplayName renders the lead's name for the incoming-call surface.
func (l Lead) DisplayName() string {
	name := strings.TrimSpace(l.FirstName + " " + l.LastName)
	if name == "" {
		return l.PhoneNumber
	}
	return name
}

// Directory is the in-memory lead cache, indexed by digit-normalized
// phone number. Refresh happens off the engine loop, lookups happen on
// it, so access is guarded by a read-write mutex.
type Directory struct {
	mu       sync.RWMutex
	byDigits map[string]Lead
	logger   *slog.Logger
}

// New creates an empty directory.
func New(logger *slog.Logger) *Directory {
	return &Directory{
		byDigits: make(map[string]Lead),
		logger:   logger.With("component", "directory"),
	}
}

// Replace swaps in a freshly fetched lead list. Leads without a phone
// number are skipped; when two leads normalize to the same digits the
// later one wins, matching the backend's ordering.
func (d *Directory) Replace(leads []Lead) {
	idx := make(map[string]Lead, len(leads))
	for _, l := range leads {
		digits := call.NormalizeNumber(l.PhoneNumber)
		if digits == "" {
			continue
		}
		idx[digits] = l
	}

	d.mu.Lock()
	d.byDigits = idx
	d.mu.Unlock()

	d.logger.Info("lead directory refreshed", "leads", len(idx))
}

// Lookup returns the lead matching a phone number, comparing
// digit-normalized forms so routing decoration and formatting do not
// defeat the match.
func (d *Directory) Lookup(number string) (Lead, bool) {
	digits := call.NormalizeNumber(number)
	if digits == "" {
		return Lead{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.byDigits[digits]
	return l, ok
}

// MatchNumber implements call.LeadLookup.
func (d *Directory) MatchNumber(number string) (int64, bool) {
	l, ok := d.Lookup(number)
	if !ok {
		return 0, false
	}
	return l.ID, true
}

// DisplayName implements the engine's LeadDirectory interface.
func (d *Directory) DisplayName(number string) (string, bool) {
	l, ok := d.Lookup(number)
	if !ok {
		return "", false
	}
	return l.DisplayName(), true
}

// Size returns the number of cached leads.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byDigits)
}

// String implements fmt.Stringer for debug logging.
func (d *Directory) String() string {
	return fmt.Sprintf("directory(%d leads)", d.Size())
}
