// Package contacts loads the local contact directory and resolves
// free-text queries to canonical identifiers through staged
// exact/partial/fuzzy matching.
package contacts

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Contact is one entry of the local directory.
type Contact struct {
	Name             string   `json:"name"`
	Phone            string   `json:"phone,omitempty"`
	Email            string   `json:"email,omitempty"`
	RelationshipType string   `json:"relationship_type,omitempty"`
	Aliases          []string `json:"aliases,omitempty"`
}

// Identifier returns the canonical identifier used for dedup and
// message addressing: normalized phone first, email otherwise.
func (c Contact) Identifier(countryCode string) string {
	if c.Phone != "" {
		return NormalizePhone(c.Phone, countryCode)
	}
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// Match is a successful resolution.
type Match struct {
	Contact Contact `json:"contact"`
	Score   float64 `json:"score"`
	Stage   string  `json:"stage"` // exact | partial | fuzzy | phone
}

// directoryFile supports the wrapped {"contacts":[...]} layout.
type directoryFile struct {
	Contacts []Contact `json:"contacts"`
}

// Directory is the in-memory contact directory. It is loaded once and
// only reloaded on explicit resync.
type Directory struct {
	mu          sync.RWMutex
	path        string
	countryCode string
	threshold   float64
	contacts    []Contact
}

// LoadDirectory reads the directory JSON file. Both the wrapped
// {"contacts":[...]} format and a flat array are accepted. A missing
// file yields an empty directory rather than an error so the daemon can
// start without one.
func LoadDirectory(path, countryCode string, threshold float64) (*Directory, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if countryCode == "" {
		countryCode = "1"
	}
	d := &Directory{path: path, countryCode: countryCode, threshold: threshold}
	if err := d.Resync(); err != nil {
		return nil, err
	}
	return d, nil
}

// Resync reloads the directory from disk, replacing the in-memory set.
// Entries with a duplicate normalized identifier keep the first
// occurrence.
func (d *Directory) Resync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			d.contacts = nil
			d.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read contacts file: %w", err)
	}

	var wrapped directoryFile
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Contacts != nil {
		d.replace(wrapped.Contacts)
		return nil
	}

	var flat []Contact
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("failed to parse contacts JSON: %w", err)
	}
	d.replace(flat)
	return nil
}

func (d *Directory) replace(in []Contact) {
	seen := make(map[string]struct{}, len(in))
	out := make([]Contact, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		id := c.Identifier(d.countryCode)
		if id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, c)
	}
	d.mu.Lock()
	d.contacts = out
	d.mu.Unlock()
}

// All returns a copy of the directory entries.
func (d *Directory) All() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, len(d.contacts))
	copy(out, d.contacts)
	return out
}

// CountryCode returns the default country code used for normalization.
func (d *Directory) CountryCode() string { return d.countryCode }

// Len returns the number of loaded contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.contacts)
}

// Resolve maps a free-text query to a contact. Stages, first hit wins:
//
//  1. phone-number queries match against normalized stored phones
//  2. case-insensitive exact match on name or alias
//  3. case-insensitive substring containment
//  4. fuzzy match, accepted only at or above the threshold
//
// Resolution over the same (directory, query) pair is deterministic:
// candidates are scanned in directory order and a later candidate only
// replaces the best on a strictly greater score.
func (d *Directory) Resolve(query string) (Match, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query = strings.TrimSpace(query)
	if query == "" {
		return Match{}, false
	}

	if LooksLikePhone(query) {
		normalized := NormalizePhone(query, d.countryCode)
		for _, c := range d.contacts {
			if c.Phone != "" && NormalizePhone(c.Phone, d.countryCode) == normalized {
				return Match{Contact: c, Score: 1, Stage: "phone"}, true
			}
		}
		return Match{}, false
	}

	lower := strings.ToLower(query)
	for _, c := range d.contacts {
		if strings.ToLower(c.Name) == lower {
			return Match{Contact: c, Score: 1, Stage: "exact"}, true
		}
		for _, alias := range c.Aliases {
			if strings.ToLower(alias) == lower {
				return Match{Contact: c, Score: 1, Stage: "exact"}, true
			}
		}
	}

	for _, c := range d.contacts {
		if strings.Contains(strings.ToLower(c.Name), lower) {
			return Match{Contact: c, Score: 1, Stage: "partial"}, true
		}
	}

	var best Match
	found := false
	for _, c := range d.contacts {
		score := MatchScore(query, c.Name)
		for _, alias := range c.Aliases {
			if s := MatchScore(query, alias); s > score {
				score = s
			}
		}
		if score >= d.threshold && (!found || score > best.Score) {
			best = Match{Contact: c, Score: score, Stage: "fuzzy"}
			found = true
		}
	}
	return best, found
}

// Search returns every contact whose name or alias contains the query,
// case-insensitively, in directory order.
func (d *Directory) Search(query string) []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return nil
	}
	var out []Contact
	for _, c := range d.contacts {
		if strings.Contains(strings.ToLower(c.Name), lower) {
			out = append(out, c)
			continue
		}
		for _, alias := range c.Aliases {
			if strings.Contains(strings.ToLower(alias), lower) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// FindByPhone matches a raw phone/handle against stored phones after
// normalization.
func (d *Directory) FindByPhone(phone string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	normalized := NormalizePhone(phone, d.countryCode)
	if normalized == "" {
		return Contact{}, false
	}
	for _, c := range d.contacts {
		if c.Phone != "" && NormalizePhone(c.Phone, d.countryCode) == normalized {
			return c, true
		}
	}
	return Contact{}, false
}

// LooksLikePhone reports whether a query is a phone number rather than
// a name: at least ten digits once separators are stripped.
func LooksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == '(' || r == ')' || r == '.' || r == ' ':
		default:
			return false
		}
	}
	return digits >= 10
}

// NormalizePhone reduces a phone number to bare digits with a country
// code. A leading "+" means the country code is already present; a
// ten-digit national number gets the default code prepended; anything
// longer is kept as-is.
func NormalizePhone(phone, defaultCountryCode string) string {
	hasPlus := strings.HasPrefix(strings.TrimSpace(phone), "+")

	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	out := digits.String()
	if out == "" {
		return ""
	}
	if hasPlus {
		return out
	}
	if len(out) == 10 {
		return defaultCountryCode + out
	}
	return out
}
