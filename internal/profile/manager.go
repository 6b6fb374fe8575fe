package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKeys(owner string, values map[string]string) error
	GetProfileKey(owner, key string) (string, error)
	GetAllProfileKeys(owner string) (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ErrInvalidField is returned by SetField for unknown keys or bad values.
var ErrInvalidField = errors.New("invalid profile field")

const dobLayout = "2006-01-02"

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached, structured access to owner profiles stored in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// GetProfile reads the owner's profile keys from storage (or cache).
// Returns a zero-value Profile for an owner with no keys.
func (m *Manager) GetProfile(owner string) (Profile, error) {
	m.mu.RLock()
	if e, ok := m.cache[owner]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(e.profile)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cache[owner]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return deepCopyProfile(e.profile), nil
	}

	keys, err := m.store.GetAllProfileKeys(owner)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	p := buildProfile(keys)
	m.cache[owner] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	return deepCopyProfile(p), nil
}

// SetField validates and persists one profile key, then drops the owner's
// cached profile. List keys accept a []string or a JSON array string.
func (m *Manager) SetField(owner, key string, value any) error {
	return m.SetFields(owner, map[string]any{key: value})
}

// SetFields validates every field before writing any of them, so a
// rejected update leaves the stored profile untouched. Keys are checked in
// sorted order to keep the reported error stable.
func (m *Manager) SetFields(owner string, fields map[string]any) error {
	encoded := make(map[string]string, len(fields))
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		str, err := encodeField(key, fields[key])
		if err != nil {
			return err
		}
		encoded[key] = str
	}
	if len(encoded) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetProfileKeys(owner, encoded); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	delete(m.cache, owner)
	return nil
}

func encodeField(key string, value any) (string, error) {
	if !slices.Contains(Keys, key) {
		return "", fmt.Errorf("%w: unknown key %q (valid: %s)", ErrInvalidField, key, strings.Join(Keys, ", "))
	}

	switch key {
	case "conditions", "allergies":
		var list []string
		switch v := value.(type) {
		case []string:
			list = v
		case string:
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				list = splitList(v)
			}
		default:
			return "", fmt.Errorf("%w: %s must be a list of strings", ErrInvalidField, key)
		}
		b, err := json.Marshal(list)
		if err != nil {
			return "", fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		return string(b), nil
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	str = strings.TrimSpace(str)
	switch key {
	case "dob":
		if _, err := time.Parse(dobLayout, str); err != nil {
			return "", fmt.Errorf("%w: dob must be YYYY-MM-DD", ErrInvalidField)
		}
	case "sex":
		str = strings.ToLower(str)
		if !slices.Contains([]string{"male", "female", "other"}, str) {
			return "", fmt.Errorf("%w: sex must be male, female or other", ErrInvalidField)
		}
	case "role":
		if !slices.Contains([]string{"patient", "doctor", "admin"}, str) {
			return "", fmt.Errorf("%w: role must be patient, doctor or admin", ErrInvalidField)
		}
	}
	return str, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PatientInfo renders the line given to decision support, for example
// "Patient Age: 44, Sex: female". Unknown values render as N/A.
func (m *Manager) PatientInfo(owner string) (string, error) {
	p, err := m.GetProfile(owner)
	if err != nil {
		return "", err
	}
	age := "N/A"
	if n, ok := Age(p.DOB, m.clock.Now()); ok {
		age = fmt.Sprint(n)
	}
	sex := p.Sex
	if sex == "" {
		sex = "N/A"
	}
	return fmt.Sprintf("Patient Age: %s, Sex: %s", age, sex), nil
}

// Age returns the whole years between dob (YYYY-MM-DD) and now.
func Age(dob string, now time.Time) (int, bool) {
	born, err := time.Parse(dobLayout, dob)
	if err != nil || born.After(now) {
		return 0, false
	}
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years, true
}

// GetSummary returns a compact description of the profile for the chat
// context. Targets < 500 tokens (~2000 chars).
func (m *Manager) GetSummary(owner string) (string, error) {
	p, err := m.GetProfile(owner)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p, m.clock.Now()), nil
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

func summarize(p Profile, now time.Time) string {
	var parts []string

	if p.DisplayName != "" {
		parts = append(parts, fmt.Sprintf("Name: %s.", p.DisplayName))
	}
	if n, ok := Age(p.DOB, now); ok {
		parts = append(parts, fmt.Sprintf("Age: %d.", n))
	}
	if p.Sex != "" {
		parts = append(parts, fmt.Sprintf("Sex: %s.", p.Sex))
	}
	if len(p.Conditions) > 0 {
		parts = append(parts, fmt.Sprintf("Known conditions: %s.", strings.Join(p.Conditions, ", ")))
	}
	if len(p.Allergies) > 0 {
		parts = append(parts, fmt.Sprintf("Allergies: %s.", strings.Join(p.Allergies, ", ")))
	}

	if len(parts) == 0 {
		return ""
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		// Don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func deepCopyProfile(p Profile) Profile {
	cp := p
	if p.Conditions != nil {
		cp.Conditions = slices.Clone(p.Conditions)
	}
	if p.Allergies != nil {
		cp.Allergies = slices.Clone(p.Allergies)
	}
	return cp
}

// buildProfile assembles a Profile from flat key-value pairs. List values
// are stored as JSON arrays.
func buildProfile(keys map[string]string) Profile {
	p := Profile{
		DisplayName: keys["displayName"],
		DOB:         keys["dob"],
		Sex:         keys["sex"],
		Contact:     keys["contact"],
		Locale:      keys["locale"],
		Role:        keys["role"],
	}
	unmarshalProfileKey(keys, "conditions", &p.Conditions)
	unmarshalProfileKey(keys, "allergies", &p.Allergies)
	return p
}

// unmarshalProfileKey unmarshals a JSON value from keys into target, logging
// a warning if the value is present but malformed.
func unmarshalProfileKey(keys map[string]string, key string, target any) {
	v, ok := keys[key]
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
	}
}
