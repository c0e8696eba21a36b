// Package protocol defines shared types and messages for Hub-Host communication.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Platform identifies the storefront a game was installed from.
type Platform string

const (
	PlatformSteam Platform = "steam"
	PlatformEpic  Platform = "epic"
)

// Valid reports whether p is a known storefront.
func (p Platform) Valid() bool {
	return p == PlatformSteam || p == PlatformEpic
}

// UpdateStatus is the per-game update state shown on a game card.
// Progress is only set while IsUpdating is true. Error may remain after a
// failed attempt with IsUpdating false.
type UpdateStatus struct {
	IsUpdating bool   `json:"isUpdating"`
	Progress   *int   `json:"progress,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Game is an installed game as reported by the host.
type Game struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Platform     Platform      `json:"platform"`
	InstallPath  string        `json:"installPath"`
	LastUpdate   string        `json:"lastUpdate,omitempty"` // RFC 3339
	UpdateStatus *UpdateStatus `json:"updateStatus,omitempty"`
}

// LastUpdateTime parses LastUpdate. It returns false when the field is
// empty or not a valid RFC 3339 timestamp.
func (g *Game) LastUpdateTime() (time.Time, bool) {
	if g.LastUpdate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, g.LastUpdate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsUpdating reports whether an update is in flight for the game.
func (g *Game) IsUpdating() bool {
	return g.UpdateStatus != nil && g.UpdateStatus.IsUpdating
}

// Clone returns a deep copy of g.
func (g Game) Clone() Game {
	if g.UpdateStatus != nil {
		st := *g.UpdateStatus
		if st.Progress != nil {
			p := *st.Progress
			st.Progress = &p
		}
		g.UpdateStatus = &st
	}
	return g
}

// GamePatch is a Game-shaped push payload. Only non-nil fields are applied
// when it is merged into a cached game. A JSON null counts as absent.
type GamePatch struct {
	ID           string        `json:"id"`
	Name         *string       `json:"name,omitempty"`
	Platform     *Platform     `json:"platform,omitempty"`
	InstallPath  *string       `json:"installPath,omitempty"`
	LastUpdate   *string       `json:"lastUpdate,omitempty"`
	UpdateStatus *UpdateStatus `json:"updateStatus,omitempty"`
}

// ApplyTo returns g with every field present in the patch overwritten.
// UpdateStatus is replaced as a whole, not merged field by field.
func (p *GamePatch) ApplyTo(g Game) Game {
	out := g.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Platform != nil {
		out.Platform = *p.Platform
	}
	if p.InstallPath != nil {
		out.InstallPath = *p.InstallPath
	}
	if p.LastUpdate != nil {
		out.LastUpdate = *p.LastUpdate
	}
	if p.UpdateStatus != nil {
		st := Game{UpdateStatus: p.UpdateStatus}.Clone().UpdateStatus
		if !st.IsUpdating {
			st.Progress = nil
		}
		out.UpdateStatus = st
	}
	return out
}

// ProgressStatus is the phase reported by an UpdateProgress event.
type ProgressStatus string

const (
	StatusDownloading ProgressStatus = "downloading"
	StatusInstalling  ProgressStatus = "installing"
	StatusComplete    ProgressStatus = "complete"
	StatusError       ProgressStatus = "error"
)

// UpdateProgress is the phase-based progress payload for a game update.
type UpdateProgress struct {
	GameID   string         `json:"gameId"`
	Progress int            `json:"progress"`
	Status   ProgressStatus `json:"status"`
	Message  string         `json:"message,omitempty"`
}

// Errors returned by payload validation.
var (
	ErrInvalidProgress       = errors.New("invalid update progress")
	ErrUnknownPayload        = errors.New("unrecognized progress payload")
	ErrInvalidSettingsUpdate = errors.New("invalid settings update")
)

// Validate checks the progress range and the complete-at-100 rule.
func (u *UpdateProgress) Validate() error {
	if u.GameID == "" {
		return fmt.Errorf("%w: missing gameId", ErrInvalidProgress)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidProgress, u.Progress)
	}
	switch u.Status {
	case StatusDownloading, StatusInstalling, StatusError:
	case StatusComplete:
		if u.Progress != 100 {
			return fmt.Errorf("%w: complete with progress %d", ErrInvalidProgress, u.Progress)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProgress, u.Status)
	}
	return nil
}

// ProgressEvent is one decoded update-progress payload. Exactly one of
// Patch and Progress is set.
type ProgressEvent struct {
	Patch    *GamePatch
	Progress *UpdateProgress
}

// GameID returns the id of the game the event refers to.
func (e ProgressEvent) GameID() string {
	switch {
	case e.Patch != nil:
		return e.Patch.ID
	case e.Progress != nil:
		return e.Progress.GameID
	}
	return ""
}

// ParseProgressEvent decodes an update-progress payload. The host may send
// a Game-shaped patch keyed by "id", or an UpdateProgress keyed by "gameId"
// whose "status" is either a phase name or an embedded UpdateStatus object.
// The embedded form is normalized to a phase.
func ParseProgressEvent(data []byte) (ProgressEvent, error) {
	var shape struct {
		ID     string          `json:"id"`
		GameID string          `json:"gameId"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return ProgressEvent{}, fmt.Errorf("%w: %v", ErrUnknownPayload, err)
	}

	status := bytes.TrimSpace(shape.Status)
	switch {
	case shape.GameID != "" && len(status) > 0 && status[0] == '{':
		// Progress values in this form may be fractional.
		var legacy struct {
			GameID   string  `json:"gameId"`
			Progress float64 `json:"progress"`
			Status   struct {
				IsUpdating bool     `json:"isUpdating"`
				Progress   *float64 `json:"progress"`
				Error      string   `json:"error"`
			} `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &legacy); err != nil {
			return ProgressEvent{}, fmt.Errorf("%w: %v", ErrInvalidProgress, err)
		}
		up := UpdateProgress{GameID: legacy.GameID, Message: legacy.Message}
		switch {
		case legacy.Status.IsUpdating:
			up.Status = StatusDownloading
			up.Progress = int(legacy.Progress)
			if legacy.Status.Progress != nil {
				up.Progress = int(*legacy.Status.Progress)
			}
		case legacy.Status.Error != "":
			up.Status = StatusError
			up.Message = legacy.Status.Error
		default:
			up.Status = StatusComplete
			up.Progress = 100
		}
		if err := up.Validate(); err != nil {
			return ProgressEvent{}, err
		}
		return ProgressEvent{Progress: &up}, nil
	case shape.GameID != "" && len(status) > 0:
		var up UpdateProgress
		if err := json.Unmarshal(data, &up); err != nil {
			return ProgressEvent{}, fmt.Errorf("%w: %v", ErrInvalidProgress, err)
		}
		if err := up.Validate(); err != nil {
			return ProgressEvent{}, err
		}
		return ProgressEvent{Progress: &up}, nil
	case shape.ID != "":
		var patch GamePatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return ProgressEvent{}, fmt.Errorf("%w: %v", ErrUnknownPayload, err)
		}
		return ProgressEvent{Patch: &patch}, nil
	default:
		return ProgressEvent{}, ErrUnknownPayload
	}
}

// GamePaths holds the library roots per storefront. Empty means unset.
type GamePaths struct {
	Steam string `json:"steam,omitempty"`
	Epic  string `json:"epic,omitempty"`
}

// For returns the path configured for a platform.
func (p GamePaths) For(platform Platform) string {
	switch platform {
	case PlatformSteam:
		return p.Steam
	case PlatformEpic:
		return p.Epic
	}
	return ""
}

// With returns a copy of p with the path for platform replaced.
func (p GamePaths) With(platform Platform, path string) GamePaths {
	switch platform {
	case PlatformSteam:
		p.Steam = path
	case PlatformEpic:
		p.Epic = path
	}
	return p
}

// Settings are the user preferences persisted by the host.
type Settings struct {
	AutoUpdate    bool      `json:"autoUpdate"`
	Notifications bool      `json:"notifications"`
	CheckInterval int       `json:"checkInterval"` // minutes
	Paths         GamePaths `json:"paths"`
}

// SettingsKey names a top-level Settings field.
type SettingsKey string

const (
	KeyAutoUpdate    SettingsKey = "autoUpdate"
	KeyNotifications SettingsKey = "notifications"
	KeyCheckInterval SettingsKey = "checkInterval"
	KeyPaths         SettingsKey = "paths"
)

// SettingsUpdate is a single-key patch the host applies atomically.
type SettingsUpdate struct {
	Key   SettingsKey     `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewSettingsUpdate encodes value and validates it against key.
func NewSettingsUpdate(key SettingsKey, value any) (SettingsUpdate, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return SettingsUpdate{}, fmt.Errorf("%w: %v", ErrInvalidSettingsUpdate, err)
	}
	u := SettingsUpdate{Key: key, Value: data}
	if err := u.Validate(); err != nil {
		return SettingsUpdate{}, err
	}
	return u, nil
}

// Validate checks that Key names a field and Value has that field's type.
func (u SettingsUpdate) Validate() error {
	_, err := u.Apply(Settings{})
	return err
}

// Apply returns s with the patch applied.
func (u SettingsUpdate) Apply(s Settings) (Settings, error) {
	raw := bytes.TrimSpace(u.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return s, fmt.Errorf("%w: %s has no value", ErrInvalidSettingsUpdate, u.Key)
	}

	switch u.Key {
	case KeyAutoUpdate:
		if err := json.Unmarshal(raw, &s.AutoUpdate); err != nil {
			return s, fmt.Errorf("%w: %s must be a boolean", ErrInvalidSettingsUpdate, u.Key)
		}
	case KeyNotifications:
		if err := json.Unmarshal(raw, &s.Notifications); err != nil {
			return s, fmt.Errorf("%w: %s must be a boolean", ErrInvalidSettingsUpdate, u.Key)
		}
	case KeyCheckInterval:
		var minutes int
		if err := json.Unmarshal(raw, &minutes); err != nil {
			return s, fmt.Errorf("%w: %s must be an integer", ErrInvalidSettingsUpdate, u.Key)
		}
		if minutes <= 0 {
			return s, fmt.Errorf("%w: %s must be positive", ErrInvalidSettingsUpdate, u.Key)
		}
		s.CheckInterval = minutes
	case KeyPaths:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var paths GamePaths
		if err := dec.Decode(&paths); err != nil {
			return s, fmt.Errorf("%w: %s must be an object of storefront paths", ErrInvalidSettingsUpdate, u.Key)
		}
		s.Paths = paths
	default:
		return s, fmt.Errorf("%w: unknown key %q", ErrInvalidSettingsUpdate, u.Key)
	}
	return s, nil
}
