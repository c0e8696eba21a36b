package main

import (
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// SettingsState is the settings view as seen by the frontend
type SettingsState struct {
	Settings    *protocol.Settings `json:"settings,omitempty"`
	IsLoading   bool               `json:"isLoading"`
	IsUpdating  bool               `json:"isUpdating"`
	IsSelecting bool               `json:"isSelecting"`
	Error       string             `json:"error,omitempty"`
}

// PathSelection is the result of a folder picker
type PathSelection struct {
	Path     string `json:"path"`
	Selected bool   `json:"selected"`
}

// settingsState builds the frontend view from r without scheduling a fetch.
func (a *App) settingsState(r query.Result[protocol.Settings]) SettingsState {
	s := a.session.Settings
	state := SettingsState{
		IsLoading:   r.IsLoading && !r.HasData,
		IsUpdating:  s.IsUpdating(),
		IsSelecting: s.IsSelecting(),
	}
	if r.HasData {
		settings := r.Data
		state.Settings = &settings
	}
	if r.Err != nil {
		state.Error = r.Err.Error()
	}
	return state
}

// GetSettings returns the host settings, loading them on first use. While
// disconnected the last known settings are returned.
func (a *App) GetSettings() (SettingsState, error) {
	s := a.session.Settings
	if err := a.connected(); err != nil {
		r := s.Query().Get()
		if !r.HasData {
			return a.settingsState(r), err
		}
		return a.settingsState(r), nil
	}
	if _, err := s.Load(a.ctx); err != nil {
		a.log.Warn("failed to load settings", "err", err)
	}
	return a.settingsState(s.Query().Get()), nil
}

// UpdateSetting changes a single settings key on the host
func (a *App) UpdateSetting(key string, value interface{}) error {
	if err := a.connected(); err != nil {
		return err
	}
	return a.session.Settings.Set(a.ctx, protocol.SettingsKey(key), value)
}

// SelectDirectory opens the host's folder picker
func (a *App) SelectDirectory() (PathSelection, error) {
	if err := a.connected(); err != nil {
		return PathSelection{}, err
	}
	path, ok, err := a.session.Settings.SelectDirectory(a.ctx)
	return PathSelection{Path: path, Selected: ok}, err
}

// PickLibraryPath picks and stores the library root for a storefront
func (a *App) PickLibraryPath(platform string) (PathSelection, error) {
	if err := a.connected(); err != nil {
		return PathSelection{}, err
	}
	path, ok, err := a.session.Settings.PickLibraryPath(a.ctx, protocol.Platform(platform))
	return PathSelection{Path: path, Selected: ok}, err
}
