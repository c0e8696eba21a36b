package views

import (
	"time"

	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// ActiveUpdate is a game with an update in flight.
type ActiveUpdate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Progress int    `json:"progress"`
}

// FailedUpdate is a game whose last update failed.
type FailedUpdate struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Summary is the dashboard state.
type Summary struct {
	TotalGames    int            `json:"totalGames"`
	UpdatedToday  int            `json:"updatedToday"`
	ActiveUpdates []ActiveUpdate `json:"activeUpdates"`
	Failed        []FailedUpdate `json:"failed"`
	IsLoading     bool           `json:"isLoading"`
	Error         string         `json:"error,omitempty"`
}

// Dashboard summarizes the shared games entry. It makes no host calls of
// its own beyond loading that entry.
type Dashboard struct {
	games *query.Query[[]protocol.Game]
	now   func() time.Time
}

// NewDashboard creates the dashboard binding over the games binding's
// entry.
func NewDashboard(games *Games, opts ...Option) *Dashboard {
	o := buildOptions(opts)
	return &Dashboard{games: games.Query(), now: o.now}
}

// Summary computes the dashboard from the cached games list, scheduling a
// fetch when the list is missing or stale.
func (d *Dashboard) Summary() Summary {
	return d.summary(d.games.Read())
}

// Cached computes the dashboard from the cached games list without
// scheduling anything.
func (d *Dashboard) Cached() Summary {
	return d.summary(d.games.Get())
}

func (d *Dashboard) summary(r query.Result[[]protocol.Game]) Summary {
	s := Summarize(r.Data, d.now())
	s.IsLoading = r.IsLoading && !r.HasData
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Summarize computes the dashboard for games at now. "Today" is the local
// calendar day of now.
func Summarize(games []protocol.Game, now time.Time) Summary {
	s := Summary{
		TotalGames:    len(games),
		ActiveUpdates: []ActiveUpdate{},
		Failed:        []FailedUpdate{},
	}

	y, m, day := now.Date()
	for i := range games {
		g := &games[i]
		if st := g.UpdateStatus; st != nil {
			if st.IsUpdating {
				a := ActiveUpdate{ID: g.ID, Name: g.Name}
				if st.Progress != nil {
					a.Progress = *st.Progress
				}
				s.ActiveUpdates = append(s.ActiveUpdates, a)
			} else if st.Error != "" {
				s.Failed = append(s.Failed, FailedUpdate{ID: g.ID, Name: g.Name, Error: st.Error})
			}
		}
		if t, ok := g.LastUpdateTime(); ok {
			ty, tm, td := t.In(now.Location()).Date()
			if ty == y && tm == m && td == day {
				s.UpdatedToday++
			}
		}
	}
	return s
}
