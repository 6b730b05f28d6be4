// Package room holds the shared race document and the pure state
// transitions applied to it. Everything here is plain data; persistence,
// broadcast, and timing live elsewhere.
package room

import (
	"sort"
	"time"
)

// Status drives client navigation. It only ever moves forward within a
// single race, except for the explicit racing→waiting reset.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusRacing   Status = "racing"
	StatusFinished Status = "finished"
	StatusClosed   Status = "closed"
)

// Signal is the shared traffic light. Only meaningful while racing, and
// only ever written by the current host's signal loop.
type Signal string

const (
	SignalGreen Signal = "green"
	SignalRed   Signal = "red"
)

const (
	// DefaultTargetScore matches the original game's finish line.
	DefaultTargetScore = 30

	// Penalty is subtracted from a player's score on a red-light tap,
	// floored at zero.
	Penalty = 3

	// MaxNameLength bounds display names, in runes.
	MaxNameLength = 18
)

type Player struct {
	Name    string `json:"name"`
	Score   int    `json:"score"`
	Stunned bool   `json:"stunned"`
	Avatar  string `json:"avatar"`
	Color   string `json:"color"`
	IsHost  bool   `json:"isHost"`
}

// Room is the single authoritative document for one game instance,
// keyed by Code in the store.
type Room struct {
	Code        string             `json:"code"`
	HostID      string             `json:"hostId"`
	Status      Status             `json:"status"`
	Signal      Signal             `json:"trafficLight"`
	TargetScore int                `json:"targetScore"`
	WinnerName  string             `json:"winnerName,omitempty"`
	Players     map[string]*Player `json:"players"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// New builds the initial document for a freshly created room, with the
// creator as sole player and host.
func New(code, hostID, hostName string, avatarIndex, targetScore int) *Room {
	if targetScore <= 0 {
		targetScore = DefaultTargetScore
	}

	avatar, color := Cosmetics(avatarIndex)

	return &Room{
		Code:        code,
		HostID:      hostID,
		Status:      StatusWaiting,
		Signal:      SignalGreen,
		TargetScore: targetScore,
		Players: map[string]*Player{
			hostID: {
				Name:   hostName,
				Avatar: avatar,
				Color:  color,
				IsHost: true,
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy, safe to hand to transaction functions and
// subscribers without aliasing the stored document.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}

	out := *r
	out.Players = make(map[string]*Player, len(r.Players))
	for id, p := range r.Players {
		cp := *p
		out.Players[id] = &cp
	}

	return &out
}

// ElectHost returns the new host identity after the given player leaves:
// the lexicographically smallest remaining id, so every concurrent
// observer agrees on the outcome. Empty string if nobody remains.
func (r *Room) ElectHost(leaving string) string {
	next := ""
	for id := range r.Players {
		if id == leaving {
			continue
		}
		if next == "" || id < next {
			next = id
		}
	}

	return next
}

// SetHost points HostID at id and keeps every player's IsHost mirror
// consistent with it.
func (r *Room) SetHost(id string) {
	r.HostID = id
	for pid, p := range r.Players {
		p.IsHost = (pid == id)
	}
}

// Standing is one row of the score table, highest score first.
type Standing struct {
	ID     string  `json:"id"`
	Player *Player `json:"player"`
}

// Standings returns players ordered by descending score, ties broken by
// id so the order is stable across snapshots.
func (r *Room) Standings() []Standing {
	out := make([]Standing, 0, len(r.Players))
	for id, p := range r.Players {
		out = append(out, Standing{ID: id, Player: p})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Player.Score != out[j].Player.Score {
			return out[i].Player.Score > out[j].Player.Score
		}
		return out[i].ID < out[j].ID
	})

	return out
}
