package model

import "time"

// Presence is an agent's live status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
)

// Agent is a human attendant that owns conversations within a sector.
type Agent struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"faculdade_id"`
	Name            string    `json:"nome"`
	Sector          string    `json:"setor"`
	Active          bool      `json:"ativo"`
	Presence        Presence  `json:"status"`
	CurrentWorkload int       `json:"current_workload"`
	MaxWorkload     int       `json:"max_workload"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Available reports whether the agent may receive conversations right now.
func (a *Agent) Available() bool {
	return a.Active && a.Presence == PresenceOnline
}

// HasCapacity reports whether one more conversation fits.
func (a *Agent) HasCapacity() bool {
	return a.CurrentWorkload < a.MaxWorkload
}
