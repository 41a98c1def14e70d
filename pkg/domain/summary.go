package domain

import "time"

// SampleSummary is the list projection of a sample sent to sample listings
// and realtime subscribers.
type SampleSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Isolate    string    `json:"isolate"`
	Group      string    `json:"group"`
	GroupRead  bool      `json:"group_read"`
	GroupWrite bool      `json:"group_write"`
	AllRead    bool      `json:"all_read"`
	AllWrite   bool      `json:"all_write"`
	User       Ref       `json:"user"`
	Imported   Progress  `json:"imported"`
	Analyzed   Progress  `json:"analyzed"`
	Archived   bool      `json:"archived"`
	NuVs       bool      `json:"nuvs"`
	Pathoscope bool      `json:"pathoscope"`
	CreatedAt  time.Time `json:"created_at"`
	Version    int       `json:"_version"`
}

// Summary projects the sample. Analyzed is InProgress while analyses exist
// but none has completed.
func (s Sample) Summary() SampleSummary {
	analyzed := NotStarted
	switch {
	case s.Analyzed:
		analyzed = Complete
	case len(s.Analyses) > 0:
		analyzed = InProgress
	}
	return SampleSummary{
		ID:         s.ID,
		Name:       s.Name,
		Host:       s.Host,
		Isolate:    s.Isolate,
		Group:      s.Group,
		GroupRead:  s.GroupRead,
		GroupWrite: s.GroupWrite,
		AllRead:    s.AllRead,
		AllWrite:   s.AllWrite,
		User:       s.User,
		Imported:   s.Imported,
		Analyzed:   analyzed,
		Archived:   s.Archived,
		NuVs:       s.NuVs,
		Pathoscope: s.Pathoscope,
		CreatedAt:  s.CreatedAt,
		Version:    s.Version,
	}
}
