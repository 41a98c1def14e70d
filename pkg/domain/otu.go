package domain

// Sequence is a single nucleotide record belonging to an isolate.
type Sequence struct {
	ID         string `json:"id"`
	Definition string `json:"definition"`
	Sequence   string `json:"sequence"`
}

// Isolate groups the sequences sampled from one source.
type Isolate struct {
	ID         string     `json:"id"`
	SourceType string     `json:"source_type"`
	SourceName string     `json:"source_name"`
	Default    bool       `json:"default"`
	Sequences  []Sequence `json:"sequences"`
}

// OTU is an operational taxonomic unit within a reference.
type OTU struct {
	Base
	Name         string    `json:"name"`
	Abbreviation string    `json:"abbreviation"`
	Reference    Ref       `json:"reference"`
	Isolates     []Isolate `json:"isolates"`
	Version      int       `json:"version"`
	Verified     bool      `json:"verified"`
}

// DefaultIsolate returns the isolate flagged as default, falling back to the first.
func (o OTU) DefaultIsolate() (Isolate, bool) {
	for _, iso := range o.Isolates {
		if iso.Default {
			return iso, true
		}
	}
	if len(o.Isolates) > 0 {
		return o.Isolates[0], true
	}
	return Isolate{}, false
}

// Clone returns a deep copy of the OTU.
func (o OTU) Clone() OTU {
	cp := o
	if o.Isolates != nil {
		cp.Isolates = make([]Isolate, len(o.Isolates))
		for i, iso := range o.Isolates {
			iso.Sequences = append([]Sequence(nil), iso.Sequences...)
			cp.Isolates[i] = iso
		}
	}
	return cp
}
