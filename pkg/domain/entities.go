// Package domain defines the documents, value types, and rule evaluation
// primitives shared by every virtool persistence backend.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the collection a document belongs to.
type EntityType string

// Supported collections used in Change records and persistence buckets.
const (
	EntitySample      EntityType = "sample"
	EntityAnalysis    EntityType = "analysis"
	EntityIndex       EntityType = "index"
	EntityHistory     EntityType = "history"
	EntityReference   EntityType = "reference"
	EntityOTU         EntityType = "otu"
	EntityGroup       EntityType = "group"
	EntityUser        EntityType = "user"
	EntityFile        EntityType = "file"
	EntitySubtraction EntityType = "subtraction"
	EntityStatus      EntityType = "status"
)

// Unbuilt marks history records whose changes are not yet part of a built index.
const Unbuilt = "unbuilt"

// Base contains the identity fields shared by all documents.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentID returns the document identifier.
func (b Base) DocumentID() string { return b.ID }

// SetDocumentID assigns the identifier of a document that has none yet.
func (b *Base) SetDocumentID(id string) { b.ID = id }

// Stamp sets the creation time when it is unset.
func (b *Base) Stamp(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
}

// Ref is an embedded pointer to another document.
type Ref struct {
	ID string `json:"id"`
}

// IndexRef pins an analysis to the index version it was started against.
type IndexRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Sample is a user-submitted sequencing library.
type Sample struct {
	Base
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Isolate     string   `json:"isolate"`
	Locale      string   `json:"locale"`
	Group       string   `json:"group"`
	GroupRead   bool     `json:"group_read"`
	GroupWrite  bool     `json:"group_write"`
	AllRead     bool     `json:"all_read"`
	AllWrite    bool     `json:"all_write"`
	User        Ref      `json:"user"`
	Subtraction Ref      `json:"subtraction"`
	Files       []string `json:"files"`
	Paired      bool     `json:"paired"`
	Format      string   `json:"format"`
	Imported    Progress `json:"imported"`
	Analyzed    bool     `json:"analyzed"`
	Hold        bool     `json:"hold"`
	Archived    bool     `json:"archived"`
	NuVs        bool     `json:"nuvs"`
	Pathoscope  bool     `json:"pathoscope"`
	Quality     *Quality `json:"quality"`
	Analyses    []string `json:"analyses"`
	Version     int      `json:"_version"`
}

// Quality holds aggregate read statistics parsed from FastQC output.
type Quality struct {
	Count       int         `json:"count"`
	Encoding    string      `json:"encoding"`
	Length      [2]int      `json:"length"`
	GC          float64     `json:"gc"`
	Bases       [][]float64 `json:"bases"`
	Composition [][]float64 `json:"composition"`
	Sequences   []int       `json:"sequences"`
}

// Analysis is one algorithm run against a sample.
type Analysis struct {
	Base
	Sample    Ref             `json:"sample"`
	Algorithm string          `json:"algorithm"`
	Ready     bool            `json:"ready"`
	Job       Ref             `json:"job"`
	Index     IndexRef        `json:"index"`
	Reference Ref             `json:"reference"`
	User      Ref             `json:"user"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// Index is a built version of a reference.
type Index struct {
	Base
	Version   int            `json:"version"`
	Reference Ref            `json:"reference"`
	Ready     bool           `json:"ready"`
	HasFiles  bool           `json:"has_files"`
	Manifest  map[string]int `json:"manifest"`
	Job       Ref            `json:"job"`
	User      Ref            `json:"user"`
}

// HistoryIndex points a history record at the index that first included it.
// Both fields hold Unbuilt until an index build claims the change.
type HistoryIndex struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// HistoryOTU identifies the OTU version a history record produced.
type HistoryOTU struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// HistoryRecord is a change-log entry for an OTU.
type HistoryRecord struct {
	Base
	OTU         HistoryOTU   `json:"otu"`
	Reference   Ref          `json:"reference"`
	Index       HistoryIndex `json:"index"`
	Method      string       `json:"method_name"`
	Description string       `json:"description"`
	Snapshot    *OTU         `json:"snapshot,omitempty"`
	User        Ref          `json:"user"`
}

// Reference is a named set of OTUs indexes are built from.
type Reference struct {
	Base
	Name        string   `json:"name"`
	DataType    string   `json:"data_type"`
	Organism    string   `json:"organism"`
	Description string   `json:"description"`
	SourceTypes []string `json:"source_types"`
	User        Ref      `json:"user"`
}

// Permissions enumerates the capability flags carried by groups and users.
type Permissions map[string]bool

// Group is a named set of permissions users inherit.
type Group struct {
	Base
	Permissions Permissions `json:"permissions"`
}

// User is an account able to own samples.
type User struct {
	Base
	Groups        []string    `json:"groups"`
	PrimaryGroup  string      `json:"primary_group"`
	Administrator bool        `json:"administrator"`
	Permissions   Permissions `json:"permissions"`
}

// File is an uploaded read file awaiting import.
type File struct {
	Base
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Key      string `json:"key"`
	Reserved bool   `json:"reserved"`
	Ready    bool   `json:"ready"`
	User     Ref    `json:"user"`
}

// Subtraction is a host genome reads are subtracted against.
type Subtraction struct {
	Base
	IsHost bool `json:"is_host"`
	Ready  bool `json:"ready"`
}

// Status is a free-form bookkeeping document keyed by name.
type Status struct {
	Base
	Fields map[string]any `json:"fields"`
}

// Field reads a bookkeeping field.
func (s Status) Field(key string) (any, bool) {
	v, ok := s.Fields[key]
	return v, ok
}
