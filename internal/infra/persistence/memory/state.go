package memory

import (
	"encoding/json"

	"virtool/pkg/domain"
)

type memoryState struct {
	samples      map[string]Sample
	analyses     map[string]Analysis
	indexes      map[string]Index
	history      map[string]HistoryRecord
	references   map[string]Reference
	otus         map[string]OTU
	groups       map[string]Group
	users        map[string]User
	files        map[string]File
	subtractions map[string]Subtraction
	status       map[string]Status
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// one persistence bucket.
type Snapshot struct {
	Samples      map[string]Sample        `json:"samples"`
	Analyses     map[string]Analysis      `json:"analyses"`
	Indexes      map[string]Index         `json:"indexes"`
	History      map[string]HistoryRecord `json:"history"`
	References   map[string]Reference     `json:"references"`
	OTUs         map[string]OTU           `json:"otus"`
	Groups       map[string]Group         `json:"groups"`
	Users        map[string]User          `json:"users"`
	Files        map[string]File          `json:"files"`
	Subtractions map[string]Subtraction   `json:"subtraction"`
	Status       map[string]Status        `json:"status"`
}

// BucketNames lists the persistence buckets in a stable order.
var BucketNames = []string{
	"samples",
	"analyses",
	"indexes",
	"history",
	"references",
	"otus",
	"groups",
	"users",
	"files",
	"subtraction",
	"status",
}

// Buckets maps each bucket name to a pointer at the matching snapshot field so
// backends can encode and decode buckets without per-collection switches.
func (s *Snapshot) Buckets() map[string]any {
	return map[string]any{
		"samples":     &s.Samples,
		"analyses":    &s.Analyses,
		"indexes":     &s.Indexes,
		"history":     &s.History,
		"references":  &s.References,
		"otus":        &s.OTUs,
		"groups":      &s.Groups,
		"users":       &s.Users,
		"files":       &s.Files,
		"subtraction": &s.Subtractions,
		"status":      &s.Status,
	}
}

func newMemoryState() memoryState {
	return memoryState{
		samples:      make(map[string]Sample),
		analyses:     make(map[string]Analysis),
		indexes:      make(map[string]Index),
		history:      make(map[string]HistoryRecord),
		references:   make(map[string]Reference),
		otus:         make(map[string]OTU),
		groups:       make(map[string]Group),
		users:        make(map[string]User),
		files:        make(map[string]File),
		subtractions: make(map[string]Subtraction),
		status:       make(map[string]Status),
	}
}

func cloneMap[T any](in map[string]T, clone func(T) T) map[string]T {
	out := make(map[string]T, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func (s memoryState) clone() memoryState {
	return memoryState{
		samples:      cloneMap(s.samples, cloneSample),
		analyses:     cloneMap(s.analyses, cloneAnalysis),
		indexes:      cloneMap(s.indexes, cloneIndex),
		history:      cloneMap(s.history, cloneHistory),
		references:   cloneMap(s.references, cloneReference),
		otus:         cloneMap(s.otus, cloneOTU),
		groups:       cloneMap(s.groups, cloneGroup),
		users:        cloneMap(s.users, cloneUser),
		files:        cloneMap(s.files, cloneFile),
		subtractions: cloneMap(s.subtractions, cloneSubtraction),
		status:       cloneMap(s.status, cloneStatus),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Samples:      c.samples,
		Analyses:     c.analyses,
		Indexes:      c.indexes,
		History:      c.history,
		References:   c.references,
		OTUs:         c.otus,
		Groups:       c.groups,
		Users:        c.users,
		Files:        c.files,
		Subtractions: c.subtractions,
		Status:       c.status,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	return memoryState{
		samples:      s.Samples,
		analyses:     s.Analyses,
		indexes:      s.Indexes,
		history:      s.History,
		references:   s.References,
		otus:         s.OTUs,
		groups:       s.Groups,
		users:        s.Users,
		files:        s.Files,
		subtractions: s.Subtractions,
		status:       s.Status,
	}.clone()
}

func orEmpty[T any](m map[string]T) map[string]T {
	if m == nil {
		return map[string]T{}
	}
	return m
}

// migrateSnapshot fills missing buckets and normalises documents written by
// older versions.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	snapshot.Samples = orEmpty(snapshot.Samples)
	snapshot.Analyses = orEmpty(snapshot.Analyses)
	snapshot.Indexes = orEmpty(snapshot.Indexes)
	snapshot.History = orEmpty(snapshot.History)
	snapshot.References = orEmpty(snapshot.References)
	snapshot.OTUs = orEmpty(snapshot.OTUs)
	snapshot.Groups = orEmpty(snapshot.Groups)
	snapshot.Users = orEmpty(snapshot.Users)
	snapshot.Files = orEmpty(snapshot.Files)
	snapshot.Subtractions = orEmpty(snapshot.Subtractions)
	snapshot.Status = orEmpty(snapshot.Status)

	for id, sample := range snapshot.Samples {
		sample.ID = id
		if sample.Files == nil {
			sample.Files = []string{}
		}
		if sample.Analyses == nil {
			sample.Analyses = []string{}
		}
		snapshot.Samples[id] = sample
	}
	for id, record := range snapshot.History {
		if record.Index.ID == "" {
			record.Index = domain.HistoryIndex{ID: domain.Unbuilt, Version: domain.Unbuilt}
			snapshot.History[id] = record
		}
	}
	return snapshot
}

func cloneSample(s Sample) Sample {
	cp := s
	cp.Files = append([]string(nil), s.Files...)
	cp.Analyses = append([]string(nil), s.Analyses...)
	if s.Files != nil && cp.Files == nil {
		cp.Files = []string{}
	}
	if s.Analyses != nil && cp.Analyses == nil {
		cp.Analyses = []string{}
	}
	if s.Quality != nil {
		q := cloneQuality(*s.Quality)
		cp.Quality = &q
	}
	return cp
}

func cloneQuality(q domain.Quality) domain.Quality {
	cp := q
	cp.Bases = cloneRows(q.Bases)
	cp.Composition = cloneRows(q.Composition)
	cp.Sequences = append([]int(nil), q.Sequences...)
	return cp
}

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func cloneAnalysis(a Analysis) Analysis {
	cp := a
	if a.Results != nil {
		cp.Results = append(json.RawMessage(nil), a.Results...)
	}
	return cp
}

func cloneIndex(i Index) Index {
	cp := i
	if i.Manifest != nil {
		cp.Manifest = make(map[string]int, len(i.Manifest))
		for k, v := range i.Manifest {
			cp.Manifest[k] = v
		}
	}
	return cp
}

func cloneHistory(h HistoryRecord) HistoryRecord {
	cp := h
	if h.Snapshot != nil {
		otu := h.Snapshot.Clone()
		cp.Snapshot = &otu
	}
	return cp
}

func cloneOTU(o OTU) OTU                         { return o.Clone() }
func cloneFile(f File) File                      { return f }
func cloneSubtraction(s Subtraction) Subtraction { return s }

func cloneReference(r Reference) Reference {
	cp := r
	cp.SourceTypes = append([]string(nil), r.SourceTypes...)
	if r.SourceTypes != nil && cp.SourceTypes == nil {
		cp.SourceTypes = []string{}
	}
	return cp
}

func clonePermissions(p domain.Permissions) domain.Permissions {
	if p == nil {
		return nil
	}
	out := make(domain.Permissions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cloneGroup(g Group) Group {
	cp := g
	cp.Permissions = clonePermissions(g.Permissions)
	return cp
}

func cloneUser(u User) User {
	cp := u
	cp.Groups = append([]string(nil), u.Groups...)
	if u.Groups != nil && cp.Groups == nil {
		cp.Groups = []string{}
	}
	cp.Permissions = clonePermissions(u.Permissions)
	return cp
}

func cloneStatus(s Status) Status {
	cp := s
	if s.Fields != nil {
		cp.Fields = make(map[string]any, len(s.Fields))
		for k, v := range s.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func (v transactionView) ListSamples() []Sample {
	return list(v.state.samples, cloneSample)
}

func (v transactionView) FindSample(id string) (Sample, bool) {
	return find(v.state.samples, id, cloneSample)
}

func (v transactionView) ListAnalyses() []Analysis {
	return list(v.state.analyses, cloneAnalysis)
}

func (v transactionView) FindAnalysis(id string) (Analysis, bool) {
	return find(v.state.analyses, id, cloneAnalysis)
}

func (v transactionView) ListIndexes() []Index {
	return list(v.state.indexes, cloneIndex)
}

func (v transactionView) FindIndex(id string) (Index, bool) {
	return find(v.state.indexes, id, cloneIndex)
}

func (v transactionView) ListHistory() []HistoryRecord {
	return list(v.state.history, cloneHistory)
}

func (v transactionView) FindHistory(id string) (HistoryRecord, bool) {
	return find(v.state.history, id, cloneHistory)
}

func (v transactionView) ListReferences() []Reference {
	return list(v.state.references, cloneReference)
}

func (v transactionView) FindReference(id string) (Reference, bool) {
	return find(v.state.references, id, cloneReference)
}

func (v transactionView) ListOTUs() []OTU {
	return list(v.state.otus, cloneOTU)
}

func (v transactionView) FindOTU(id string) (OTU, bool) {
	return find(v.state.otus, id, cloneOTU)
}

func (v transactionView) ListGroups() []Group {
	return list(v.state.groups, cloneGroup)
}

func (v transactionView) FindGroup(id string) (Group, bool) {
	return find(v.state.groups, id, cloneGroup)
}

func (v transactionView) ListUsers() []User {
	return list(v.state.users, cloneUser)
}

func (v transactionView) FindUser(id string) (User, bool) {
	return find(v.state.users, id, cloneUser)
}

func (v transactionView) ListFiles() []File {
	return list(v.state.files, cloneFile)
}

func (v transactionView) FindFile(id string) (File, bool) {
	return find(v.state.files, id, cloneFile)
}

func (v transactionView) ListSubtractions() []Subtraction {
	return list(v.state.subtractions, cloneSubtraction)
}

func (v transactionView) FindSubtraction(id string) (Subtraction, bool) {
	return find(v.state.subtractions, id, cloneSubtraction)
}

func (v transactionView) ListStatus() []Status {
	return list(v.state.status, cloneStatus)
}

func (v transactionView) FindStatus(id string) (Status, bool) {
	return find(v.state.status, id, cloneStatus)
}
