// Package memory provides an in-memory implementation of the document store
// used for tests, ephemeral environments, and as the transactional core of the
// snapshotting SQL backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtool/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

// Aliases keep the store code close to the domain vocabulary.
type (
	Sample          = domain.Sample
	Analysis        = domain.Analysis
	Index           = domain.Index
	HistoryRecord   = domain.HistoryRecord
	Reference       = domain.Reference
	OTU             = domain.OTU
	Group           = domain.Group
	User            = domain.User
	File            = domain.File
	Subtraction     = domain.Subtraction
	Status          = domain.Status
	Change          = domain.Change
	Result          = domain.Result
	RulesEngine     = domain.RulesEngine
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
)

// document is satisfied by pointers to every domain document type.
type document[T any] interface {
	*T
	DocumentID() string
	SetDocumentID(string)
	Stamp(time.Time)
}

// Store provides an in-memory transactional store for virtool documents.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used to stamp new documents.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

type transaction struct {
	transactionView
	store   *Store
	changes []Change
	now     time.Time
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Blocking rule violations discard the copy.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	tx := &transaction{
		transactionView: transactionView{state: &working},
		store:           s,
		now:             s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.transactionView, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = working
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return tx.transactionView
}

func insert[T any, P document[T]](tx *transaction, bucket map[string]T, entity domain.EntityType, doc T, clone func(T) T) (T, error) {
	p := P(&doc)
	if p.DocumentID() == "" {
		p.SetDocumentID(tx.store.newID())
	}
	id := p.DocumentID()
	if _, exists := bucket[id]; exists {
		var zero T
		return zero, fmt.Errorf("%s %q already exists", entity, id)
	}
	p.Stamp(tx.now)
	bucket[id] = clone(doc)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionCreate, After: clone(doc)})
	return clone(doc), nil
}

func update[T any, P document[T]](tx *transaction, bucket map[string]T, entity domain.EntityType, id string, mutator func(*T) error, clone func(T) T) (T, error) {
	var zero T
	current, ok := bucket[id]
	if !ok {
		return zero, fmt.Errorf("%s %q not found", entity, id)
	}
	working := clone(current)
	if err := mutator(&working); err != nil {
		return zero, err
	}
	P(&working).SetDocumentID(id)
	bucket[id] = clone(working)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionUpdate, Before: clone(current), After: clone(working)})
	return clone(working), nil
}

func remove[T any](tx *transaction, bucket map[string]T, entity domain.EntityType, id string, clone func(T) T) error {
	current, ok := bucket[id]
	if !ok {
		return fmt.Errorf("%s %q not found", entity, id)
	}
	delete(bucket, id)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionDelete, Before: clone(current)})
	return nil
}

func find[T any](bucket map[string]T, id string, clone func(T) T) (T, bool) {
	v, ok := bucket[id]
	if !ok {
		var zero T
		return zero, false
	}
	return clone(v), true
}

// list returns documents ordered by id so callers see a stable order.
func list[T any](bucket map[string]T, clone func(T) T) []T {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(bucket[id]))
	}
	return out
}

// Samples ---------------------------------------------------------------------

func (tx *transaction) CreateSample(s Sample) (Sample, error) {
	if s.Files == nil {
		s.Files = []string{}
	}
	if s.Analyses == nil {
		s.Analyses = []string{}
	}
	return insert(tx, tx.state.samples, domain.EntitySample, s, cloneSample)
}

// UpdateSample applies mutator and increments the document version.
func (tx *transaction) UpdateSample(id string, mutator func(*Sample) error) (Sample, error) {
	return update(tx, tx.state.samples, domain.EntitySample, id, func(s *Sample) error {
		if err := mutator(s); err != nil {
			return err
		}
		s.Version++
		return nil
	}, cloneSample)
}

func (tx *transaction) DeleteSample(id string) error {
	return remove(tx, tx.state.samples, domain.EntitySample, id, cloneSample)
}

// Analyses --------------------------------------------------------------------

func (tx *transaction) CreateAnalysis(a Analysis) (Analysis, error) {
	return insert(tx, tx.state.analyses, domain.EntityAnalysis, a, cloneAnalysis)
}

func (tx *transaction) UpdateAnalysis(id string, mutator func(*Analysis) error) (Analysis, error) {
	return update(tx, tx.state.analyses, domain.EntityAnalysis, id, mutator, cloneAnalysis)
}

func (tx *transaction) DeleteAnalysis(id string) error {
	return remove(tx, tx.state.analyses, domain.EntityAnalysis, id, cloneAnalysis)
}

// Indexes ---------------------------------------------------------------------

func (tx *transaction) CreateIndex(i Index) (Index, error) {
	if i.Reference.ID == "" {
		return Index{}, fmt.Errorf("index requires reference id")
	}
	return insert(tx, tx.state.indexes, domain.EntityIndex, i, cloneIndex)
}

func (tx *transaction) UpdateIndex(id string, mutator func(*Index) error) (Index, error) {
	return update(tx, tx.state.indexes, domain.EntityIndex, id, mutator, cloneIndex)
}

func (tx *transaction) DeleteIndex(id string) error {
	return remove(tx, tx.state.indexes, domain.EntityIndex, id, cloneIndex)
}

// History ---------------------------------------------------------------------

func (tx *transaction) CreateHistory(h HistoryRecord) (HistoryRecord, error) {
	if h.Index.ID == "" {
		h.Index = domain.HistoryIndex{ID: domain.Unbuilt, Version: domain.Unbuilt}
	}
	return insert(tx, tx.state.history, domain.EntityHistory, h, cloneHistory)
}

func (tx *transaction) UpdateHistory(id string, mutator func(*HistoryRecord) error) (HistoryRecord, error) {
	return update(tx, tx.state.history, domain.EntityHistory, id, mutator, cloneHistory)
}

func (tx *transaction) DeleteHistory(id string) error {
	return remove(tx, tx.state.history, domain.EntityHistory, id, cloneHistory)
}

// References and OTUs ---------------------------------------------------------

func (tx *transaction) CreateReference(r Reference) (Reference, error) {
	return insert(tx, tx.state.references, domain.EntityReference, r, cloneReference)
}

func (tx *transaction) UpdateReference(id string, mutator func(*Reference) error) (Reference, error) {
	return update(tx, tx.state.references, domain.EntityReference, id, mutator, cloneReference)
}

func (tx *transaction) DeleteReference(id string) error {
	return remove(tx, tx.state.references, domain.EntityReference, id, cloneReference)
}

func (tx *transaction) CreateOTU(o OTU) (OTU, error) {
	return insert(tx, tx.state.otus, domain.EntityOTU, o, cloneOTU)
}

func (tx *transaction) UpdateOTU(id string, mutator func(*OTU) error) (OTU, error) {
	return update(tx, tx.state.otus, domain.EntityOTU, id, mutator, cloneOTU)
}

func (tx *transaction) DeleteOTU(id string) error {
	return remove(tx, tx.state.otus, domain.EntityOTU, id, cloneOTU)
}

// Accounts --------------------------------------------------------------------

func (tx *transaction) CreateGroup(g Group) (Group, error) {
	if g.ID == "" {
		return Group{}, fmt.Errorf("group requires id")
	}
	return insert(tx, tx.state.groups, domain.EntityGroup, g, cloneGroup)
}

func (tx *transaction) UpdateGroup(id string, mutator func(*Group) error) (Group, error) {
	return update(tx, tx.state.groups, domain.EntityGroup, id, mutator, cloneGroup)
}

func (tx *transaction) DeleteGroup(id string) error {
	return remove(tx, tx.state.groups, domain.EntityGroup, id, cloneGroup)
}

func (tx *transaction) CreateUser(u User) (User, error) {
	if u.ID == "" {
		return User{}, fmt.Errorf("user requires id")
	}
	if u.Groups == nil {
		u.Groups = []string{}
	}
	return insert(tx, tx.state.users, domain.EntityUser, u, cloneUser)
}

func (tx *transaction) UpdateUser(id string, mutator func(*User) error) (User, error) {
	return update(tx, tx.state.users, domain.EntityUser, id, mutator, cloneUser)
}

func (tx *transaction) DeleteUser(id string) error {
	return remove(tx, tx.state.users, domain.EntityUser, id, cloneUser)
}

// Files and subtractions ------------------------------------------------------

func (tx *transaction) CreateFile(f File) (File, error) {
	return insert(tx, tx.state.files, domain.EntityFile, f, cloneFile)
}

func (tx *transaction) UpdateFile(id string, mutator func(*File) error) (File, error) {
	return update(tx, tx.state.files, domain.EntityFile, id, mutator, cloneFile)
}

func (tx *transaction) DeleteFile(id string) error {
	return remove(tx, tx.state.files, domain.EntityFile, id, cloneFile)
}

func (tx *transaction) CreateSubtraction(s Subtraction) (Subtraction, error) {
	return insert(tx, tx.state.subtractions, domain.EntitySubtraction, s, cloneSubtraction)
}

func (tx *transaction) UpdateSubtraction(id string, mutator func(*Subtraction) error) (Subtraction, error) {
	return update(tx, tx.state.subtractions, domain.EntitySubtraction, id, mutator, cloneSubtraction)
}

func (tx *transaction) DeleteSubtraction(id string) error {
	return remove(tx, tx.state.subtractions, domain.EntitySubtraction, id, cloneSubtraction)
}

// Status ----------------------------------------------------------------------

// PutStatus inserts or replaces a status document.
func (tx *transaction) PutStatus(st Status) (Status, error) {
	if st.ID == "" {
		return Status{}, fmt.Errorf("status requires id")
	}
	if st.Fields == nil {
		st.Fields = map[string]any{}
	}
	if _, ok := tx.state.status[st.ID]; !ok {
		return insert(tx, tx.state.status, domain.EntityStatus, st, cloneStatus)
	}
	return update(tx, tx.state.status, domain.EntityStatus, st.ID, func(current *Status) error {
		current.Fields = st.Fields
		return nil
	}, cloneStatus)
}

func (tx *transaction) DeleteStatus(id string) error {
	return remove(tx, tx.state.status, domain.EntityStatus, id, cloneStatus)
}

// Read helpers ---------------------------------------------------------------

// GetSample retrieves a sample by ID from committed state.
func (s *Store) GetSample(id string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.state.samples, id, cloneSample)
}

// ListSamples returns all samples from committed state.
func (s *Store) ListSamples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.state.samples, cloneSample)
}

// GetAnalysis retrieves an analysis by ID from committed state.
func (s *Store) GetAnalysis(id string) (Analysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.state.analyses, id, cloneAnalysis)
}

// ListAnalyses returns all analyses from committed state.
func (s *Store) ListAnalyses() []Analysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.state.analyses, cloneAnalysis)
}

// GetIndex retrieves an index by ID from committed state.
func (s *Store) GetIndex(id string) (Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.state.indexes, id, cloneIndex)
}

// ListIndexes returns all indexes from committed state.
func (s *Store) ListIndexes() []Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.state.indexes, cloneIndex)
}
