package domain

import "context"

// TransactionView provides read-only access to snapshot data for rules and
// read paths.
type TransactionView interface {
	ListSamples() []Sample
	FindSample(id string) (Sample, bool)
	ListAnalyses() []Analysis
	FindAnalysis(id string) (Analysis, bool)
	ListIndexes() []Index
	FindIndex(id string) (Index, bool)
	ListHistory() []HistoryRecord
	FindHistory(id string) (HistoryRecord, bool)
	ListReferences() []Reference
	FindReference(id string) (Reference, bool)
	ListOTUs() []OTU
	FindOTU(id string) (OTU, bool)
	ListGroups() []Group
	FindGroup(id string) (Group, bool)
	ListUsers() []User
	FindUser(id string) (User, bool)
	ListFiles() []File
	FindFile(id string) (File, bool)
	ListSubtractions() []Subtraction
	FindSubtraction(id string) (Subtraction, bool)
	ListStatus() []Status
	FindStatus(id string) (Status, bool)
}

// Transaction exposes the document operations that a persistence
// implementation must support within an atomic scope. Update mutators run
// against a private copy; returning an error aborts the whole transaction.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView

	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	DeleteSample(id string) error

	CreateAnalysis(Analysis) (Analysis, error)
	UpdateAnalysis(id string, mutator func(*Analysis) error) (Analysis, error)
	DeleteAnalysis(id string) error

	CreateIndex(Index) (Index, error)
	UpdateIndex(id string, mutator func(*Index) error) (Index, error)
	DeleteIndex(id string) error

	CreateHistory(HistoryRecord) (HistoryRecord, error)
	UpdateHistory(id string, mutator func(*HistoryRecord) error) (HistoryRecord, error)
	DeleteHistory(id string) error

	CreateReference(Reference) (Reference, error)
	UpdateReference(id string, mutator func(*Reference) error) (Reference, error)
	DeleteReference(id string) error

	CreateOTU(OTU) (OTU, error)
	UpdateOTU(id string, mutator func(*OTU) error) (OTU, error)
	DeleteOTU(id string) error

	CreateGroup(Group) (Group, error)
	UpdateGroup(id string, mutator func(*Group) error) (Group, error)
	DeleteGroup(id string) error

	CreateUser(User) (User, error)
	UpdateUser(id string, mutator func(*User) error) (User, error)
	DeleteUser(id string) error

	CreateFile(File) (File, error)
	UpdateFile(id string, mutator func(*File) error) (File, error)
	DeleteFile(id string) error

	CreateSubtraction(Subtraction) (Subtraction, error)
	UpdateSubtraction(id string, mutator func(*Subtraction) error) (Subtraction, error)
	DeleteSubtraction(id string) error

	PutStatus(Status) (Status, error)
	DeleteStatus(id string) error
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetSample(id string) (Sample, bool)
	ListSamples() []Sample
	GetAnalysis(id string) (Analysis, bool)
	ListAnalyses() []Analysis
	GetIndex(id string) (Index, bool)
	ListIndexes() []Index
}
