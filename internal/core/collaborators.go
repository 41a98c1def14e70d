package core

import (
	"context"

	"github.com/google/uuid"
)

// Realtime interfaces and operations sent to connected clients.
const (
	InterfaceSamples  = "samples"
	InterfaceAnalyses = "analyses"
	InterfaceIndexes  = "indexes"
	InterfaceHistory  = "history"
	InterfaceFiles    = "files"
	InterfaceJobs     = "jobs"

	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationRemove = "remove"
)

// Dispatcher forwards document changes to connected clients. For remove
// operations data is the slice of removed ids.
type Dispatcher interface {
	Dispatch(iface, operation string, data any)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, string, any) {}

// Job types enqueued by the service.
const (
	JobImportReads = "import_reads"
	JobBuildIndex  = "build_index"
)

// JobScheduler queues background work. An empty id asks the scheduler to
// generate one; the id in use is returned.
type JobScheduler interface {
	Enqueue(ctx context.Context, id, jobType string, args map[string]any, userID string) (string, error)
}

type discardScheduler struct{}

func (discardScheduler) Enqueue(_ context.Context, id, _ string, _ map[string]any, _ string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return id, nil
}
