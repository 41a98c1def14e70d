package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"virtool/internal/config"
	"virtool/internal/core"
	"virtool/internal/dispatch"
	"virtool/internal/jobs"
	"virtool/pkg/domain"
)

type fakeQueue struct {
	records map[string]jobs.Record
}

func (q *fakeQueue) Get(id string) (jobs.Record, bool) {
	r, ok := q.records[id]
	return r, ok
}

func (q *fakeQueue) List() []jobs.Record {
	out := make([]jobs.Record, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, r)
	}
	return out
}

func (q *fakeQueue) Cancel(id string) (jobs.Record, error) {
	r, ok := q.records[id]
	switch {
	case !ok:
		return jobs.Record{}, jobs.ErrJobNotFound
	case r.State.Terminal():
		return r, jobs.ErrJobFinished
	}
	r.State = jobs.StateCancelled
	q.records[id] = r
	return r, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeQueue) {
	t.Helper()
	settings := config.Settings{DataPath: t.TempDir(), SampleUniqueNames: true}
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), settings)
	if _, err := svc.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		users := []domain.User{
			{Base: domain.Base{ID: "bob"}, Permissions: domain.Permissions{core.PermissionCreateSample: true, core.PermissionUploadFile: true}},
			{Base: domain.Base{ID: "eve"}},
			{Base: domain.Base{ID: "root"}, Administrator: true},
		}
		for _, u := range users {
			if _, err := tx.CreateUser(u); err != nil {
				return err
			}
		}
		if _, err := tx.CreateReference(domain.Reference{Base: domain.Base{ID: "species"}}); err != nil {
			return err
		}
		_, err := tx.CreateSubtraction(domain.Subtraction{Base: domain.Base{ID: "host"}, IsHost: true, Ready: true})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	queue := &fakeQueue{records: map[string]jobs.Record{
		"running": {ID: "running", Type: core.JobImportReads, State: jobs.StateRunning},
		"done":    {ID: "done", Type: core.JobBuildIndex, State: jobs.StateComplete},
	}}
	return NewHandler(svc, queue, dispatch.New()), queue
}

func do(t *testing.T, h http.Handler, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func upload(t *testing.T, h http.Handler, user string) domain.File {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/files?name=reads.fq", user, "@r\nACGT\n+\nIIII\n")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var file domain.File
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	return file
}

func TestAuthentication(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, user := range []string{"", "nobody"} {
		rec := do(t, h, http.MethodGet, "/api/samples", user, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("user %q: expected 401, got %d", user, rec.Code)
		}
		if body := errorBody(t, rec); body["id"] != "requires_authorization" {
			t.Fatalf("unexpected error body %v", body)
		}
	}
}

func TestSampleLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	file := upload(t, h, "bob")

	rec := do(t, h, http.MethodPost, "/api/samples", "bob", core.SampleInput{Name: "S1", Subtraction: "host", Files: []string{file.ID}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var sample domain.Sample
	if err := json.Unmarshal(rec.Body.Bytes(), &sample); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/samples/"+sample.ID {
		t.Fatalf("unexpected location %q", loc)
	}

	if rec := do(t, h, http.MethodGet, "/api/samples/"+sample.ID, "bob", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/samples/"+sample.ID, "eve", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger get: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/samples/missing", "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing get: expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/samples?find=s1&per_page=5", "bob", nil)
	var page core.SamplePage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("list: %d %v", rec.Code, err)
	}
	if page.FoundCount != 1 || page.PerPage != 5 || page.Documents[0].ID != sample.ID {
		t.Fatalf("unexpected page %+v", page)
	}
	if rec := do(t, h, http.MethodGet, "/api/samples", "eve", nil); !strings.Contains(rec.Body.String(), `"found_count":0`) {
		t.Fatalf("stranger must not see the sample: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPatch, "/api/samples/"+sample.ID+"/rights", "bob", map[string]any{"all_read": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("rights: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/samples/"+sample.ID, "eve", nil); rec.Code != http.StatusOK {
		t.Fatalf("stranger get after all_read: %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/samples/"+sample.ID+"/analyses", "bob", core.AnalyzeInput{Algorithm: core.AlgorithmNuVs}); rec.Code != http.StatusConflict {
		t.Fatalf("analyze without index: expected 409, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodDelete, "/api/samples/"+sample.ID, "bob", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSampleErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	file := upload(t, h, "bob")
	valid := core.SampleInput{Name: "dup", Subtraction: "host", Files: []string{file.ID}}
	if rec := do(t, h, http.MethodPost, "/api/samples", "bob", valid); rec.Code != http.StatusCreated {
		t.Fatalf("seed sample: %d %s", rec.Code, rec.Body.String())
	}
	second := upload(t, h, "bob")

	cases := []struct {
		name string
		user string
		body any
		code int
	}{
		{"malformed", "bob", "{", http.StatusBadRequest},
		{"unknown field", "bob", map[string]any{"nope": 1}, http.StatusBadRequest},
		{"missing name", "bob", core.SampleInput{Subtraction: "host", Files: []string{second.ID}}, http.StatusBadRequest},
		{"duplicate name", "bob", core.SampleInput{Name: "dup", Subtraction: "host", Files: []string{second.ID}}, http.StatusConflict},
		{"no permission", "eve", core.SampleInput{Name: "x", Subtraction: "host", Files: []string{second.ID}}, http.StatusForbidden},
		{"unknown file", "bob", core.SampleInput{Name: "x", Subtraction: "host", Files: []string{"ghost"}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/samples", tc.user, tc.body)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d %s", tc.code, rec.Code, rec.Body.String())
			}
			if body := errorBody(t, rec); body["message"] == "" || body["id"] == "" {
				t.Fatalf("expected id and message, got %v", body)
			}
		})
	}
	if rec := do(t, h, http.MethodGet, "/api/samples?page=x", "bob", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad page: expected 400, got %d", rec.Code)
	}
}

func TestMultipartUpload(t *testing.T) {
	h, _ := newTestHandler(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "reads_1.fastq")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("@r\nACGT\n+\nIIII\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, "bob")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var file domain.File
	_ = json.Unmarshal(rec.Body.Bytes(), &file)
	if file.Name != "reads_1.fastq" || file.Size != 15 {
		t.Fatalf("unexpected file %+v", file)
	}
	if rec := do(t, h, http.MethodGet, "/api/files", "eve", nil); !strings.Contains(rec.Body.String(), file.ID) {
		t.Fatalf("expected file listed: %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/files?name=x.fq", "eve", "data"); rec.Code != http.StatusForbidden {
		t.Fatalf("upload without permission: expected 403, got %d", rec.Code)
	}
}

func TestIndexRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	if rec := do(t, h, http.MethodGet, "/api/refs/species/indexes/current", "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("current without index: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/refs/species/indexes", "bob", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"documents":[]`) {
		t.Fatalf("list indexes: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/refs/species/indexes", "bob", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("rebuild without permission: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/refs/species/indexes", "root", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("rebuild without changes: expected 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestJobRoutes(t *testing.T) {
	h, queue := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/api/jobs", "eve", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running"`) {
		t.Fatalf("list jobs: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/jobs/done", "eve", nil); rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/jobs/nope", "eve", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/running/cancel", "eve", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("cancel without permission: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/done/cancel", "root", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel finished: expected 409, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/running/cancel", "root", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel running: %d", rec.Code)
	}
	if queue.records["running"].State != jobs.StateCancelled {
		t.Fatalf("expected job cancelled")
	}
}

func TestEventsStream(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	req.Header.Set(UserHeader, "eve")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d", resp.StatusCode)
	}
	for len(h.Events.Connections()) == 0 {
		if ctx.Err() != nil {
			t.Fatalf("connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Events.Dispatch(core.InterfaceSamples, core.OperationUpdate, domain.SampleSummary{ID: "hidden", User: domain.Ref{ID: "bob"}})
	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line := string(buf[:n])
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"operation":"remove"`) || !strings.Contains(line, `"hidden"`) {
		t.Fatalf("unexpected event %q", line)
	}
}

func TestEventsStreamEndsWhenConnectionDropped(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	req.Header.Set(UserHeader, "eve")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	for len(h.Events.Connections()) == 0 {
		if ctx.Err() != nil {
			t.Fatalf("connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Events.Remove(h.Events.Connections()[0])
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("expected stream to end cleanly, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("stream outlived the dropped connection")
	}
}
