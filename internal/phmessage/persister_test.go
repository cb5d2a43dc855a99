package phmessage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/karflow/internal/lock"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestContext(t *testing.T, resourceType string) *processing.Context {
	t.Helper()
	kar := &schema.KnowledgeArtifact{
		ID:      "kar-ecr",
		Version: "1.0.0",
		Actions: []schema.Action{{ID: "match", Kind: schema.ActionCheckTriggerCodes}},
	}
	pc, err := processing.New(&schema.NotificationContext{
		ID:                       "notif-1",
		FHIRServerBaseURL:        "http://ehr.example/fhir",
		PatientID:                "pat-1",
		NotificationResourceID:   "res-1",
		NotificationResourceType: resourceType,
		CorrelationID:            "corr-1",
		RequestID:                "req-1",
	}, kar)
	require.NoError(t, err)
	pc.MarkTriggerMatched("match")
	return pc
}

func docRef(id, xml string) map[string]any {
	return map[string]any{
		"resourceType": "DocumentReference",
		"id":           id,
		"subject":      map[string]any{"reference": "Patient/pat-1"},
		"content": []any{map[string]any{"attachment": map[string]any{
			"contentType": "application/xml",
			"data":        base64.StdEncoding.EncodeToString([]byte(xml)),
		}}},
	}
}

func artifact(docs ...map[string]any) *reports.Artifact {
	entries := []any{map[string]any{"resource": map[string]any{
		"resourceType": "MessageHeader",
		"id":           "hdr-1",
		"eventCoding":  map[string]any{"code": reports.MessageTypeEICRCDA},
	}}}
	for _, d := range docs {
		entries = append(entries, map[string]any{"resource": d})
	}
	return &reports.Artifact{
		Bundle:  schema.Resource{"resourceType": "Bundle", "id": "b-1", "type": "message", "entry": entries},
		Profile: reports.ProfileEICRCDA,
	}
}

var createEICR = &schema.Action{ID: "create-eicr", Kind: schema.ActionCreateReport}

func sequentialIDs() Option {
	var mu sync.Mutex
	n := 0
	return WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("msg-%d", n)
	})
}

func TestPersist_BuildsMessageFromContext(t *testing.T) {
	st := newTestStore(t)
	p := NewPersister(st, nil, logging.NewNop(), sequentialIDs())
	pc := newTestContext(t, "Encounter")

	msgs, err := p.Persist(context.Background(), pc, createEICR, artifact(docRef("doc-1", "<ClinicalDocument/>")))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "msg-1", m.ID)
	assert.Equal(t, pc.RunID, m.RunID)
	assert.Equal(t, "http://ehr.example/fhir", m.FHIRServerBaseURL)
	assert.Equal(t, "pat-1", m.PatientID)
	assert.Equal(t, "res-1", m.EncounterID)
	assert.Equal(t, "res-1", m.NotifiedResourceID)
	assert.Equal(t, "Encounter", m.NotifiedResourceType)
	assert.Equal(t, "notif-1", m.NotificationID)
	assert.Equal(t, "corr-1", m.CorrelationID)
	assert.Equal(t, "req-1", m.RequestID)
	assert.Equal(t, "<ClinicalDocument/>", m.SubmittedCdaData)
	assert.Equal(t, reports.MessageTypeEICRCDA, m.SubmittedMessageType)
	assert.Equal(t, "doc-1", m.SubmittedDataID)
	assert.Equal(t, "hdr-1", m.SubmittedMessageID)
	assert.Equal(t, string(schema.ActionCreateReport), m.InitiatingAction)
	assert.Equal(t, "kar-ecr|1.0.0", m.KARUniqueID)
	assert.Equal(t, int64(1), m.TriggerMatchStatus)
	assert.Equal(t, 1, m.SubmittedVersion)
	assert.Contains(t, string(m.SubmittedFHIRData), `"MessageHeader"`)

	assert.Equal(t, "<ClinicalDocument/>", pc.SubmittedCdaData)
	assert.Equal(t, []string{"msg-1"}, pc.Messages())

	stored, err := st.GetPHMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, m.Key(), stored.Key())
}

func TestPersist_UnknownEncounterForOtherTriggers(t *testing.T) {
	p := NewPersister(newTestStore(t), nil, logging.NewNop())
	pc := newTestContext(t, "Condition")

	msgs, err := p.Persist(context.Background(), pc, createEICR, artifact(docRef("doc-1", "<x/>")))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, UnknownEncounter, msgs[0].EncounterID)
}

func TestPersist_VersionsIncreasePerKey(t *testing.T) {
	p := NewPersister(newTestStore(t), nil, logging.NewNop())
	pc := newTestContext(t, "Encounter")
	ctx := context.Background()

	first, err := p.Persist(ctx, pc, createEICR, artifact(docRef("doc-1", "<a/>"), docRef("doc-2", "<b/>")))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].SubmittedVersion)
	assert.Equal(t, 2, first[1].SubmittedVersion)

	again, err := p.Persist(ctx, pc, createEICR, artifact(docRef("doc-3", "<c/>")))
	require.NoError(t, err)
	assert.Equal(t, 3, again[0].SubmittedVersion)
	assert.Equal(t, "<c/>", pc.SubmittedCdaData)
	assert.Len(t, pc.Messages(), 3)
}

func TestPersist_ConcurrentRunsGetDistinctVersions(t *testing.T) {
	st := newTestStore(t)
	p := NewPersister(st, nil, logging.NewNop())
	const runs = 10

	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pc := newTestContext(t, "Encounter")
			_, err := p.Persist(context.Background(), pc, createEICR, artifact(docRef(fmt.Sprintf("doc-%d", i), "<x/>")))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := st.ListPHMessages(context.Background(), store.MessageFilter{PatientID: "pat-1"})
	require.NoError(t, err)
	require.Len(t, msgs, runs)
	seen := make(map[int]bool)
	for _, m := range msgs {
		assert.False(t, seen[m.SubmittedVersion], "duplicate version %d", m.SubmittedVersion)
		seen[m.SubmittedVersion] = true
	}
	for v := 1; v <= runs; v++ {
		assert.True(t, seen[v])
	}
}

// versionRecorder captures the version handed to the store.
type versionRecorder struct {
	store.Store
	versions []int
}

func (v *versionRecorder) SavePHMessage(ctx context.Context, msg *store.PHMessage) error {
	v.versions = append(v.versions, msg.SubmittedVersion)
	return v.Store.SavePHMessage(ctx, msg)
}

func TestPersist_StoreAssignsVersion(t *testing.T) {
	rec := &versionRecorder{Store: newTestStore(t)}
	p := NewPersister(rec, nil, logging.NewNop())
	pc := newTestContext(t, "Encounter")

	msgs, err := p.Persist(context.Background(), pc, createEICR, artifact(docRef("doc-1", "<a/>"), docRef("doc-2", "<b/>")))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, rec.versions)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].SubmittedVersion)
	assert.Equal(t, 2, msgs[1].SubmittedVersion)
}

func TestPersist_WritersWithSeparateLocksGetDenseVersions(t *testing.T) {
	st := newTestStore(t)
	// Each persister has its own in-process lock, as two processes would.
	persisters := []*Persister{
		NewPersister(st, lock.NewKeyedMutex(), logging.NewNop()),
		NewPersister(st, lock.NewKeyedMutex(), logging.NewNop()),
	}
	const perWriter = 8

	var wg sync.WaitGroup
	errs := make(chan error, len(persisters)*perWriter)
	for w, p := range persisters {
		for i := 0; i < perWriter; i++ {
			wg.Add(1)
			go func(p *Persister, doc string) {
				defer wg.Done()
				_, err := p.Persist(context.Background(), newTestContext(t, "Encounter"), createEICR, artifact(docRef(doc, "<x/>")))
				errs <- err
			}(p, fmt.Sprintf("doc-%d-%d", w, i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := st.ListPHMessages(context.Background(), store.MessageFilter{PatientID: "pat-1"})
	require.NoError(t, err)
	require.Len(t, msgs, len(persisters)*perWriter)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SubmittedVersion)
	}
}

func TestPersist_SkipsArtifactsWithoutDocuments(t *testing.T) {
	p := NewPersister(newTestStore(t), nil, logging.NewNop())
	pc := newTestContext(t, "Encounter")

	msgs, err := p.Persist(context.Background(), pc, createEICR, artifact())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = p.Persist(context.Background(), pc, createEICR, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	noData := docRef("doc-1", "")
	msgs, err = p.Persist(context.Background(), pc, createEICR, artifact(noData))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, pc.Messages())
}

// conflictStore fails every insert with a version collision.
type conflictStore struct {
	store.Store
}

func (conflictStore) SavePHMessage(context.Context, *store.PHMessage) error {
	return schema.NewError(schema.ErrCodeIntegrity, "version 1 already stored")
}

func TestPersist_IntegrityViolationIsFatal(t *testing.T) {
	p := NewPersister(conflictStore{}, nil, logging.NewNop())
	pc := newTestContext(t, "Encounter")

	_, err := p.Persist(context.Background(), pc, createEICR, artifact(docRef("doc-1", "<x/>")))
	require.Error(t, err)
	assert.True(t, schema.IsFatal(err))
	assert.Empty(t, pc.Messages())
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string, time.Duration) (lock.UnlockFunc, error) {
	return nil, errors.New("redis down")
}

func TestPersist_LockFailureIsRetryable(t *testing.T) {
	p := NewPersister(newTestStore(t), failingLocker{}, logging.NewNop())
	_, err := p.Persist(context.Background(), newTestContext(t, "Encounter"), createEICR, artifact(docRef("doc-1", "<x/>")))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	assert.False(t, schema.IsFatal(err))
}

func TestPersist_WritesFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	p := NewPersister(newTestStore(t), nil, logging.NewNop(), WithSink(sink), sequentialIDs())

	_, err = p.Persist(context.Background(), newTestContext(t, "Encounter"), createEICR, artifact(docRef("doc-1", "<ClinicalDocument/>")))
	require.NoError(t, err)

	name := filepath.Join(dir, "create-report_pat-1_doc-1.xml")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "<ClinicalDocument/>", string(data))

	meta, err := os.ReadFile(name + ".meta.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_id":"msg-1","submitted_version_number":1,
		"logical_key":"http://ehr.example/fhir|pat-1|res-1|kar-ecr|1.0.0",
		"x_correlation_id":"corr-1","x_request_id":"req-1"}`, string(meta))
}

type brokenSink struct{ calls int }

func (b *brokenSink) Name() string { return "broken" }

func (b *brokenSink) Write(context.Context, string, []byte, Meta) error {
	b.calls++
	return errors.New("disk full")
}

func TestPersist_SinkFailureIsNotFatal(t *testing.T) {
	sink := &brokenSink{}
	p := NewPersister(newTestStore(t), nil, logging.NewNop(), WithSink(sink))

	msgs, err := p.Persist(context.Background(), newTestContext(t, "Encounter"), createEICR, artifact(docRef("doc-1", "<x/>")))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 1, sink.calls)
}

func TestFileSink_RejectsPathNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, sink.Write(context.Background(), "../escape.xml", nil, Meta{}))
	_, err = NewFileSink("")
	assert.Error(t, err)
}

type fakeS3 struct {
	in *s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Write(t *testing.T) {
	client := &fakeS3{}
	sink := newS3Sink(client, "ph-bucket", "eicr/")

	err := sink.Write(context.Background(), "create-report_pat-1_doc-1.xml", []byte("<x/>"), Meta{
		MessageID: "msg-1", Version: 4, LogicalKey: "k", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.NotNil(t, client.in)
	assert.Equal(t, "ph-bucket", *client.in.Bucket)
	assert.Equal(t, "eicr/create-report_pat-1_doc-1.xml", *client.in.Key)
	assert.Equal(t, "application/xml", *client.in.ContentType)
	assert.Equal(t, "4", client.in.Metadata["version"])
	assert.Equal(t, "corr-1", client.in.Metadata["x-correlation-id"])
	_, hasReq := client.in.Metadata["x-request-id"]
	assert.False(t, hasReq)
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
