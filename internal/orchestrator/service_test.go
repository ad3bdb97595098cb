package orchestrator

import (
	"context"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"storybook/internal/adapters/storage/localfs"
	"storybook/internal/approval"
	"storybook/internal/dispatch"
	"storybook/internal/jobstore"
	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/notify"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/render/rendertest"
	"storybook/internal/status"
	"storybook/internal/templates"
	"storybook/internal/workflow"
)

const book = `
pages: [pg0, pg1]
templates:
  girl:
    pg0: cover.json
    pg1: pg1.json
    collage: combined.json
`

const combined = `{
  "9":  {"class_type": "LoadImage", "inputs": {"image": ""}},
  "10": {"class_type": "LoadImage", "inputs": {"image": ""}},
  "41": {"class_type": "StringConcatenate", "inputs": {"strings": ""}}
}`

const graph = `{
  "1":  {"class_type": "KSampler", "inputs": {"seed": 0}},
  "12": {"class_type": "LoadImage", "inputs": {"image": ""}},
  "46": {"class_type": "PrimitiveString", "inputs": {"value": ""}}
}`

type counter struct{ preview, approved atomic.Int32 }

func (c *counter) NotifyPreviewReady(context.Context, notify.Event) error {
	c.preview.Add(1)
	return nil
}

func (c *counter) NotifyApproved(context.Context, notify.Event) error {
	c.approved.Add(1)
	return nil
}

type env struct {
	svc     *Service
	store   *jobstore.Memory
	storage ports.StorageProvider
	fake    *rendertest.Fake
	pool    *dispatch.Pool
	notify  *counter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Discard()
	e := &env{store: jobstore.NewMemory(), fake: rendertest.New(), notify: &counter{}}
	storage := localfs.New(t.TempDir())
	e.storage = storage
	src := templates.NewFileSource(fstest.MapFS{
		"astro/book.yaml":     {Data: []byte(book)},
		"astro/cover.json":    {Data: []byte(graph)},
		"astro/pg1.json":      {Data: []byte(graph)},
		"astro/combined.json": {Data: []byte(combined)},
	})
	runner := workflow.NewRunner(workflow.Deps{
		Store:         e.store,
		Templates:     src,
		Render:        e.fake,
		Storage:       storage,
		Log:           log,
		RenderTimeout: time.Second,
	})
	e.pool = dispatch.NewPool(runner.Run, 4, log)
	t.Cleanup(func() { _ = e.pool.Close(context.Background()) })

	e.svc = New(Deps{
		Store:      e.store,
		Templates:  src,
		Storage:    storage,
		Dispatcher: e.pool,
		Status:     status.NewAggregator(status.Deps{Store: e.store, Notifier: e.notify, Log: log}),
		Approval: approval.NewService(approval.Deps{
			Store: e.store, Packager: approval.NewStoragePackager(storage), Notifier: e.notify, Log: log,
		}),
		Log: log,
	})
	return e
}

func (e *env) createJob(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	job, err := e.svc.CreateJob(ctx, NewJob{Name: "Mia", Gender: "Girl", BookID: "astro", Email: "p@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.svc.AddSubjectImages(ctx, job.ID, []Upload{
		{Filename: "face.jpg", ContentType: "image/jpeg", Reader: strings.NewReader("jpeg")},
	})
	if err != nil {
		t.Fatal(err)
	}
	return job.ID
}

func (e *env) poll(t *testing.T, id string) status.Report {
	t.Helper()
	rep, err := e.svc.PollStatus(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

func TestDispatchJobToPreview(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t)
	e.fake.Set("pg0", rendertest.Behavior{Outputs: 3})
	e.fake.Set("pg1", rendertest.Behavior{Outputs: 2})

	if err := e.svc.DispatchJob(context.Background(), id, nil, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	for i := 0; i < 3; i++ {
		rep := e.poll(t, id)
		if !rep.Ready || rep.Pages[0].Variants != 3 || rep.Pages[1].Variants != 2 {
			t.Fatalf("unexpected report %+v", rep)
		}
	}
	if e.notify.preview.Load() != 1 {
		t.Errorf("expected one preview notification, got %d", e.notify.preview.Load())
	}
}

func TestRegenerateFailedPage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)
	e.fake.Set("pg1", rendertest.Behavior{Outputs: 3, FailFetch: 2})

	if err := e.svc.DispatchJob(ctx, id, []string{"pg0", "pg1"}, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	rep := e.poll(t, id)
	if rep.Ready || rep.Pages[1].Status != models.StatusFailed || rep.Pages[1].Variants != 1 {
		t.Fatalf("expected pg1 failed with its partial variant kept: %+v", rep)
	}
	before, _ := e.store.Get(ctx, id)
	kept := append([]models.Variant(nil), before.Workflow("pg1").Variants...)

	e.fake.Set("pg1", rendertest.Behavior{Outputs: 2})
	if err := e.svc.RegeneratePage(ctx, id, "pg1", nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	rep = e.poll(t, id)
	if !rep.Ready || rep.Pages[1].Variants != 3 {
		t.Fatalf("expected ready after regeneration: %+v", rep)
	}
	after, _ := e.store.Get(ctx, id)
	got := after.Workflow("pg1").Variants
	for i, v := range kept {
		if got[i].ArtifactRef != v.ArtifactRef || got[i].SequenceIndex != i {
			t.Errorf("variant %d changed across regeneration: %+v -> %+v", i, v, got[i])
		}
	}
	if e.notify.preview.Load() != 1 {
		t.Errorf("expected one preview notification, got %d", e.notify.preview.Load())
	}
}

func TestVariantCountsNeverDecrease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)
	if err := e.svc.DispatchJob(ctx, id, nil, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	last := map[string]int{}
	check := func() {
		for _, p := range e.poll(t, id).Pages {
			if p.Variants < last[p.Key] {
				t.Errorf("%s variants went from %d to %d", p.Key, last[p.Key], p.Variants)
			}
			last[p.Key] = p.Variants
		}
	}
	for round := 0; round < 4; round++ {
		if round%2 == 1 {
			e.fake.Set("pg0", rendertest.Behavior{SubmitErr: errors.RenderBackend("render.submit", "down", nil)})
		} else {
			e.fake.Set("pg0", rendertest.Behavior{Outputs: 2})
		}
		if err := e.svc.RegeneratePage(ctx, id, "pg0", nil); err != nil {
			t.Fatal(err)
		}
		check()
		e.pool.Wait()
		check()
	}
	if last["pg0"] != 5 {
		t.Errorf("expected pg0 to accumulate variants, got %d", last["pg0"])
	}
}

func TestSelectionAndApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)
	e.fake.Set("pg0", rendertest.Behavior{Outputs: 3})
	e.fake.Set("pg1", rendertest.Behavior{Outputs: 2})
	if err := e.svc.DispatchJob(ctx, id, nil, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	_, err := e.svc.ResolveSelection(ctx, id, models.Selection{0, 5})
	page, index, available, ok := errors.SelectionDetails(err)
	if !ok || page != 1 || index != 5 || available != 2 {
		t.Fatalf("expected InvalidSelection(1,5,2), got %v", err)
	}

	arts, err := e.svc.ResolveSelection(ctx, id, models.Selection{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := e.store.Get(ctx, id)
	if arts[0].Ref != job.Workflow("pg0").Variants[2].ArtifactRef || arts[1].Ref != job.Workflow("pg1").Variants[1].ArtifactRef {
		t.Errorf("resolved wrong artifacts: %+v", arts)
	}

	res, err := e.svc.Approve(ctx, id, models.Selection{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Final) != 2 || !strings.HasSuffix(res.Final[0], "/final/page00.png") {
		t.Errorf("unexpected final set %v", res.Final)
	}
	if e.notify.approved.Load() != 1 {
		t.Error("expected approval notification")
	}
}

func TestCreateJobValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		in   NewJob
	}{
		{"missing name", NewJob{Gender: "boy", BookID: "astro"}},
		{"bad gender", NewJob{Name: "Mia", Gender: "cat", BookID: "astro"}},
		{"missing book", NewJob{Name: "Mia", Gender: "boy"}},
		{"unknown book", NewJob{Name: "Mia", Gender: "boy", BookID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.svc.CreateJob(context.Background(), tt.in); !errors.IsValidation(err) {
				t.Errorf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestAddSubjectImages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job, err := e.svc.CreateJob(ctx, NewJob{Name: "Mia", Gender: "girl", BookID: "astro"})
	if err != nil {
		t.Fatal(err)
	}

	img := func(name string) Upload { return Upload{Filename: name, Reader: strings.NewReader(name)} }
	if _, err := e.svc.AddSubjectImages(ctx, job.ID, nil); !errors.IsValidation(err) {
		t.Errorf("zero images: %v", err)
	}
	four := []Upload{img("a.png"), img("b.png"), img("c.png"), img("d.png")}
	if _, err := e.svc.AddSubjectImages(ctx, job.ID, four); !errors.IsValidation(err) {
		t.Errorf("four images: %v", err)
	}

	refs, err := e.svc.AddSubjectImages(ctx, job.ID, []Upload{img("a.png"), img("b.webp")})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{job.ID + "/input/" + job.ID + "_01.png", job.ID + "/input/" + job.ID + "_02.webp"}
	if strings.Join(refs, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", refs, want)
	}
	stored, _ := e.svc.GetJob(ctx, job.ID)
	if len(stored.SubjectImages) != 2 {
		t.Errorf("subject images not recorded: %v", stored.SubjectImages)
	}
}

func TestRegenerateUnknownPage(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t)
	if err := e.svc.RegeneratePage(context.Background(), id, "pg7", nil); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestDispatchRejectsDuplicatePages(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t)
	if err := e.svc.DispatchJob(context.Background(), id, []string{"pg0", "pg0"}, nil); !errors.IsValidation(err) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestDispatchRejectsPagesOutsideTheBook(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t)
	for _, keys := range [][]string{{"pg0", "pg9"}, {templates.CollagePage}} {
		if err := e.svc.DispatchJob(context.Background(), id, keys, nil); !errors.IsValidation(err) {
			t.Errorf("%v: expected VALIDATION_ERROR, got %v", keys, err)
		}
	}
	if job, _ := e.store.Get(context.Background(), id); len(job.ExpectedKeys) != 0 {
		t.Errorf("rejected dispatch recorded pages %v", job.ExpectedKeys)
	}
}

func TestRegenerateOutrunsStoredRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)
	if err := e.svc.DispatchJob(ctx, id, nil, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	// A run issued by a replica whose clock is a day ahead.
	ahead := workflow.NextRun() + int64(24*time.Hour/time.Millisecond)
	if ok, err := e.store.BeginRun(ctx, id, "pg0", ahead); err != nil || !ok {
		t.Fatalf("begin: %v %v", ok, err)
	}
	if ok, err := e.store.FinishRun(ctx, id, "pg0", ahead, models.StatusCompleted, ""); err != nil || !ok {
		t.Fatalf("finish: %v %v", ok, err)
	}

	if err := e.svc.RegeneratePage(ctx, id, "pg0", nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	job, _ := e.store.Get(ctx, id)
	wf := job.Workflow("pg0")
	if wf.Run <= ahead || wf.Status != models.StatusCompleted || len(wf.Variants) != 2 {
		t.Errorf("regeneration was skipped: %+v", wf)
	}
}

func TestRenderCollage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)

	if err := e.svc.RenderCollage(ctx, id, nil); !errors.IsValidation(err) {
		t.Fatalf("collage without pages: expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := e.svc.GetCollage(ctx, id); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND before launch, got %v", err)
	}

	e.fake.Set("pg0", rendertest.Behavior{Outputs: 2})
	if err := e.svc.DispatchJob(ctx, id, nil, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	if err := e.svc.RenderCollage(ctx, id, nil); err != nil {
		t.Fatal(err)
	}
	e.pool.Wait()

	job, _ := e.store.Get(ctx, id)
	subs := e.fake.Submissions()
	last := subs[len(subs)-1]
	if last.PageKey != templates.CollagePage {
		t.Fatalf("expected a collage submission, got %q", last.PageKey)
	}
	pg0 := job.Workflow("pg0").Variants
	pg1 := job.Workflow("pg1").Variants
	if got := last.Graph["9"].Inputs["image"]; got != path.Base(pg0[len(pg0)-1].ArtifactRef) {
		t.Errorf("node 9 bound %v, want the newest pg0 variant", got)
	}
	if got := last.Graph["10"].Inputs["image"]; got != path.Base(pg1[0].ArtifactRef) {
		t.Errorf("node 10 bound %v", got)
	}
	if last.Graph["41"].Inputs["strings"] != id {
		t.Errorf("job id not bound: %v", last.Graph["41"].Inputs)
	}

	c, err := e.svc.GetCollage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusCompleted || c.Ref != keys.Collage(id, ".png") {
		t.Errorf("unexpected collage %+v", c)
	}
	rc, _, _, err := e.storage.GetObject(ctx, c.Ref)
	if err != nil {
		t.Fatalf("collage not published: %v", err)
	}
	rc.Close()

	if rep := e.poll(t, id); rep.Total != 2 || len(rep.Pages) != 2 {
		t.Errorf("collage must not count as a page: %+v", rep)
	}
}

func TestMarkPaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createJob(t)
	if err := e.svc.MarkPaid(ctx, id, "#1001"); err != nil {
		t.Fatal(err)
	}
	job, _ := e.svc.GetJob(ctx, id)
	if !job.Paid || job.OrderID != "#1001" {
		t.Errorf("payment not recorded: paid=%v order=%q", job.Paid, job.OrderID)
	}
	if err := e.svc.MarkPaid(ctx, "missing", ""); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
