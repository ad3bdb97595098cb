package approval

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"storybook/internal/adapters/storage/localfs"
	"storybook/internal/jobstore"
	"storybook/internal/models"
	"storybook/internal/notify"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
)

type recorder struct {
	approved atomic.Int32
	last     atomic.Value
}

func (r *recorder) NotifyPreviewReady(context.Context, notify.Event) error { return nil }

func (r *recorder) NotifyApproved(_ context.Context, ev notify.Event) error {
	r.approved.Add(1)
	r.last.Store(ev)
	return nil
}

type fixture struct {
	store   *jobstore.Memory
	storage *localfs.LocalFS
	notify  *recorder
	svc     *Service
}

func newFixture(t *testing.T, counts ...int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: jobstore.NewMemory(), storage: localfs.New(t.TempDir()), notify: &recorder{}}

	job := &models.Job{ID: "j1", Name: "Ada", BookID: "astro", Email: "ada@example.com", Workflows: map[string]*models.Workflow{}}
	for i, n := range counts {
		key := fmt.Sprintf("pg%d", i)
		job.ExpectedKeys = append(job.ExpectedKeys, key)
		w := &models.Workflow{Key: key, Status: models.StatusCompleted}
		for s := 0; s < n; s++ {
			ref := fmt.Sprintf("j1/pages/%s/j1_%s_%d_%03d.png", key, key, time.Now().UnixMilli(), s)
			if _, err := f.storage.PutObject(ctx, ports.PutObjectInput{
				ObjectKey: ref, Reader: strings.NewReader(key + ":" + fmt.Sprint(s)), ContentType: "image/png",
			}); err != nil {
				t.Fatal(err)
			}
			w.Variants = append(w.Variants, models.Variant{SequenceIndex: s, ArtifactRef: ref, ProducedAt: time.Now()})
		}
		job.Workflows[key] = w
	}
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	f.svc = NewService(Deps{
		Store:    f.store,
		Packager: NewStoragePackager(f.storage),
		Notifier: f.notify,
		Log:      logger.Discard(),
	})
	return f
}

func (f *fixture) read(t *testing.T, ref string) string {
	t.Helper()
	rc, _, _, err := f.storage.GetObject(context.Background(), ref)
	if err != nil {
		t.Fatalf("read %s: %v", ref, err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	return string(b)
}

func TestApprove(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()

	res, err := f.svc.Approve(ctx, "j1", models.Selection{2, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"j1/final/page00.png", "j1/final/page01.png"}
	if fmt.Sprint(res.Final) != fmt.Sprint(want) {
		t.Errorf("final refs %v, want %v", res.Final, want)
	}
	if got := f.read(t, res.Final[0]); got != "pg0:2" {
		t.Errorf("cover holds %q", got)
	}
	if got := f.read(t, res.Final[1]); got != "pg1:0" {
		t.Errorf("page 1 holds %q", got)
	}

	j, _ := f.store.Get(ctx, "j1")
	if !j.Approved {
		t.Error("approved flag not set")
	}
	if f.notify.approved.Load() != 1 {
		t.Errorf("expected one approval notification, got %d", f.notify.approved.Load())
	}
	if ev := f.notify.last.Load().(notify.Event); ev.Email != "ada@example.com" || len(ev.Artifacts) != 2 {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := f.svc.Approve(ctx, "j1", models.Selection{0, 0}); !errors.IsCode(err, errors.CodeConflict) {
		t.Errorf("second approval should conflict, got %v", err)
	}
	if f.notify.approved.Load() != 1 {
		t.Error("second approval must not notify")
	}
}

func TestApproveInvalidSelectionHasNoEffect(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, "j1", models.Selection{0, 5})
	page, index, available, ok := errors.SelectionDetails(err)
	if !ok || page != 1 || index != 5 || available != 2 {
		t.Fatalf("expected InvalidSelection(1,5,2), got %v", err)
	}
	j, _ := f.store.Get(ctx, "j1")
	if j.Approved {
		t.Error("invalid selection must not approve")
	}
	if _, _, _, err := f.storage.GetObject(ctx, "j1/final/page00.png"); err == nil {
		t.Error("invalid selection must not package anything")
	}
}

func TestApprovePackagingFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	j, _ := f.store.Get(ctx, "j1")
	if err := f.storage.DeleteObject(ctx, j.Workflow("pg1").Variants[0].ArtifactRef); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Approve(ctx, "j1", models.Selection{0, 0})
	if !errors.IsCode(err, errors.CodeArtifactCollection) {
		t.Fatalf("expected ARTIFACT_COLLECTION_ERROR, got %v", err)
	}
	j, _ = f.store.Get(ctx, "j1")
	if j.Approved {
		t.Error("claim must be released after a packaging failure")
	}
	if _, _, _, err := f.storage.GetObject(ctx, "j1/final/page00.png"); err == nil {
		t.Error("pages packaged before the failure must be removed")
	}
}
