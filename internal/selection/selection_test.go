package selection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"storybook/internal/jobstore"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

func job(counts ...int) *models.Job {
	j := &models.Job{ID: "j1", Workflows: map[string]*models.Workflow{}}
	for i, n := range counts {
		key := fmt.Sprintf("pg%d", i)
		j.ExpectedKeys = append(j.ExpectedKeys, key)
		w := &models.Workflow{Key: key, Status: models.StatusCompleted}
		for s := 0; s < n; s++ {
			w.Variants = append(w.Variants, models.Variant{
				SequenceIndex: s,
				ArtifactRef:   fmt.Sprintf("j1/pages/%s/%d.png", key, s),
				ProducedAt:    time.Unix(int64(s), 0),
			})
		}
		j.Workflows[key] = w
	}
	return j
}

func TestResolve(t *testing.T) {
	arts, err := Resolve(job(3, 2), models.Selection{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"j1/pages/pg0/2.png", "j1/pages/pg1/1.png"}
	if got := Refs(arts); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if arts[0].Page != 0 || arts[0].PageKey != "pg0" {
		t.Errorf("cover must be page 0: %+v", arts[0])
	}
}

func TestResolveInvalid(t *testing.T) {
	tests := []struct {
		name                   string
		counts                 []int
		sel                    models.Selection
		page, index, available int
	}{
		{"index past variants", []int{3, 2}, models.Selection{0, 5}, 1, 5, 2},
		{"first bad page wins", []int{1, 1, 1}, models.Selection{0, 4, 9}, 1, 4, 1},
		{"negative index", []int{2}, models.Selection{-1}, 0, -1, 2},
		{"page never rendered", []int{2, 0}, models.Selection{0, 0}, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arts, err := Resolve(job(tt.counts...), tt.sel)
			if arts != nil {
				t.Errorf("expected no partial resolution, got %v", arts)
			}
			page, index, available, ok := errors.SelectionDetails(err)
			if !ok {
				t.Fatalf("expected INVALID_SELECTION, got %v", err)
			}
			if page != tt.page || index != tt.index || available != tt.available {
				t.Errorf("got (%d,%d,%d), want (%d,%d,%d)", page, index, available, tt.page, tt.index, tt.available)
			}
		})
	}
}

func TestResolveLengthMismatch(t *testing.T) {
	if _, err := Resolve(job(1, 1), models.Selection{0}); !errors.IsValidation(err) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := Resolve(job(), models.Selection{}); !errors.IsValidation(err) {
		t.Errorf("expected VALIDATION_ERROR for job without pages, got %v", err)
	}
}

func TestResolveOrdersBySequence(t *testing.T) {
	j := job(0)
	j.Workflows["pg0"].Variants = []models.Variant{
		{SequenceIndex: 1, ArtifactRef: "b"},
		{SequenceIndex: 0, ArtifactRef: "a"},
	}
	arts, err := Resolve(j, models.Selection{1})
	if err != nil || arts[0].Ref != "b" {
		t.Errorf("got %v %v", arts, err)
	}
}

func TestResolverReadsStore(t *testing.T) {
	store := jobstore.NewMemory()
	ctx := context.Background()
	if err := store.Create(ctx, job(1)); err != nil {
		t.Fatal(err)
	}
	arts, err := NewResolver(store).Resolve(ctx, "j1", models.Selection{0})
	if err != nil || len(arts) != 1 {
		t.Fatalf("got %v %v", arts, err)
	}
	if _, err := NewResolver(store).Resolve(ctx, "missing", models.Selection{0}); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
