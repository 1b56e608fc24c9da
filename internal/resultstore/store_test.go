package resultstore

import (
	"context"
	"testing"
	"time"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	score := 0.8
	finished := time.Now().Truncate(time.Second)
	rec := &Record{
		CUTID:          "textutil::slugify",
		Module:         "textutil",
		Status:         domain.RunCompleted,
		ElapsedSeconds: 12.5,
		MutationScore:  &score,
		Tests:          2,
		Skipped:        1,
		FinishedAt:     &finished,
	}
	if err := store.UpsertResult(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetResult(ctx, "textutil::slugify")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %q, want %q", got.Status, domain.RunCompleted)
	}
	if got.MutationScore == nil || *got.MutationScore != 0.8 {
		t.Errorf("MutationScore = %v, want 0.8", got.MutationScore)
	}
	if got.CoveragePercent != nil {
		t.Errorf("CoveragePercent = %v, want nil", *got.CoveragePercent)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
	if got.Tests != 2 || got.Skipped != 1 {
		t.Errorf("Tests/Skipped = %d/%d, want 2/1", got.Tests, got.Skipped)
	}

	rec.Status = domain.RunFailed
	rec.Error = "panic: boom"
	rec.MutationScore = nil
	if err := store.UpsertResult(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetResult(ctx, "textutil::slugify")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed || got.Error != "panic: boom" {
		t.Errorf("upsert did not update: %+v", got)
	}
	if got.MutationScore != nil {
		t.Error("MutationScore should be cleared")
	}
}

func TestStore_GetMissing(t *testing.T) {
	_, err := newStore(t).GetResult(context.Background(), "nope::x")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListResults(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	records := []*Record{
		{CUTID: "a::f", Module: "a", Status: domain.RunCompleted},
		{CUTID: "a::g", Module: "a", Status: domain.RunStrategyFailed},
		{CUTID: "b::h", Module: "b", Status: domain.RunCompleted},
	}
	for _, r := range records {
		if err := store.UpsertResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts ListOptions
		want int
	}{
		{"all", ListOptions{}, 3},
		{"by module", ListOptions{Module: "a"}, 2},
		{"by status", ListOptions{Status: domain.RunCompleted}, 2},
		{"both", ListOptions{Module: "a", Status: domain.RunCompleted}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListResults(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d results, want %d", len(got), tt.want)
			}
		})
	}

	all, _ := store.ListResults(ctx, ListOptions{})
	if all[0].CUTID != "a::f" || all[2].CUTID != "b::h" {
		t.Error("results should be ordered by cut id")
	}
}

func TestStore_FinishedIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	store.UpsertResult(ctx, &Record{CUTID: "a::f", Module: "a", Status: domain.RunCompleted, FinishedAt: &now})
	store.UpsertResult(ctx, &Record{CUTID: "a::g", Module: "a", Status: domain.RunFailed})

	finished, err := store.FinishedIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !finished["a::f"] || finished["a::g"] {
		t.Errorf("finished = %v", finished)
	}
}

func TestStore_Batches(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	id, err := store.StartBatch(ctx, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FinishBatch(ctx, id, 4, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartBatch(ctx, "adhoc"); err != nil {
		t.Fatal(err)
	}

	batches, err := store.ListBatches(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if batches[0].Name != "adhoc" || batches[0].FinishedAt != nil {
		t.Errorf("latest batch = %+v", batches[0])
	}
	if batches[1].CutsCompleted != 4 || batches[1].CutsFailed != 1 || batches[1].FinishedAt == nil {
		t.Errorf("finished batch = %+v", batches[1])
	}
}
