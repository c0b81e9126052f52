package coordinator

import (
	"context"
	"testing"

	"discosat/pkg/model"
)

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	job := mustCreateJob(t, e, "Example-1.3.2022", 60)
	if job.ID == "" {
		t.Fatal("expected store-assigned id")
	}
	if job.Status != model.JobPending || len(job.Sensors) != 0 || len(job.States) != 0 {
		t.Fatalf("unexpected new job %+v", job)
	}
	if job.Arguments["center_frequency_mhz"] != "1621.25" {
		t.Fatalf("arguments not stored: %v", job.Arguments)
	}

	got, err := e.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Name != job.Name {
		t.Fatalf("expected %s, got %s", job.Name, got.Name)
	}
	_, err = e.Jobs.GetByID(ctx, "missing")
	expectKind(t, err, ErrNotFound)
}

func TestCreateDuplicateJobLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	orig := mustCreateJob(t, e, "J1", 60)

	_, err := e.Jobs.Create(ctx, model.JobSpec{
		Name:      "J1",
		StartTime: testNow.Unix() + 999,
		EndTime:   testNow.Unix() + 1999,
		Command:   "other",
	})
	expectKind(t, err, ErrConflict)

	got := mustJob(t, e, "J1")
	if got.ID != orig.ID || got.Command != orig.Command || got.StartTime != orig.StartTime {
		t.Fatalf("original job changed: %+v", got)
	}
	list, _ := e.Jobs.List(ctx)
	if len(list) != 1 {
		t.Fatalf("expected one job, got %d", len(list))
	}
}

func TestCreateJobValidation(t *testing.T) {
	ctx := context.Background()
	now := testNow.Unix()
	tests := []struct {
		name string
		spec model.JobSpec
	}{
		{"bad name", model.JobSpec{Name: "no spaces", StartTime: now + 10, EndTime: now + 20}},
		{"end before start", model.JobSpec{Name: "J", StartTime: now + 20, EndTime: now + 10}},
		{"start in the past", model.JobSpec{Name: "J", StartTime: now - 10, EndTime: now + 10}},
	}
	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Jobs.Create(ctx, tt.spec)
			expectKind(t, err, ErrValidation)
		})
	}

	lenient := newTestEngine(t, WithPastJobs(true))
	if _, err := lenient.Jobs.Create(ctx, model.JobSpec{Name: "J", StartTime: now - 10, EndTime: now}); err != nil {
		t.Fatalf("past jobs should be allowed: %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	mustCreateJob(t, e, "mid", 200)
	mustCreateJob(t, e, "late", 300)
	mustCreateJob(t, e, "early", 100)
	mustCreateJob(t, e, "other", 50)
	if err := e.AssignJobs(ctx, "A", []string{"mid", "late", "early"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	all, err := e.Jobs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, j := range all {
		names = append(names, j.Name)
	}
	if want := []string{"late", "mid", "early", "other"}; !equalStrings(names, want) {
		t.Fatalf("list should be start_time descending: want %v, got %v", want, names)
	}

	mustReport(t, e, "mid", "A", "running")
	pending, err := e.Jobs.ListPendingForDevice(ctx, "A")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	names = names[:0]
	for _, j := range pending {
		names = append(names, j.Name)
	}
	if want := []string{"early", "late"}; !equalStrings(names, want) {
		t.Fatalf("pending should be start_time ascending without running jobs: want %v, got %v", want, names)
	}

	_, err = e.Jobs.ListPendingForDevice(ctx, "bad name")
	expectKind(t, err, ErrValidation)
}

func TestSetStatusOverride(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustCreateJob(t, e, "J1", 60)

	if err := e.Jobs.SetStatusOverride(ctx, "J1", "finished by operator"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if got := mustJob(t, e, "J1").Status; got != model.JobFinished {
		t.Fatalf("expected finished, got %s", got)
	}
	expectKind(t, e.Jobs.SetStatusOverride(ctx, "J1", "pending"), ErrValidation)
	expectKind(t, e.Jobs.SetStatusOverride(ctx, "J1", "bogus"), ErrValidation)
	expectKind(t, e.Jobs.SetStatusOverride(ctx, "nope", "failed"), ErrNotFound)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
