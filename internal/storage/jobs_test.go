package storage

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueJob_OnePerSubject(t *testing.T) {
	s := openTestStore(t)

	first, created, err := s.EnqueueJob(ctx, Job{ID: "job-1", Subject: "ATXN3", Options: JobOptions{InteractorRounds: 4}})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !created {
		t.Fatal("first EnqueueJob did not create a job")
	}
	if first.Status != JobPending {
		t.Errorf("Status = %q, want pending", first.Status)
	}

	second, created, err := s.EnqueueJob(ctx, Job{ID: "job-2", Subject: "ATXN3"})
	if err != nil {
		t.Fatalf("second EnqueueJob: %v", err)
	}
	if created {
		t.Error("second EnqueueJob created a duplicate job")
	}
	if second.ID != "job-1" {
		t.Errorf("attached to %q, want job-1", second.ID)
	}
	if second.Options.InteractorRounds != 4 {
		t.Errorf("Options.InteractorRounds = %d, want 4", second.Options.InteractorRounds)
	}
}

func TestEnqueueJob_AfterTerminalCreatesNew(t *testing.T) {
	s := openTestStore(t)

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "job-1", Subject: "TP53"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FinishJob(ctx, "job-1", JobFailed, "", "boom"); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	_, created, err := s.EnqueueJob(ctx, Job{ID: "job-2", Subject: "TP53"})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !created {
		t.Error("EnqueueJob after failure did not create a new job")
	}
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, j := range []Job{{ID: "a", Subject: "A"}, {ID: "b", Subject: "B"}} {
		if _, _, err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob(%s): %v", j.ID, err)
		}
	}

	claimed, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil || claimed.ID != "a" {
		t.Fatalf("claimed = %+v, want job a", claimed)
	}
	if claimed.Status != JobRunning || claimed.StartedAt == nil {
		t.Errorf("claimed job = %+v, want running with started_at", claimed)
	}

	next, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if next == nil || next.ID != "b" {
		t.Fatalf("next = %+v, want job b", next)
	}

	none, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if none != nil {
		t.Errorf("ClaimNextJob on empty queue = %+v, want nil", none)
	}
}

func TestFinishJob(t *testing.T) {
	s := openTestStore(t)

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j", Subject: "A"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FinishJob(ctx, "j", JobComplete, "/out/A.json", ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	j, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobComplete || j.ResultRef != "/out/A.json" || j.FinishedAt == nil {
		t.Errorf("job = %+v", j)
	}

	err = s.FinishJob(ctx, "j", JobCancelled, "", "")
	if !errors.Is(err, ErrJobState) {
		t.Errorf("second FinishJob = %v, want ErrJobState", err)
	}
	if err := s.FinishJob(ctx, "missing", JobFailed, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishJob(missing) = %v, want ErrNotFound", err)
	}
	if err := s.FinishJob(ctx, "j", JobRunning, "", ""); err == nil {
		t.Error("FinishJob with non-terminal status succeeded")
	}
}

func TestActiveAndLatestJob(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.ActiveJob(ctx, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveJob on empty = %v, want ErrNotFound", err)
	}

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j1", Subject: "A"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FinishJob(ctx, "j1", JobCancelled, "", ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	if _, err := s.ActiveJob(ctx, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveJob after cancel = %v, want ErrNotFound", err)
	}
	latest, err := s.LatestJob(ctx, "A")
	if err != nil {
		t.Fatalf("LatestJob: %v", err)
	}
	if latest.ID != "j1" || latest.Status != JobCancelled {
		t.Errorf("latest = %+v, want cancelled j1", latest)
	}
}

func TestRecoverJobs(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"r", "p"} {
		if _, _, err := s.EnqueueJob(ctx, Job{ID: id, Subject: id}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE jobs SET status = 'running' WHERE id = 'r'`); err != nil {
		t.Fatalf("marking running: %v", err)
	}

	n, err := s.RecoverJobs(ctx)
	if err != nil {
		t.Fatalf("RecoverJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	r, _ := s.GetJob(ctx, "r")
	if r.Status != JobFailed {
		t.Errorf("running job status = %q, want failed", r.Status)
	}
	p, _ := s.GetJob(ctx, "p")
	if p.Status != JobPending {
		t.Errorf("pending job status = %q, want pending", p.Status)
	}
}

func TestListJobs(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"j1", "j2", "j3"} {
		if _, _, err := s.EnqueueJob(ctx, Job{ID: id, Subject: id}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	jobs, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("ListJobs returned %d, want 2", len(jobs))
	}
}
