package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"discosat/pkg/model"
	"discosat/pkg/store"
)

func TestReportLifecycleAcrossFleet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)

	if err := e.AssignJobsToAll(ctx, []string{"J1"}); err != nil {
		t.Fatalf("assign to all: %v", err)
	}
	j1 := mustJob(t, e, "J1")
	expectSet(t, "J1 sensors", j1.Sensors, []string{"A", "B"})
	expectStates(t, j1, map[string]string{"A": "pending", "B": "pending"})
	for _, n := range []string{"A", "B"} {
		if s := mustSensor(t, e, n); !s.HasJob("J1") {
			t.Fatalf("sensor %s queue should contain J1, got %v", n, s.Jobs)
		}
	}

	// A 开始运行：任务变 running，并从两个队列中移除
	j1 = mustReport(t, e, "J1", "A", "running")
	if j1.Status != model.JobRunning {
		t.Fatalf("expected running, got %s", j1.Status)
	}
	expectStates(t, j1, map[string]string{"A": "running", "B": "pending"})
	for _, n := range []string{"A", "B"} {
		if s := mustSensor(t, e, n); s.HasJob("J1") {
			t.Fatalf("J1 should be pulled from %s once running, got %v", n, s.Jobs)
		}
	}

	// B 完成但 A 还在跑
	j1 = mustReport(t, e, "J1", "B", "finished")
	if j1.Status != model.JobRunning {
		t.Fatalf("expected running while A still runs, got %s", j1.Status)
	}

	// A 完成 -> 全部完成
	j1 = mustReport(t, e, "J1", "A", "finished")
	if j1.Status != model.JobFinished {
		t.Fatalf("expected finished, got %s", j1.Status)
	}
	if got := mustJob(t, e, "J1").Status; got != model.JobFinished {
		t.Fatalf("stored status should be finished, got %s", got)
	}
}

func TestRunningPullsJobFromSensorsOutsideTargets(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)

	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign A: %v", err)
	}
	// B 的队列里有 J1，但 B 不在 J1 的目标集合中
	if err := e.Devices.setQueue(ctx, "B", []string{"J1"}); err != nil {
		t.Fatalf("seed B queue: %v", err)
	}

	mustReport(t, e, "J1", "A", "running")
	if s := mustSensor(t, e, "B"); s.HasJob("J1") {
		t.Fatalf("running job should be pulled from every queue, B still has %v", s.Jobs)
	}
}

func TestReportRejectsSensorOutsideTargets(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B", "C")
	mustCreateJob(t, e, "J1", 3600)
	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	before := mustJob(t, e, "J1")

	_, err := e.ReportDeviceState(ctx, "J1", "C", "running")
	expectKind(t, err, ErrReferential)

	after := mustJob(t, e, "J1")
	if after.Status != before.Status {
		t.Fatalf("status changed from %s to %s", before.Status, after.Status)
	}
	expectStates(t, after, map[string]string{"A": "pending"})
}

func TestReportResolvesJobByID(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	job := mustCreateJob(t, e, "J1", 3600)
	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got := mustReport(t, e, job.ID, "A", "failed: antenna offline")
	if got.Status != model.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	expectStates(t, mustJob(t, e, "J1"), map[string]string{"A": "failed: antenna offline"})
}

func TestReportErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	mustCreateJob(t, e, "J1", 3600)
	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	tests := []struct {
		name   string
		job    string
		sensor string
		state  string
		kind   error
	}{
		{"unknown job", "nope", "A", "running", ErrNotFound},
		{"unknown state", "J1", "A", "exploded", ErrValidation},
		{"pending is not reportable", "J1", "A", "pending", ErrValidation},
		{"not included", "J1", "B", "running", ErrReferential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ReportDeviceState(ctx, tt.job, tt.sensor, tt.state)
			expectKind(t, err, tt.kind)
		})
	}
	expectStates(t, mustJob(t, e, "J1"), map[string]string{"A": "pending"})
}

func TestAssignJobsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.Jobs.SetStatusOverride(ctx, "J2", "running"); err != nil {
		t.Fatalf("override: %v", err)
	}

	for _, names := range [][]string{{"J1", "missing"}, {"J1", "J2"}} {
		err := e.AssignJobs(ctx, "A", names)
		expectKind(t, err, ErrReferential)

		if s := mustSensor(t, e, "A"); len(s.Jobs) != 0 {
			t.Fatalf("queue should be untouched, got %v", s.Jobs)
		}
		j1 := mustJob(t, e, "J1")
		expectSet(t, "J1 sensors", j1.Sensors, nil)
		expectStates(t, j1, nil)
	}
}

func TestAssignJobsToUnknownSensor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustCreateJob(t, e, "J1", 3600)

	expectKind(t, e.AssignJobs(ctx, "ghost", []string{"J1"}), ErrNotFound)
	expectSet(t, "J1 sensors", mustJob(t, e, "J1").Sensors, nil)
}

func TestAssignJobsReplacesQueue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)

	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign J1: %v", err)
	}
	if err := e.AssignJobs(ctx, "A", []string{"J2", "J1"}); err != nil {
		t.Fatalf("assign J2,J1: %v", err)
	}

	s := mustSensor(t, e, "A")
	if len(s.Jobs) != 2 || s.Jobs[0] != "J2" || s.Jobs[1] != "J1" {
		t.Fatalf("queue should be replaced in order, got %v", s.Jobs)
	}
	// 重复分配不会产生重复的目标
	expectSet(t, "J1 sensors", mustJob(t, e, "J1").Sensors, []string{"A"})
	expectSet(t, "J2 sensors", mustJob(t, e, "J2").Sensors, []string{"A"})
}

func TestAssignEmptyListClearsSensor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.AssignJobsToAll(ctx, []string{"J1", "J2"}); err != nil {
		t.Fatalf("assign all: %v", err)
	}

	if err := e.AssignJobs(ctx, "A", nil); err != nil {
		t.Fatalf("assign empty: %v", err)
	}
	if s := mustSensor(t, e, "A"); len(s.Jobs) != 0 {
		t.Fatalf("A queue should be empty, got %v", s.Jobs)
	}
	for _, n := range []string{"J1", "J2"} {
		j := mustJob(t, e, n)
		expectSet(t, n+" sensors", j.Sensors, []string{"B"})
		expectStates(t, j, map[string]string{"B": "pending"})
	}

	// 幂等
	if err := e.UnassignAll(ctx, "A"); err != nil {
		t.Fatalf("unassign again: %v", err)
	}
	expectKind(t, e.UnassignAll(ctx, "ghost"), ErrNotFound)
}

func TestAssignToAllUsesWholeFleet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B", "C")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := e.AssignJobsToAll(ctx, []string{"J2"}); err != nil {
		t.Fatalf("assign all: %v", err)
	}
	a := mustSensor(t, e, "A")
	if len(a.Jobs) != 2 || a.Jobs[0] != "J1" || a.Jobs[1] != "J2" {
		t.Fatalf("assign to all should append, got %v", a.Jobs)
	}
	expectSet(t, "J2 sensors", mustJob(t, e, "J2").Sensors, []string{"A", "B", "C"})
	expectSet(t, "J1 sensors", mustJob(t, e, "J1").Sensors, []string{"A"})

	expectKind(t, e.AssignJobsToAll(ctx, []string{"J2", "nope"}), ErrReferential)
	if b := mustSensor(t, e, "B"); len(b.Jobs) != 1 {
		t.Fatalf("failed assign to all must not write, B has %v", b.Jobs)
	}
}

func TestClearAllQueues(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.AssignJobsToAll(ctx, []string{"J1", "J2"}); err != nil {
		t.Fatalf("assign all: %v", err)
	}
	mustReport(t, e, "J2", "A", "running")

	if err := e.ClearAllQueues(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, n := range []string{"A", "B"} {
		if s := mustSensor(t, e, n); len(s.Jobs) != 0 {
			t.Fatalf("%s queue should be empty, got %v", n, s.Jobs)
		}
	}
	j1 := mustJob(t, e, "J1")
	expectSet(t, "J1 sensors", j1.Sensors, nil)
	expectStates(t, j1, nil)

	// running 任务不受影响
	j2 := mustJob(t, e, "J2")
	expectSet(t, "J2 sensors", j2.Sensors, []string{"A", "B"})
	expectStates(t, j2, map[string]string{"A": "running", "B": "pending"})
}

func TestRemoveSensorCascadesIntoPendingJobsOnly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.AssignJobsToAll(ctx, []string{"J1", "J2"}); err != nil {
		t.Fatalf("assign all: %v", err)
	}
	mustReport(t, e, "J1", "A", "finished")
	mustReport(t, e, "J1", "B", "finished")

	if _, err := e.Devices.Remove(ctx, "A"); err != nil {
		t.Fatalf("remove A: %v", err)
	}

	j2 := mustJob(t, e, "J2")
	expectSet(t, "J2 sensors", j2.Sensors, []string{"B"})
	expectStates(t, j2, map[string]string{"B": "pending"})

	j1 := mustJob(t, e, "J1")
	if j1.Status != model.JobFinished {
		t.Fatalf("J1 should be finished, got %s", j1.Status)
	}
	expectSet(t, "J1 sensors", j1.Sensors, []string{"A", "B"})
	expectStates(t, j1, map[string]string{"A": "finished", "B": "finished"})

	if ok, _ := e.Devices.Exists(ctx, "A"); ok {
		t.Fatal("A should be gone")
	}
	_, err := e.Devices.Remove(ctx, "A")
	expectKind(t, err, ErrNotFound)
}

func TestRemoveJobCascadesIntoEveryQueue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustRegister(t, e, "A", "B")
	mustCreateJob(t, e, "J1", 3600)
	mustCreateJob(t, e, "J2", 7200)
	if err := e.AssignJobs(ctx, "A", []string{"J1", "J2"}); err != nil {
		t.Fatalf("assign A: %v", err)
	}
	// B 不在 J1 的目标集合里，但队列里残留了 J1
	if err := e.Devices.setQueue(ctx, "B", []string{"J1"}); err != nil {
		t.Fatalf("seed B: %v", err)
	}

	removed, err := e.Jobs.Remove(ctx, "J1")
	if err != nil {
		t.Fatalf("remove J1: %v", err)
	}
	if removed.Name != "J1" {
		t.Fatalf("expected removed J1, got %s", removed.Name)
	}
	if a := mustSensor(t, e, "A"); len(a.Jobs) != 1 || a.Jobs[0] != "J2" {
		t.Fatalf("A queue should only have J2, got %v", a.Jobs)
	}
	if b := mustSensor(t, e, "B"); len(b.Jobs) != 0 {
		t.Fatalf("B queue should be empty, got %v", b.Jobs)
	}

	_, err = e.Jobs.Remove(ctx, "J1")
	expectKind(t, err, ErrNotFound)
}

func TestWatchJobsReportsTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t)
	mustRegister(t, e, "A")
	events := e.WatchJobs(ctx)

	mustCreateJob(t, e, "J1", 3600)
	if err := e.AssignJobs(ctx, "A", []string{"J1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	mustReport(t, e, "J1", "A", "running")

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == store.EventPut && ev.Job.Status == model.JobRunning {
				return
			}
		case <-timeout:
			t.Fatal("did not observe running transition")
		}
	}
}

func TestConcurrentAssignAndRemoveLeaveNoDanglingTargets(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	mustCreateJob(t, e, "J1", 3600)

	const n = 20
	for i := 0; i < n; i++ {
		mustRegister(t, e, sensorName(i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(name string) {
			defer wg.Done()
			_ = e.AssignJobs(ctx, name, []string{"J1"})
		}(sensorName(i))
		go func(name string) {
			defer wg.Done()
			if _, err := e.Devices.Remove(ctx, name); err != nil {
				t.Errorf("remove %s: %v", name, err)
			}
		}(sensorName(i))
	}
	wg.Wait()

	j1 := mustJob(t, e, "J1")
	for _, s := range j1.Sensors {
		if ok, _ := e.Devices.Exists(ctx, s); !ok {
			t.Fatalf("J1 still targets removed sensor %s", s)
		}
	}
	if len(j1.States) != 0 {
		t.Fatalf("J1 should have no states left, got %v", j1.States)
	}
}

func sensorName(i int) string {
	return "sensor-" + string(rune('a'+i))
}
