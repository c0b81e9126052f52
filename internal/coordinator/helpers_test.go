package coordinator

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"discosat/pkg/model"
	"discosat/pkg/store"
)

var testNow = time.Unix(1_700_000_000, 0)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(store.NewMemoryStore(), opts...)
}

func mustRegister(t *testing.T, e *Engine, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := e.Devices.Register(context.Background(), n); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
}

// mustCreateJob 开始时间 = testNow + offset 秒，持续一分钟
func mustCreateJob(t *testing.T, e *Engine, name string, offset int64) model.FixedJob {
	t.Helper()
	start := testNow.Unix() + offset
	job, err := e.Jobs.Create(context.Background(), model.JobSpec{
		Name:      name,
		StartTime: start,
		EndTime:   start + 60,
		Command:   "iridium_sniffing",
		Arguments: map[string]string{"center_frequency_mhz": "1621.25"},
	})
	if err != nil {
		t.Fatalf("create job %s: %v", name, err)
	}
	return job
}

func mustJob(t *testing.T, e *Engine, name string) model.FixedJob {
	t.Helper()
	job, err := e.Jobs.GetByName(context.Background(), name)
	if err != nil {
		t.Fatalf("get job %s: %v", name, err)
	}
	return job
}

func mustSensor(t *testing.T, e *Engine, name string) model.Sensor {
	t.Helper()
	s, err := e.Devices.GetByName(context.Background(), name)
	if err != nil {
		t.Fatalf("get sensor %s: %v", name, err)
	}
	return s
}

func mustReport(t *testing.T, e *Engine, job, sensor, state string) model.FixedJob {
	t.Helper()
	out, err := e.ReportDeviceState(context.Background(), job, sensor, state)
	if err != nil {
		t.Fatalf("report %s/%s=%s: %v", job, sensor, state, err)
	}
	return out
}

func expectKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func expectSet(t *testing.T, what string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("%s: expected %v, got %v", what, want, got)
	}
}

func expectStates(t *testing.T, job model.FixedJob, want map[string]string) {
	t.Helper()
	got := make(map[string]string, len(job.States))
	for k, v := range job.States {
		got[k] = v.String()
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("job %s states: expected %v, got %v", job.Name, want, got)
	}
}
