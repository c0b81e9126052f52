package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"discosat/internal/coordinator"
	"discosat/pkg/model"
	"discosat/pkg/store"
)

// Monitor 监听任务文档的变化，记录状态迁移，并定期检查超时任务。
// 只读，不修改任何文档。
type Monitor struct {
	engine *coordinator.Engine
	now    func() time.Time
	sweep  time.Duration

	mu   sync.RWMutex
	jobs map[string]jobView // key: job id
}

type jobView struct {
	name    string
	status  model.JobStatus
	endTime int64
	overdue bool
}

// NewMonitor sweep <= 0 时不做超时检查
func NewMonitor(e *coordinator.Engine, sweep time.Duration) *Monitor {
	return &Monitor{
		engine: e,
		now:    time.Now,
		sweep:  sweep,
		jobs:   make(map[string]jobView),
	}
}

// Run 启动主循环 (后台常驻 Goroutine)
func (m *Monitor) Run(ctx context.Context) {
	// 先订阅再加载快照，中间的变化不会丢
	events := m.engine.WatchJobs(ctx)
	if err := m.load(ctx); err != nil {
		log.Printf("[Monitor] Failed to load jobs: %v", err)
	}

	var tick <-chan time.Time
	if m.sweep > 0 {
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Println("[Monitor] Started, watching fixed jobs...")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Println("[Monitor] Stopped.")
				return
			}
			m.handle(ev)
		case <-tick:
			m.checkOverdue()
		case <-ctx.Done():
			log.Println("[Monitor] Stopped.")
			return
		}
	}
}

func (m *Monitor) load(ctx context.Context) error {
	jobs, err := m.engine.Jobs.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; !ok {
			m.jobs[j.ID] = jobView{name: j.Name, status: j.Status, endTime: j.EndTime}
		}
	}
	return nil
}

func (m *Monitor) handle(ev coordinator.JobEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := ev.Job
	prev, known := m.jobs[job.ID]
	if ev.Type == store.EventDelete {
		delete(m.jobs, job.ID)
		log.Printf("[Monitor] Job %s removed (%s)", prev.name, job.ID)
		return
	}

	switch {
	case !known:
		log.Printf("[Monitor] Job %s created, starts %s", job.Name, time.Unix(job.StartTime, 0).UTC().Format(time.RFC3339))
	case prev.status != job.Status:
		log.Printf("[Monitor] Job %s: %s -> %s", job.Name, prev.status, job.Status)
	}
	m.jobs[job.ID] = jobView{
		name:    job.Name,
		status:  job.Status,
		endTime: job.EndTime,
		overdue: prev.overdue && prev.status == job.Status,
	}
}

// checkOverdue 结束时间已过但仍是 pending/running 的任务，每个只提示一次
func (m *Monitor) checkOverdue() {
	now := m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.jobs {
		if v.overdue || v.endTime >= now {
			continue
		}
		if v.status == model.JobPending || v.status == model.JobRunning {
			log.Printf("[Monitor] Job %s is past its end time but still %s", v.name, v.status)
			v.overdue = true
			m.jobs[id] = v
		}
	}
}

// Summary 各状态的任务数量
func (m *Monitor) Summary() map[model.JobStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.JobStatus]int)
	for _, v := range m.jobs {
		out[v.status]++
	}
	return out
}

// Overdue 已超时的任务名
func (m *Monitor) Overdue() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, v := range m.jobs {
		if v.overdue {
			out = append(out, v.name)
		}
	}
	return out
}
