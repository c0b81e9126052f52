package agent

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"discosat/internal/coordinator"
	"discosat/pkg/model"
)

// Agent 传感器端的心跳：注册自己，定期上报遥测并拉取待执行任务。
// 任务本身的执行不在这里。
type Agent struct {
	Name string

	client   Coordinator
	probe    Probe
	interval time.Duration

	// 上一次看到的待执行任务，变化时才打日志
	lastPending string
}

func NewAgent(name string, c Coordinator, probe Probe, interval time.Duration) *Agent {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Agent{
		Name:     name,
		client:   c,
		probe:    probe,
		interval: interval,
	}
}

// Run 阻塞直到 ctx 结束。注册失败 (重名除外) 直接返回错误。
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	log.Printf("[Agent] Sensor %s reporting every %s", a.Name, a.interval)
	a.Beat(ctx)
	for {
		select {
		case <-ticker.C:
			a.Beat(ctx)
		case <-ctx.Done():
			log.Printf("[Agent] Sensor %s stopped", a.Name)
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	err := a.client.Register(ctx, a.Name)
	if errors.Is(err, coordinator.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[Agent] Registered sensor %s", a.Name)
	return nil
}

// Beat 一次心跳。错误只记日志，下一次心跳重试。
func (a *Agent) Beat(ctx context.Context) {
	if err := a.client.ReportTelemetry(ctx, a.Name, a.probe()); err != nil {
		log.Printf("[Agent] Failed to report telemetry: %v", err)
		// coordinator 可能删除了这个传感器，重新注册
		if errors.Is(err, coordinator.ErrNotFound) {
			if err := a.register(ctx); err != nil {
				log.Printf("[Agent] Failed to re-register: %v", err)
			}
		}
		return
	}

	jobs, err := a.client.PendingJobs(ctx, a.Name)
	if err != nil {
		log.Printf("[Agent] Failed to fetch pending jobs: %v", err)
		return
	}
	a.observe(jobs)
}

func (a *Agent) observe(jobs []model.FixedJob) {
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	key := strings.Join(names, ",")
	if key == a.lastPending {
		return
	}
	a.lastPending = key

	if len(jobs) == 0 {
		log.Printf("[Agent] No pending jobs for %s", a.Name)
		return
	}
	for _, j := range jobs {
		log.Printf("[Agent] Pending job %s: %s at %s", j.Name, j.Command, time.Unix(j.StartTime, 0).UTC().Format(time.RFC3339))
	}
}

// Pending 最近一次看到的待执行任务名
func (a *Agent) Pending() []string {
	if a.lastPending == "" {
		return nil
	}
	return strings.Split(a.lastPending, ",")
}
