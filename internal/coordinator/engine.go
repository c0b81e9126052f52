package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"discosat/pkg/model"
	"discosat/pkg/store"
)

// 集合名沿用旧系统的命名
const (
	SensorsCollection = "sensors_collection"
	JobsCollection    = "fixed_jobs"
)

// DefaultOnlineWindow 最近一次上报在这个窗口内的传感器算在线
const DefaultOnlineWindow = 24 * time.Hour

// Engine 维护 DeviceStore 和 JobStore 之间的不变量：
// 传感器队列 <-> 任务目标集合/状态表 的双向引用、聚合状态、级联删除。
//
// 存储层只保证单文档原子性。互相冲突的多文档操作通过 Locker 串行化，
// 但没有补偿事务：中途失败时已经写入的文档不会回滚。
type Engine struct {
	Devices *DeviceStore
	Jobs    *JobStore

	locker         store.Locker
	now            func() time.Time
	onlineWindow   time.Duration
	rejectPastJobs bool
}

type Option func(*Engine)

// WithLocker 替换默认的进程内 KeyedLocker
func WithLocker(l store.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock 测试中注入时间
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithOnlineWindow(d time.Duration) Option {
	return func(e *Engine) { e.onlineWindow = d }
}

// WithPastJobs 允许创建开始时间已经过去的任务
func WithPastJobs(allow bool) Option {
	return func(e *Engine) { e.rejectPastJobs = !allow }
}

// New 构造函数
func New(ds store.DocStore, opts ...Option) *Engine {
	e := &Engine{
		locker:         store.NewKeyedLocker(),
		now:            time.Now,
		onlineWindow:   DefaultOnlineWindow,
		rejectPastJobs: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.Devices = &DeviceStore{
		coll:   ds.Collection(store.CollectionSpec{Name: SensorsCollection, Unique: []string{fieldSensorName}}),
		engine: e,
	}
	e.Jobs = &JobStore{
		coll:   ds.Collection(store.CollectionSpec{Name: JobsCollection, Unique: []string{fieldJobName}}),
		engine: e,
	}
	return e
}

func sensorKey(name string) string { return "sensor/" + name }
func jobKey(name string) string { return "job/" + name }

// AssignJobs 用 jobNames 替换传感器的队列，并把传感器加入这些任务的目标集合。
// 先校验全部任务都是 pending，任何一个不是就整体失败，不做任何写入。
// jobNames 为空等价于 UnassignAll (兼容旧接口)。
func (e *Engine) AssignJobs(ctx context.Context, sensorName string, jobNames []string) error {
	if len(jobNames) == 0 {
		return e.UnassignAll(ctx, sensorName)
	}

	keys := []string{sensorKey(sensorName)}
	for _, n := range jobNames {
		keys = append(keys, jobKey(n))
	}
	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.checkPending(ctx, jobNames); err != nil {
		return err
	}
	if _, err := e.Devices.GetByName(ctx, sensorName); err != nil {
		return err
	}

	if err := e.Devices.setQueue(ctx, sensorName, jobNames); err != nil {
		return err
	}
	_, err = e.Jobs.coll.UpdateMany(ctx,
		store.Filter{store.In(fieldJobName, jobNames...), store.Eq(fieldStatus, model.JobPending)},
		store.Update{
			store.AddToSet(store.P(fieldSensors), sensorName),
			store.Set(store.P(fieldStates, sensorName), model.Pending()),
		})
	if err != nil {
		return fmt.Errorf("add %s to jobs: %w", sensorName, err)
	}

	log.Printf("[Coordinator] Assigned %d jobs to sensor %s", len(jobNames), sensorName)
	return nil
}

// UnassignAll 清空传感器的队列，并把它从所有 pending 任务中移除 (幂等)
func (e *Engine) UnassignAll(ctx context.Context, sensorName string) error {
	unlock, err := e.locker.LockAll(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.Devices.GetByName(ctx, sensorName); err != nil {
		return err
	}
	if err := e.stripSensor(ctx, sensorName); err != nil {
		return err
	}
	if err := e.Devices.setQueue(ctx, sensorName, []string{}); err != nil {
		return err
	}

	log.Printf("[Coordinator] Cleared assignments of sensor %s", sensorName)
	return nil
}

// AssignJobsToAll 把 jobNames 追加到所有传感器的队列，并把全部传感器加入这些任务
func (e *Engine) AssignJobsToAll(ctx context.Context, jobNames []string) error {
	unlock, err := e.locker.LockAll(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.checkPending(ctx, jobNames); err != nil {
		return err
	}
	if len(jobNames) == 0 {
		return nil
	}

	if _, err := e.Devices.coll.UpdateMany(ctx, store.Filter{},
		store.Update{store.PushEach(store.P(fieldJobs), store.Strings(jobNames)...)}); err != nil {
		return fmt.Errorf("push jobs to sensors: %w", err)
	}

	// 这里重新读取全部传感器，拿到的是当前时刻的完整集合
	sensors, err := e.Devices.List(ctx)
	if err != nil {
		return err
	}
	if len(sensors) == 0 {
		return nil
	}
	names := make([]string, 0, len(sensors))
	update := store.Update{}
	for _, s := range sensors {
		names = append(names, s.Name)
		update = append(update, store.Set(store.P(fieldStates, s.Name), model.Pending()))
	}
	update = append(update, store.AddToSet(store.P(fieldSensors), store.Strings(names)...))

	if _, err := e.Jobs.coll.UpdateMany(ctx,
		store.Filter{store.In(fieldJobName, jobNames...), store.Eq(fieldStatus, model.JobPending)},
		update); err != nil {
		return fmt.Errorf("add sensors to jobs: %w", err)
	}

	log.Printf("[Coordinator] Assigned %d jobs to all %d sensors", len(jobNames), len(names))
	return nil
}

// ClearAllQueues 清空所有队列，以及所有 pending 任务的目标集合和状态表
func (e *Engine) ClearAllQueues(ctx context.Context) error {
	unlock, err := e.locker.LockAll(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.Devices.coll.UpdateMany(ctx, store.Filter{},
		store.Update{store.Set(store.P(fieldJobs), []string{})}); err != nil {
		return fmt.Errorf("clear sensor queues: %w", err)
	}
	if _, err := e.Jobs.coll.UpdateMany(ctx,
		store.Filter{store.Eq(fieldStatus, model.JobPending)},
		store.Update{
			store.Set(store.P(fieldSensors), []string{}),
			store.Set(store.P(fieldStates), map[string]string{}),
		}); err != nil {
		return fmt.Errorf("clear pending jobs: %w", err)
	}

	log.Println("[Coordinator] Cleared all sensor queues")
	return nil
}

// ReportDeviceState 记录某个传感器在任务上的状态，然后重新计算聚合状态。
// jobIdentifier 先按任务名解析，再按 id 解析 (旧版传感器上报的是任务名)。
// 任务变成 running 时，会从 *所有* 传感器的队列里移除它。
func (e *Engine) ReportDeviceState(ctx context.Context, jobIdentifier, sensorName, state string) (model.FixedJob, error) {
	st, err := model.ParseDeviceState(state)
	if err != nil || st.Phase == model.PhasePending {
		return model.FixedJob{}, validationError(entitySensor, sensorName, "%q is not a valid status", state)
	}

	job, err := e.Jobs.resolve(ctx, jobIdentifier)
	if err != nil {
		return model.FixedJob{}, err
	}

	unlock, err := e.locker.Lock(ctx, jobKey(job.Name))
	if err != nil {
		return model.FixedJob{}, err
	}
	defer unlock()

	// 拿到锁之后重新读一次
	job, err = e.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return model.FixedJob{}, err
	}
	if !job.Targets(sensorName) {
		return model.FixedJob{}, referentialError(entitySensor, sensorName, "Not included in fixed job %s", job.Name)
	}

	res, err := e.Jobs.coll.UpdateOne(ctx,
		store.Filter{store.Eq(store.IDField, job.ID)},
		store.Update{store.Set(store.P(fieldStates, sensorName), st)})
	if err != nil {
		return model.FixedJob{}, fmt.Errorf("write state of %s: %w", sensorName, err)
	}
	if res.Matched == 0 {
		return model.FixedJob{}, notFoundError(entityJob, jobIdentifier)
	}
	if job.States == nil {
		job.States = make(map[string]model.DeviceState)
	}
	job.States[sensorName] = st

	next := Aggregate(job.States, job.Status)
	if next == model.JobRunning {
		if err := e.Devices.pullJob(ctx, job.Name); err != nil {
			return job, err
		}
	}
	if next != job.Status {
		if err := e.Jobs.setStatus(ctx, job.Name, next); err != nil {
			return job, err
		}
		log.Printf("[Coordinator] Job %s: %s -> %s", job.Name, job.Status, next)
		job.Status = next
	}
	return job, nil
}

// JobEvent 任务文档的一次变化
type JobEvent struct {
	Type store.EventType
	Job  model.FixedJob
}

// WatchJobs 把存储层的监听转换为类型化的任务事件
func (e *Engine) WatchJobs(ctx context.Context) <-chan JobEvent {
	out := make(chan JobEvent)
	events := e.Jobs.coll.Watch(ctx)

	go func() {
		defer close(out)
		for ev := range events {
			var job model.FixedJob
			if ev.Doc != nil {
				if err := store.Decode(ev.Doc, &job); err != nil {
					log.Printf("[Coordinator] Failed to decode job event %s: %v", ev.ID, err)
					continue
				}
			}
			if job.ID == "" {
				job.ID = ev.ID
			}
			select {
			case out <- JobEvent{Type: ev.Type, Job: job}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// checkPending 校验每个任务名都对应一个 pending 任务
func (e *Engine) checkPending(ctx context.Context, jobNames []string) error {
	for _, n := range jobNames {
		_, err := e.Jobs.coll.FindOne(ctx, store.Filter{store.Eq(fieldJobName, n), store.Eq(fieldStatus, model.JobPending)})
		if errors.Is(err, store.ErrNoDocument) {
			return referentialError(entityJob, n, "not a pending fixed job")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stripSensor 把传感器从所有 pending 任务的目标集合和状态表中移除。
// 非 pending 任务的历史状态保持不动。
func (e *Engine) stripSensor(ctx context.Context, sensorName string) error {
	_, err := e.Jobs.coll.UpdateMany(ctx,
		store.Filter{store.Eq(fieldStatus, model.JobPending)},
		store.Update{
			store.Pull(store.P(fieldSensors), sensorName),
			store.Unset(store.P(fieldStates, sensorName)),
		})
	if err != nil {
		return fmt.Errorf("strip %s from pending jobs: %w", sensorName, err)
	}
	return nil
}
