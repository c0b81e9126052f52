package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"discosat/pkg/model"
	"discosat/pkg/store"
)

// 任务文档字段
const (
	fieldJobName   = "name"
	fieldStartTime = "start_time"
	fieldSensors   = "sensors"
	fieldStates    = "states"
	fieldStatus    = "status"
)

// JobStore 管理定时任务文档
type JobStore struct {
	coll   store.Collection
	engine *Engine
}

// Create 新建任务，初始状态 pending，目标集合和状态表为空。
// 重名时返回 ErrConflict，已有任务不受影响。
func (j *JobStore) Create(ctx context.Context, spec model.JobSpec) (model.FixedJob, error) {
	if !model.ValidName(spec.Name) {
		return model.FixedJob{}, validationError(entityJob, spec.Name, "name uses disallowed characters")
	}
	if spec.EndTime < spec.StartTime {
		return model.FixedJob{}, validationError(entityJob, spec.Name, "end_time %d is before start_time %d", spec.EndTime, spec.StartTime)
	}
	if j.engine.rejectPastJobs && spec.StartTime < j.engine.now().Unix() {
		return model.FixedJob{}, validationError(entityJob, spec.Name, "the job's start lies in the past")
	}

	job := model.FixedJob{
		Name:      spec.Name,
		StartTime: spec.StartTime,
		EndTime:   spec.EndTime,
		Command:   spec.Command,
		Arguments: spec.Arguments,
		Sensors:   []string{},
		States:    map[string]model.DeviceState{},
		Status:    model.JobPending,
	}
	if job.Arguments == nil {
		job.Arguments = map[string]string{}
	}
	doc, err := store.Encode(job)
	if err != nil {
		return model.FixedJob{}, err
	}
	delete(doc, store.IDField)

	id, err := j.coll.InsertOne(ctx, doc)
	if errors.Is(err, store.ErrDuplicate) {
		return model.FixedJob{}, conflictError(entityJob, spec.Name)
	}
	if err != nil {
		return model.FixedJob{}, fmt.Errorf("insert fixed job %s: %w", spec.Name, err)
	}

	log.Printf("[Coordinator] Created fixed job %s (%s)", spec.Name, id)
	return j.GetByID(ctx, id)
}

// Remove 删除任务 (不论状态)，并从所有传感器的队列里移除它
func (j *JobStore) Remove(ctx context.Context, name string) (model.FixedJob, error) {
	unlock, err := j.engine.locker.LockAll(ctx)
	if err != nil {
		return model.FixedJob{}, err
	}
	defer unlock()

	doc, err := j.coll.DeleteOne(ctx, store.Filter{store.Eq(fieldJobName, name)})
	if errors.Is(err, store.ErrNoDocument) {
		return model.FixedJob{}, notFoundError(entityJob, name)
	}
	if err != nil {
		return model.FixedJob{}, fmt.Errorf("delete fixed job %s: %w", name, err)
	}
	job, err := decodeJob(doc)
	if err != nil {
		return model.FixedJob{}, err
	}

	if err := j.engine.Devices.pullJob(ctx, name); err != nil {
		return job, err
	}

	log.Printf("[Coordinator] Removed fixed job %s (%s)", name, job.ID)
	return job, nil
}

// SetStatusOverride 管理接口：无条件设置聚合状态，绕过聚合算法
func (j *JobStore) SetStatusOverride(ctx context.Context, name, status string) error {
	st, err := model.ParseOverrideStatus(status)
	if err != nil {
		return validationError(entityJob, name, "%v", err)
	}

	unlock, err := j.engine.locker.Lock(ctx, jobKey(name))
	if err != nil {
		return err
	}
	defer unlock()

	return j.setStatus(ctx, name, st)
}

// setStatus 聚合状态的唯一写入路径
func (j *JobStore) setStatus(ctx context.Context, name string, status model.JobStatus) error {
	res, err := j.coll.UpdateOne(ctx,
		store.Filter{store.Eq(fieldJobName, name)},
		store.Update{store.Set(store.P(fieldStatus), status)})
	if err != nil {
		return fmt.Errorf("set status of %s: %w", name, err)
	}
	if res.Matched == 0 {
		return notFoundError(entityJob, name)
	}
	return nil
}

// List 全部任务，按开始时间倒序
func (j *JobStore) List(ctx context.Context) ([]model.FixedJob, error) {
	return j.findMany(ctx, store.Filter{}, store.Sort{Field: fieldStartTime, Desc: true})
}

// ListPendingForDevice 某个传感器上还没开始的任务，按开始时间正序
func (j *JobStore) ListPendingForDevice(ctx context.Context, sensorName string) ([]model.FixedJob, error) {
	if !model.ValidName(sensorName) {
		return nil, validationError(entitySensor, sensorName, "name uses disallowed characters")
	}
	return j.findMany(ctx,
		store.Filter{store.Has(fieldSensors, sensorName), store.Eq(fieldStatus, model.JobPending)},
		store.Sort{Field: fieldStartTime})
}

func (j *JobStore) GetByID(ctx context.Context, id string) (model.FixedJob, error) {
	return j.findOne(ctx, store.Filter{store.Eq(store.IDField, id)}, id)
}

func (j *JobStore) GetByName(ctx context.Context, name string) (model.FixedJob, error) {
	return j.findOne(ctx, store.Filter{store.Eq(fieldJobName, name)}, name)
}

// resolve 先按名称，再按 id
func (j *JobStore) resolve(ctx context.Context, identifier string) (model.FixedJob, error) {
	job, err := j.GetByName(ctx, identifier)
	if !errors.Is(err, ErrNotFound) {
		return job, err
	}
	return j.GetByID(ctx, identifier)
}

func (j *JobStore) findOne(ctx context.Context, f store.Filter, ref string) (model.FixedJob, error) {
	doc, err := j.coll.FindOne(ctx, f)
	if errors.Is(err, store.ErrNoDocument) {
		return model.FixedJob{}, notFoundError(entityJob, ref)
	}
	if err != nil {
		return model.FixedJob{}, err
	}
	return decodeJob(doc)
}

func (j *JobStore) findMany(ctx context.Context, f store.Filter, sorts ...store.Sort) ([]model.FixedJob, error) {
	docs, err := j.coll.FindMany(ctx, f, sorts...)
	if err != nil {
		return nil, err
	}
	out := make([]model.FixedJob, 0, len(docs))
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func decodeJob(doc store.Doc) (model.FixedJob, error) {
	var job model.FixedJob
	if err := store.Decode(doc, &job); err != nil {
		return job, err
	}
	if job.Sensors == nil {
		job.Sensors = []string{}
	}
	if job.States == nil {
		job.States = map[string]model.DeviceState{}
	}
	return job, nil
}
