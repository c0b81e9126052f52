package model

import (
	"fmt"
	"strings"
)

// JobStatus 任务的聚合状态
type JobStatus string

const (
	JobPending  JobStatus = "pending"  // 等待执行，可以被分配
	JobRunning  JobStatus = "running"  // 至少一个传感器在跑
	JobFinished JobStatus = "finished" // 全部传感器完成
	JobFailed   JobStatus = "failed"   // 任一传感器失败
)

// ParseOverrideStatus 管理接口只接受 running/finished/failed 前缀
func ParseOverrideStatus(s string) (JobStatus, error) {
	st, err := ParseDeviceState(s)
	if err != nil {
		return "", err
	}
	if st.Phase == PhasePending {
		return "", fmt.Errorf("%q is not a valid status", s)
	}
	return st.Phase.Status(), nil
}

// Phase 单个传感器上的执行阶段
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseFinished
	PhaseFailed
)

var phaseNames = [...]string{
	PhasePending:  "pending",
	PhaseRunning:  "running",
	PhaseFinished: "finished",
	PhaseFailed:   "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Status 阶段名与聚合状态同名
func (p Phase) Status() JobStatus {
	return JobStatus(p.String())
}

// DeviceState 传感器上报的状态。
// 传感器会在阶段名后面附带自定义后缀 (如 "finished: 12 files")，这里拆成阶段和 Detail。
type DeviceState struct {
	Phase  Phase
	Detail string
}

// ParseDeviceState 按前缀匹配阶段
func ParseDeviceState(s string) (DeviceState, error) {
	for p, name := range phaseNames {
		if strings.HasPrefix(s, name) {
			return DeviceState{Phase: Phase(p), Detail: s[len(name):]}, nil
		}
	}
	return DeviceState{}, fmt.Errorf("%q is not a valid state", s)
}

// Pending 刚分配时写入的状态
func Pending() DeviceState {
	return DeviceState{Phase: PhasePending}
}

func (s DeviceState) String() string {
	return s.Phase.String() + s.Detail
}

func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeviceState) UnmarshalText(b []byte) error {
	st, err := ParseDeviceState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// JobSpec 创建任务时调用方提供的部分
type JobSpec struct {
	Name      string            `json:"name"`
	StartTime int64             `json:"start_time"` // Unix 秒
	EndTime   int64             `json:"end_time"`
	Command   string            `json:"command"`
	Arguments map[string]string `json:"arguments"`
}

// FixedJob 有时间窗口的定时任务
type FixedJob struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	StartTime int64             `json:"start_time"`
	EndTime   int64             `json:"end_time"`
	Command   string            `json:"command"`
	Arguments map[string]string `json:"arguments"`

	// 目标传感器集合以及每个传感器的执行状态
	// 不变量：States 的 key 一定在 Sensors 里
	Sensors []string               `json:"sensors"`
	States  map[string]DeviceState `json:"states"`

	Status JobStatus `json:"status"`
}

// Targets 判断传感器是否在目标集合里
func (j *FixedJob) Targets(sensor string) bool {
	for _, s := range j.Sensors {
		if s == sensor {
			return true
		}
	}
	return false
}
