package coordinator

import "discosat/pkg/model"

// Aggregate 根据各传感器的状态推导任务状态，优先级：
//  1. 任一 failed        -> failed
//  2. 全部 finished      -> finished
//  3. 任一 running       -> running
//  4. 否则保持 current
//
// 空 map 没有任何信息，保持 current。
func Aggregate(states map[string]model.DeviceState, current model.JobStatus) model.JobStatus {
	if len(states) == 0 {
		return current
	}

	failed, finished, running := false, true, false
	for _, s := range states {
		switch s.Phase {
		case model.PhaseFailed:
			failed = true
		case model.PhaseRunning:
			running = true
		}
		if s.Phase != model.PhaseFinished {
			finished = false
		}
	}

	switch {
	case failed:
		return model.JobFailed
	case finished:
		return model.JobFinished
	case running:
		return model.JobRunning
	}
	return current
}
