package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"discosat/internal/coordinator"
	"discosat/pkg/model"
)

// Coordinator 传感器端用到的 coordinator 能力
type Coordinator interface {
	Register(ctx context.Context, name string) error
	ReportTelemetry(ctx context.Context, name string, fields map[string]string) error
	PendingJobs(ctx context.Context, name string) ([]model.FixedJob, error)
}

// LocalClient 同进程直接调用 Engine
type LocalClient struct {
	Engine *coordinator.Engine
}

func (l LocalClient) Register(ctx context.Context, name string) error {
	_, err := l.Engine.Devices.Register(ctx, name)
	return err
}

func (l LocalClient) ReportTelemetry(ctx context.Context, name string, fields map[string]string) error {
	return l.Engine.Devices.SetTelemetry(ctx, name, fields)
}

func (l LocalClient) PendingJobs(ctx context.Context, name string) ([]model.FixedJob, error) {
	return l.Engine.Jobs.ListPendingForDevice(ctx, name)
}

// HTTPClient 通过 coordinator 的 HTTP 接口访问
type HTTPClient struct {
	BaseURL string
	Timeout time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Detail  string          `json:"detail"`
}

func (h *HTTPClient) Register(ctx context.Context, name string) error {
	_, err := h.do(ctx, fiber.MethodPost, "/sensors/"+url.PathEscape(name), nil)
	return err
}

func (h *HTTPClient) ReportTelemetry(ctx context.Context, name string, fields map[string]string) error {
	_, err := h.do(ctx, fiber.MethodPut, "/sensors/update/"+url.PathEscape(name), fields)
	return err
}

func (h *HTTPClient) PendingJobs(ctx context.Context, name string) ([]model.FixedJob, error) {
	data, err := h.do(ctx, fiber.MethodGet, "/fixedjobs/sensor/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	var jobs []model.FixedJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode pending jobs: %w", err)
	}
	return jobs, nil
}

// AssignJobs fleetctl 用
func (h *HTTPClient) AssignJobs(ctx context.Context, name string, jobs []string) error {
	_, err := h.do(ctx, fiber.MethodPut, "/sensors/"+url.PathEscape(name)+"/jobs", map[string][]string{"jobs": jobs})
	return err
}

func (h *HTTPClient) CreateJob(ctx context.Context, spec model.JobSpec) (model.FixedJob, error) {
	data, err := h.do(ctx, fiber.MethodPost, "/fixedjobs", spec)
	if err != nil {
		return model.FixedJob{}, err
	}
	var job model.FixedJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("decode fixed job: %w", err)
	}
	return job, nil
}

func (h *HTTPClient) ListJobs(ctx context.Context) ([]model.FixedJob, error) {
	data, err := h.do(ctx, fiber.MethodGet, "/fixedjobs", nil)
	if err != nil {
		return nil, err
	}
	var jobs []model.FixedJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode fixed jobs: %w", err)
	}
	return jobs, nil
}

func (h *HTTPClient) ListSensors(ctx context.Context) ([]model.Sensor, error) {
	data, err := h.do(ctx, fiber.MethodGet, "/sensors", nil)
	if err != nil {
		return nil, err
	}
	var sensors []model.Sensor
	if err := json.Unmarshal(data, &sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	return sensors, nil
}

// ReportState 上报本传感器在某个任务上的状态
func (h *HTTPClient) ReportState(ctx context.Context, job, sensor, state string) error {
	q := url.Values{"sensor_name": {sensor}, "status": {state}}
	_, err := h.do(ctx, fiber.MethodPut, "/fixedjobs/update/"+url.PathEscape(job)+"?"+q.Encode(), nil)
	return err
}

// do 发送请求并解开 {"data","message"} 包装。
// 错误响应映射回 coordinator 的错误分类，调用方可以用 errors.Is 判断。
func (h *HTTPClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	// Bytes 结束后 agent 会自动归还
	a := fiber.AcquireAgent()

	req := a.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(h.BaseURL + path)
	if body != nil {
		a.JSON(body)
	}
	timeout := h.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout == 0 || d < timeout {
			timeout = d
		}
	}
	if timeout > 0 {
		a.Timeout(timeout)
	}
	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return nil, err
	}

	var env envelope
	code, raw, errs := a.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s %s: %w", method, path, errors.Join(errs...))
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: status %d: malformed response", method, path, code)
	}
	if code >= 300 {
		return nil, fmt.Errorf("%s %s: %w: %s", method, path, kindOf(code), env.Detail)
	}
	return env.Data, nil
}

func kindOf(code int) error {
	switch code {
	case fiber.StatusBadRequest:
		return coordinator.ErrValidation
	case fiber.StatusNotFound:
		return coordinator.ErrNotFound
	case fiber.StatusConflict:
		return coordinator.ErrConflict
	case fiber.StatusUnprocessableEntity:
		return coordinator.ErrReferential
	}
	return fmt.Errorf("status %d", code)
}
