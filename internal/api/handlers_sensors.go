package api

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"discosat/pkg/model"
)

func (s *Server) registerSensorRoutes(g fiber.Router) {
	g.Get("/", s.listSensors)
	g.Get("/locations", s.sensorLocations)
	g.Get("/id/:id", s.getSensor)

	// /all 必须在 /:name 之前注册
	g.Put("/all", s.assignToAll)
	g.Post("/all", s.clearAll)

	g.Put("/update/:name", s.updateTelemetry)
	g.Put("/:name/jobs", s.assignJobs)
	g.Delete("/:name/jobs", s.unassignAll)

	g.Post("/:name", s.registerSensor)
	g.Delete("/:name", s.removeSensor)
}

// JobsRequest PUT /sensors/:name/jobs 和 PUT /sensors/all 的请求体
type JobsRequest struct {
	Jobs []string `json:"jobs"`
}

func (s *Server) listSensors(c *fiber.Ctx) error {
	sensors, err := s.engine.Devices.List(c.UserContext())
	if err != nil {
		return err
	}
	if len(sensors) == 0 {
		return ok(c, sensors, "Empty list returned")
	}
	return ok(c, sensors, "Sensor lists retrieved successfully")
}

func (s *Server) getSensor(c *fiber.Ctx) error {
	sensor, err := s.engine.Devices.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, sensor, "Sensor list retrieved successfully")
}

func (s *Server) registerSensor(c *fiber.Ctx) error {
	id, err := s.engine.Devices.Register(c.UserContext(), c.Params("name"))
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"id": id, "sensor_name": c.Params("name")}, "New sensor added")
}

func (s *Server) removeSensor(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := s.engine.Devices.Remove(c.UserContext(), name); err != nil {
		return err
	}
	return ok(c, name, "Sensor deleted successfully")
}

// updateTelemetry 请求体里的数字 (status_time, temperature_celsius) 转成字符串再校验
func (s *Server) updateTelemetry(c *fiber.Ctx) error {
	var body map[string]any
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return badRequest("telemetry body must be a JSON object")
	}
	fields := make(map[string]string, len(body))
	for k, v := range body {
		str, err := telemetryValue(v)
		if err != nil {
			return badRequest(fmt.Sprintf("invalid status-argument: %s: %v", k, err))
		}
		fields[k] = str
	}

	name := c.Params("name")
	if err := s.engine.Devices.SetTelemetry(c.UserContext(), name, fields); err != nil {
		return err
	}
	return ok(c, nil, "Sensor status updated")
}

func telemetryValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return "", fmt.Errorf("unsupported value %v", v)
}

func (s *Server) assignJobs(c *fiber.Ctx) error {
	var req JobsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("body must be {\"jobs\": [...]}")
	}
	name := c.Params("name")
	if err := s.engine.AssignJobs(c.UserContext(), name, req.Jobs); err != nil {
		return err
	}
	return ok(c, nil, fmt.Sprintf("Sensor list of %s updated", name))
}

func (s *Server) unassignAll(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.engine.UnassignAll(c.UserContext(), name); err != nil {
		return err
	}
	return ok(c, nil, fmt.Sprintf("Sensor list of %s cleared", name))
}

func (s *Server) assignToAll(c *fiber.Ctx) error {
	var req JobsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("body must be {\"jobs\": [...]}")
	}
	if err := s.engine.AssignJobsToAll(c.UserContext(), req.Jobs); err != nil {
		return err
	}
	return ok(c, nil, "Sensor lists updated")
}

func (s *Server) clearAll(c *fiber.Ctx) error {
	if err := s.engine.ClearAllQueues(c.UserContext()); err != nil {
		return err
	}
	return ok(c, nil, "All sensor lists cleared")
}

// LocationsResponse 地图页用
type LocationsResponse struct {
	Online  []model.Location `json:"online"`
	Offline []model.Location `json:"offline"`
}

func (s *Server) sensorLocations(c *fiber.Ctx) error {
	online, offline, err := s.engine.Devices.Locations(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, LocationsResponse{Online: online, Offline: offline}, "Location lists retrieved successfully")
}
