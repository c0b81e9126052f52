package api

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"discosat/pkg/model"
)

func (s *Server) registerJobRoutes(g fiber.Router) {
	g.Get("/", s.listJobs)
	g.Post("/", s.createJob)
	g.Delete("/", s.removeJob)

	g.Get("/sensor/:name", s.pendingJobsForSensor)
	g.Get("/job_id/:id", s.getJob)

	g.Put("/status", s.overrideStatus)
	g.Put("/update/:job", s.reportState)

	// 旧版传感器使用的路径
	g.Get("/:name", s.pendingJobsForSensor)
	g.Put("/:sensor_name", s.reportStateLegacy)
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	jobs, err := s.engine.Jobs.List(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, jobs, "Retrieved fixed jobs")
}

func (s *Server) createJob(c *fiber.Ctx) error {
	var spec model.JobSpec
	if err := json.Unmarshal(c.Body(), &spec); err != nil {
		return badRequest(fmt.Sprintf("malformed fixed job: %v", err))
	}
	job, err := s.engine.Jobs.Create(c.UserContext(), spec)
	if err != nil {
		return err
	}
	return ok(c, job, "Fixed job added successfully.")
}

func (s *Server) removeJob(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return badRequest("query parameter name is required")
	}
	if _, err := s.engine.Jobs.Remove(c.UserContext(), name); err != nil {
		return err
	}
	return ok(c, nil, "Delete fixed job successful")
}

func (s *Server) pendingJobsForSensor(c *fiber.Ctx) error {
	jobs, err := s.engine.Jobs.ListPendingForDevice(c.UserContext(), c.Params("name"))
	if err != nil {
		return err
	}
	return ok(c, jobs, "Retrieved fixed jobs")
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.engine.Jobs.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, job, "Retrieved fixed job")
}

func (s *Server) overrideStatus(c *fiber.Ctx) error {
	name, status := c.Query("job_name"), c.Query("status")
	if name == "" || status == "" {
		return badRequest("query parameters job_name and status are required")
	}
	if err := s.engine.Jobs.SetStatusOverride(c.UserContext(), name, status); err != nil {
		return err
	}
	return ok(c, nil, "Status update successful")
}

func (s *Server) reportState(c *fiber.Ctx) error {
	return s.report(c, c.Params("job"), c.Query("sensor_name"))
}

func (s *Server) reportStateLegacy(c *fiber.Ctx) error {
	return s.report(c, c.Query("job_name"), c.Params("sensor_name"))
}

func (s *Server) report(c *fiber.Ctx, job, sensor string) error {
	status := c.Query("status")
	if job == "" || sensor == "" || status == "" {
		return badRequest("job, sensor_name and status are required")
	}
	updated, err := s.engine.ReportDeviceState(c.UserContext(), job, sensor, status)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"status": updated.Status}, "Status update successful")
}
