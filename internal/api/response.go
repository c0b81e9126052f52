package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"discosat/internal/coordinator"
)

// Response 成功时的统一包装
type Response struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
}

// ErrorResponse 失败时的统一包装
type ErrorResponse struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func ok(c *fiber.Ctx, data any, message string) error {
	if data == nil {
		data = ""
	}
	return c.JSON(Response{Data: data, Message: message})
}

func badRequest(detail string) error {
	return fiber.NewError(fiber.StatusBadRequest, detail)
}

// statusOf 把 coordinator 的错误分类映射成 HTTP 状态码
func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, coordinator.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, coordinator.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, coordinator.ErrReferential):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	detail := err.Error()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		detail = fe.Message
	}
	return c.Status(code).JSON(ErrorResponse{Code: code, Detail: detail})
}
