package coordinator

import (
	"errors"
	"fmt"
)

// 错误分类，调用方用 errors.Is 判断
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("already exists")
	ErrNotFound    = errors.New("not found")
	ErrReferential = errors.New("invalid reference")
)

// Error 带上实体信息的类型化错误
type Error struct {
	Kind   error  // 上面四个之一
	Entity string // "sensor" / "fixed job"
	Name   string
	Detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %q: %v", e.Entity, e.Name, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func validationError(entity, name, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Entity: entity, Name: name, Detail: fmt.Sprintf(format, args...)}
}

func conflictError(entity, name string) error {
	return &Error{Kind: ErrConflict, Entity: entity, Name: name}
}

func notFoundError(entity, name string) error {
	return &Error{Kind: ErrNotFound, Entity: entity, Name: name, Detail: "Not found"}
}

func referentialError(entity, name, format string, args ...any) error {
	return &Error{Kind: ErrReferential, Entity: entity, Name: name, Detail: fmt.Sprintf(format, args...)}
}

const (
	entitySensor = "sensor"
	entityJob    = "fixed job"
)
