package noop

import "github.com/AnishMulay/sandmirror/internal/log_service"

// NoopLogService drops every event. Used by tools and tests.
type NoopLogService struct{}

func NewNoopLogService() *NoopLogService {
	return &NoopLogService{}
}

func (NoopLogService) Debug(log_service.LogEvent) {}
func (NoopLogService) Info(log_service.LogEvent)  {}
func (NoopLogService) Warn(log_service.LogEvent)  {}
func (NoopLogService) Error(log_service.LogEvent) {}

var _ log_service.LogService = (*NoopLogService)(nil)
