package localdisc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AnishMulay/sandmirror/internal/log_service"
	"github.com/rs/zerolog"
)

type LocalDiscLogService struct {
	nodeID        string
	mu            sync.Mutex
	logger        zerolog.Logger
	closer        io.Closer
	minLevel      int
	filterEnabled bool
}

// NewLocalDiscLogService appends JSON lines to <logDir>/<nodeID>.log.
func NewLocalDiscLogService(logDir string, nodeID string, minLogLevel ...string) (*LocalDiscLogService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(logDir, fmt.Sprintf("%s.log", nodeID))
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	service := NewWriterLogService(file, nodeID, minLogLevel...)
	service.closer = file
	return service, nil
}

// NewWriterLogService logs to an arbitrary writer, e.g. os.Stderr for tools.
func NewWriterLogService(w io.Writer, nodeID string, minLogLevel ...string) *LocalDiscLogService {
	service := &LocalDiscLogService{
		nodeID:        nodeID,
		logger:        zerolog.New(w).With().Timestamp().Str("node", nodeID).Logger(),
		filterEnabled: true,
		minLevel:      log_service.DebugLevelValue,
	}

	if len(minLogLevel) > 0 && minLogLevel[0] != "" {
		service.SetMinLogLevel(minLogLevel[0])
	}
	return service
}

func (ls *LocalDiscLogService) SetMinLogLevel(level string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.minLevel = log_service.GetLevelValue(strings.ToUpper(strings.TrimSpace(level)))
	ls.filterEnabled = true
}

func (ls *LocalDiscLogService) DisableFiltering() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.filterEnabled = false
}

func (ls *LocalDiscLogService) Close() error {
	if ls.closer == nil {
		return nil
	}
	return ls.closer.Close()
}

func (ls *LocalDiscLogService) shouldLog(level string) bool {
	if !ls.filterEnabled {
		return true
	}
	return log_service.GetLevelValue(level) >= ls.minLevel
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case log_service.InfoLevel:
		return zerolog.InfoLevel
	case log_service.WarnLevel:
		return zerolog.WarnLevel
	case log_service.ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}

func (ls *LocalDiscLogService) log(level string, event log_service.LogEvent) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if !ls.shouldLog(level) {
		return
	}

	e := ls.logger.WithLevel(zerologLevel(level))
	if !event.Timestamp.IsZero() {
		e = e.Time("eventTime", event.Timestamp)
	}
	if len(event.Metadata) > 0 {
		e = e.Fields(event.Metadata)
	}
	e.Msg(event.Message)
}

func (ls *LocalDiscLogService) Debug(event log_service.LogEvent) {
	ls.log(log_service.DebugLevel, event)
}

func (ls *LocalDiscLogService) Info(event log_service.LogEvent) {
	ls.log(log_service.InfoLevel, event)
}

func (ls *LocalDiscLogService) Warn(event log_service.LogEvent) {
	ls.log(log_service.WarnLevel, event)
}

func (ls *LocalDiscLogService) Error(event log_service.LogEvent) {
	ls.log(log_service.ErrorLevel, event)
}

var _ log_service.LogService = (*LocalDiscLogService)(nil)
