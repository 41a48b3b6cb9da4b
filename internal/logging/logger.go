// Package logging provides config-driven categorized file-based logging for
// agentcrew. Logs are written to .agentcrew/logs/ with separate files per
// category. When debug mode is off, no files are written at all.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, wiring, orphan recovery
	CategoryConfig       Category = "config"       // Configuration loading and validation
	CategoryProvider     Category = "provider"     // Provider registry, validation, invocation
	CategoryRouter       Category = "router"       // Routing decisions and fallbacks
	CategoryBudget       Category = "budget"       // Spend accounting, caps, alerts
	CategoryWorktree     Category = "worktree"     // Worktree lifecycle, locks, change capture
	CategoryTasks        Category = "tasks"        // Hierarchy store mutations, ready queue
	CategoryPipeline     Category = "pipeline"     // Stage execution, checkpoints, approvals
	CategoryOrchestrator Category = "orchestrator" // Facade operations
)

// Log levels.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Settings controls what gets logged. The orchestrator pushes it in from the
// parsed configuration, which keeps this package free of a dependency on
// config (it is imported from everywhere).
type Settings struct {
	DebugMode  bool
	Categories map[string]bool // empty means all categories enabled
	Level      string          // debug, info, warn, error
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	setMu     sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory under the workspace.
// Must be called before any logging occurs; safe to call multiple times.
func Initialize(workspace string) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	dir := filepath.Join(workspace, ".agentcrew", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs dir: %w", err)
	}
	logsDir = dir
	return nil
}

// Configure applies logging settings. Called by the orchestrator once the
// configuration is known; before that, logging is a no-op.
func Configure(s Settings) {
	setMu.Lock()
	defer setMu.Unlock()
	settings = s
	switch s.Level {
	case "debug", "":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// IsDebugMode reports whether debug logging is active.
func IsDebugMode() bool {
	setMu.RLock()
	defer setMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled reports whether a category should be logged.
func IsCategoryEnabled(category Category) bool {
	setMu.RLock()
	defer setMu.RUnlock()
	if !settings.DebugMode {
		return false
	}
	if len(settings.Categories) == 0 {
		return true
	}
	return settings.Categories[string(category)]
}

// Get returns the logger for a category, creating it on first use.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] "+format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] "+format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] "+format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] "+format, args...)
}

// CloseAll closes all open log files. Called on shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions per category.

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Config(format string, args ...interface{})      { Get(CategoryConfig).Info(format, args...) }
func ConfigDebug(format string, args ...interface{}) { Get(CategoryConfig).Debug(format, args...) }

func Provider(format string, args ...interface{})      { Get(CategoryProvider).Info(format, args...) }
func ProviderDebug(format string, args ...interface{}) { Get(CategoryProvider).Debug(format, args...) }

func Router(format string, args ...interface{})      { Get(CategoryRouter).Info(format, args...) }
func RouterDebug(format string, args ...interface{}) { Get(CategoryRouter).Debug(format, args...) }

func Budget(format string, args ...interface{})      { Get(CategoryBudget).Info(format, args...) }
func BudgetDebug(format string, args ...interface{}) { Get(CategoryBudget).Debug(format, args...) }

func Worktree(format string, args ...interface{})      { Get(CategoryWorktree).Info(format, args...) }
func WorktreeDebug(format string, args ...interface{}) { Get(CategoryWorktree).Debug(format, args...) }

func Tasks(format string, args ...interface{})      { Get(CategoryTasks).Info(format, args...) }
func TasksDebug(format string, args ...interface{}) { Get(CategoryTasks).Debug(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }

func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

// Timer measures operation durations.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
