package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"timerd/internal/calendar"
	"timerd/internal/config"
	"timerd/internal/expr"
	"timerd/internal/observability/diag"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:       cfg.Logging.Level,
		Console:     cfg.Logging.Console,
		ConsoleJSON: cfg.Logging.ConsoleJSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapExecutorConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Acquisition.Enabled
	workers := 4
	queueSize := 256
	historySize := 200
	retryMax := 2
	var (
		defTimeout, maxQueueDelay                  time.Duration
		circuitBase, circuitMax, circuitResetAfter time.Duration
		trip                                       int
	)

	if ec := cfg.Executor; ec != nil {
		if ec.Enabled != nil {
			enabled = *ec.Enabled
		}
		if cfg.Acquisition.Enabled && ec.Enabled != nil && !*ec.Enabled {
			return engine.Config{}, fmt.Errorf("executor.enabled cannot be false while acquisition.enabled is true")
		}
		if ec.Workers < 0 {
			return engine.Config{}, fmt.Errorf("executor.workers must be >= 0")
		}
		if ec.QueueSize < 0 {
			return engine.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
		}
		if ec.HistorySize < 0 {
			return engine.Config{}, fmt.Errorf("executor.history_size must be >= 0")
		}
		if ec.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("executor.retry_max must be >= 0")
		}
		if ec.Workers > 0 {
			workers = ec.Workers
		}
		if ec.QueueSize > 0 {
			queueSize = ec.QueueSize
		}
		if ec.HistorySize > 0 {
			historySize = ec.HistorySize
		}
		if ec.RetryMax > 0 {
			retryMax = ec.RetryMax
		}
		trip = ec.CircuitTripFailures

		var err error
		if defTimeout, err = config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout); err != nil {
			return engine.Config{}, err
		}
		if maxQueueDelay, err = config.ParseDurationField("executor.max_queue_delay", ec.MaxQueueDelay); err != nil {
			return engine.Config{}, err
		}
		if circuitBase, err = config.ParseDurationField("executor.circuit_base_delay", ec.CircuitBaseDelay); err != nil {
			return engine.Config{}, err
		}
		if circuitMax, err = config.ParseDurationField("executor.circuit_max_delay", ec.CircuitMaxDelay); err != nil {
			return engine.Config{}, err
		}
		if circuitResetAfter, err = config.ParseDurationField("executor.circuit_reset_after", ec.CircuitResetAfter); err != nil {
			return engine.Config{}, err
		}
	}

	return engine.Config{
		Enabled:             enabled,
		Workers:             workers,
		QueueSize:           queueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         historySize,
		RetryMax:            retryMax,
		CircuitTripFailures: trip,
		CircuitBaseDelay:    circuitBase,
		CircuitMaxDelay:     circuitMax,
		CircuitResetAfter:   circuitResetAfter,
	}, nil
}

func mapAcquisitionConfig(cfg *config.Config) (scheduler.Config, error) {
	ac := cfg.Acquisition
	if ac.BatchSize < 0 {
		return scheduler.Config{}, fmt.Errorf("acquisition.batch_size must be >= 0")
	}
	if ac.MaxFiresPerSec < 0 {
		return scheduler.Config{}, fmt.Errorf("acquisition.max_fires_per_sec must be >= 0")
	}
	if ac.Burst < 0 {
		return scheduler.Config{}, fmt.Errorf("acquisition.burst must be >= 0")
	}
	if strings.TrimSpace(ac.Poll) != "" {
		if _, err := scheduler.ParseSchedule(ac.Poll); err != nil {
			return scheduler.Config{}, fmt.Errorf("acquisition.poll: %w", err)
		}
	}
	if _, err := loadLocation("acquisition.timezone", ac.Timezone); err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationField("acquisition.lock_lease", ac.LockLease)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryWait, err := config.ParseDurationField("acquisition.retry_wait", ac.RetryWait)
	if err != nil {
		return scheduler.Config{}, err
	}
	fireTimeout, err := config.ParseDurationField("acquisition.fire_timeout", ac.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        ac.Enabled,
		Poll:           strings.TrimSpace(ac.Poll),
		Timezone:       strings.TrimSpace(ac.Timezone),
		BatchSize:      ac.BatchSize,
		LockOwner:      strings.TrimSpace(ac.LockOwner),
		LockLease:      lease,
		RetryWait:      retryWait,
		FireTimeout:    fireTimeout,
		MaxFiresPerSec: ac.MaxFiresPerSec,
		Burst:          ac.Burst,
	}, nil
}

func mapCalendarConfig(cfg *config.Config) (calendar.Config, error) {
	cc := cfg.Calendar
	loc, err := loadLocation("calendar.timezone", cc.Timezone)
	if err != nil {
		return calendar.Config{}, err
	}
	out := calendar.Config{Location: loc, SkipNonWorkdays: cc.SkipNonWorkdays}
	for _, raw := range cc.Workdays {
		wd, err := calendar.ParseWeekday(raw)
		if err != nil {
			return calendar.Config{}, fmt.Errorf("calendar.workdays: %w", err)
		}
		out.Workdays = append(out.Workdays, wd)
	}
	for i, h := range cc.Holidays {
		hol, err := parseHoliday(h)
		if err != nil {
			return calendar.Config{}, fmt.Errorf("calendar.holidays[%d]: %w", i, err)
		}
		out.Holidays = append(out.Holidays, hol)
	}
	return out, nil
}

// parseHoliday accepts "MM-DD" (every year) or "YYYY-MM-DD".
func parseHoliday(h config.HolidayConfig) (calendar.Holiday, error) {
	parts := strings.Split(strings.TrimSpace(h.Date), "-")
	var year, month, day int
	var err error
	switch len(parts) {
	case 2:
		month, err = strconv.Atoi(parts[0])
		if err == nil {
			day, err = strconv.Atoi(parts[1])
		}
	case 3:
		year, err = strconv.Atoi(parts[0])
		if err == nil {
			month, err = strconv.Atoi(parts[1])
		}
		if err == nil {
			day, err = strconv.Atoi(parts[2])
		}
		if err == nil && year <= 0 {
			err = fmt.Errorf("year must be positive")
		}
	default:
		return calendar.Holiday{}, fmt.Errorf("invalid date %q (want MM-DD or YYYY-MM-DD)", h.Date)
	}
	if err != nil {
		return calendar.Holiday{}, fmt.Errorf("invalid date %q: %w", h.Date, err)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return calendar.Holiday{}, fmt.Errorf("invalid date %q", h.Date)
	}
	return calendar.Holiday{Name: strings.TrimSpace(h.Name), Month: time.Month(month), Day: day, Year: year}, nil
}

func mapExpressionConfig(cfg *config.Config) (expr.Config, error) {
	timeout, err := config.ParseDurationField("expression.timeout", cfg.Expression.Timeout)
	if err != nil {
		return expr.Config{}, err
	}
	return expr.Config{Timeout: timeout}, nil
}

func mapDebugConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	if dc.MutexProfileFraction < 0 || dc.BlockProfileRate < 0 {
		return diag.Config{}, fmt.Errorf("debug profile rates must be >= 0")
	}
	return diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}, nil
}

func loadLocation(path, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return loc, nil
}

// validateConfig rejects a config before it is committed, so a bad hot
// reload keeps the previous one.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	_, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Acquisition.Enabled && !storageOn {
		return fmt.Errorf("acquisition.enabled requires storage")
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAcquisitionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCalendarConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExpressionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}
