package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timerd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes secrets like the debug token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage: nil means disabled. Only whether a path is set is logged.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	oE, nE := derefExecutor(oldCfg.Executor), derefExecutor(newCfg.Executor)
	if (oldCfg.Executor != nil) != (newCfg.Executor != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "executor")
		enabled := newCfg.Acquisition.Enabled
		if nE.Enabled != nil {
			enabled = *nE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("executor.present", newCfg.Executor != nil),
			logx.Bool("executor.enabled", enabled),
			logx.Int("executor.workers", nE.Workers),
			logx.Int("executor.queue_size", nE.QueueSize),
			logx.String("executor.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
			logx.Int("executor.retry_max", nE.RetryMax),
			logx.Int("executor.circuit_trip_failures", nE.CircuitTripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Acquisition, newCfg.Acquisition) {
		changed = append(changed, "acquisition")
		a := newCfg.Acquisition
		attrs = append(attrs,
			logx.Bool("acquisition.enabled", a.Enabled),
			logx.String("acquisition.poll", strings.TrimSpace(a.Poll)),
			logx.String("acquisition.timezone", strings.TrimSpace(a.Timezone)),
			logx.Int("acquisition.batch_size", a.BatchSize),
			logx.String("acquisition.lock_lease", strings.TrimSpace(a.LockLease)),
			logx.String("acquisition.retry_wait", strings.TrimSpace(a.RetryWait)),
			logx.Any("acquisition.max_fires_per_sec", a.MaxFiresPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		changed = append(changed, "calendar")
		c := newCfg.Calendar
		attrs = append(attrs,
			logx.String("calendar.timezone", strings.TrimSpace(c.Timezone)),
			logx.Bool("calendar.skip_non_workdays", c.SkipNonWorkdays),
			logx.Int("calendar.workdays", len(c.Workdays)),
			logx.Int("calendar.holidays", len(c.Holidays)),
		)
	}

	if oldCfg.Expression != newCfg.Expression {
		changed = append(changed, "expression")
		attrs = append(attrs, logx.String("expression.timeout", strings.TrimSpace(newCfg.Expression.Timeout)))
	}

	// Debug server: never log the token itself.
	if oldCfg.Debug != newCfg.Debug {
		nD := newCfg.Debug
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Bool("debug.allow_insecure", nD.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefExecutor(e *ExecutorConfig) ExecutorConfig {
	if e == nil {
		return ExecutorConfig{}
	}
	return *e
}
