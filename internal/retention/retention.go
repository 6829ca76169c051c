// Package retention periodically prunes storage residue that accumulates
// during normal operation: old edit-history versions and acknowledged
// temp-id mappings past their horizon. Committed messages are never touched.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"suchak/pkg/config"
	"suchak/pkg/logger"
	"suchak/pkg/outbox"
	"suchak/pkg/store"
)

// Start launches the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, st *store.Store, cfg *config.Config) (context.CancelFunc, error) {
	ret := cfg.Retention
	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	versionAge, err := parseAge(ret.MaxVersionAge, 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid max_version_age: %w", err)
	}
	ackAge, err := parseAge(ret.MaxAckAge, 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid max_ack_age: %w", err)
	}

	logger.Info("retention_enabled", "cron", cronExpr,
		"max_version_age", versionAge.String(), "max_ack_age", ackAge.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, cronExpr, versionAge, ackAge)
	return cancel, nil
}

func parseAge(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// runScheduler sleeps until the next cron tick and triggers a sweep, until
// the context is cancelled.
func runScheduler(ctx context.Context, st *store.Store, cronExpr string, versionAge, ackAge time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(st, versionAge, ackAge); err != nil {
				logger.Error("retention_run_error", "err", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce executes a single sweep. Exported so tests and admin tooling can
// trigger runs without the scheduler.
func RunOnce(st *store.Store, versionAge, ackAge time.Duration) error {
	now := time.Now().UTC().UnixNano()
	versions, err := sweepVersions(st, now-versionAge.Nanoseconds())
	if err != nil {
		return err
	}
	acks, err := sweepAckMappings(st, now-ackAge.Nanoseconds())
	if err != nil {
		return err
	}
	logger.Info("retention_swept", "versions", versions, "ack_mappings", acks)
	return nil
}

// sweepVersions removes edit-history versions recorded before horizon. The
// version timestamp is encoded in the key's final segment.
func sweepVersions(st *store.Store, horizon int64) (int, error) {
	var stale []string
	err := st.ScanPrefix("version:msg:", func(key string, _ []byte) (bool, error) {
		i := strings.LastIndex(key, ":")
		if i < 0 {
			return true, nil
		}
		ts, perr := strconv.ParseInt(key[i+1:], 10, 64)
		if perr != nil {
			logger.Warn("retention_bad_version_key", "key", key)
			return true, nil
		}
		if ts < horizon {
			stale = append(stale, key)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if derr := st.DeleteKey(k); derr != nil {
			return 0, derr
		}
	}
	return len(stale), nil
}

// sweepAckMappings removes acknowledged temp-id mappings older than horizon.
// By then every client has re-keyed its optimistic rows.
func sweepAckMappings(st *store.Store, horizon int64) (int, error) {
	var stale []string
	err := st.ScanPrefix(outbox.MapKeyPrefix, func(key string, val []byte) (bool, error) {
		var ref outbox.AckRef
		if uerr := json.Unmarshal(val, &ref); uerr != nil {
			logger.Warn("retention_bad_ack_mapping", "key", key)
			return true, nil
		}
		if ref.AckedTS > 0 && ref.AckedTS < horizon {
			stale = append(stale, key)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if derr := st.DeleteKey(k); derr != nil {
			return 0, derr
		}
	}
	return len(stale), nil
}
