package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

const archiveLockTTL = 30 * time.Minute

// Archiver copies the previous month's sync logs to cold storage on a cron
// schedule. With a lock manager, only one instance archives a given month.
type Archiver struct {
	blobArchiver domain.Archiver
	locks        domain.LockManager
	logger       *slog.Logger
	now          func() time.Time
}

// NewArchiver creates a new Archiver. locks may be nil on a single node.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		locks:        locks,
		logger:       logger.With(slog.String("component", "archiver")),
		now:          time.Now,
	}
}

// Run archives the calendar month (UTC) before the current one.
func (a *Archiver) Run(ctx context.Context) error {
	now := a.now().UTC()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return a.RunMonth(ctx, month)
}

// RunMonth archives the sync logs started in month.
func (a *Archiver) RunMonth(ctx context.Context, month time.Time) error {
	label := month.Format("2006-01")
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "brokersync:archive:"+label, archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archiver: another instance holds the month", slog.String("month", label))
			return nil
		}
		if err != nil {
			return fmt.Errorf("archiver: lock %s: %w", label, err)
		}
		defer unlock()
	}

	a.logger.InfoContext(ctx, "archiver: run started", slog.String("month", label))
	n, err := a.blobArchiver.ArchiveSyncLogs(ctx, month)
	if err != nil {
		return fmt.Errorf("archiver: sync logs %s: %w", label, err)
	}
	a.logger.InfoContext(ctx, "archiver: run complete",
		slog.String("month", label),
		slog.Int64("sync_logs", n),
	)
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
//
// Example: "0 3 1 * *" runs at 03:00 UTC on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver: cron started", slog.String("cron", cronExpr))

	for {
		next, err := cron.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver: waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archiver: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values one cron field matches.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

func (f cronField) matches(val int) bool {
	return f.wildcard || f.values[val]
}

// parseCronField parses one field: "*", "5", "1,15", "1-5", "*/15" or
// "10-50/20".
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	f := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			v, err := strconv.Atoi(stepStr)
			if err != nil || v <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step = v
		}

		start, end := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err1, err2 error
			start, err1 = strconv.Atoi(a)
			end, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			start, end = v, v
			if hasStep {
				end = hi
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			f.values[v] = true
		}
	}
	return f, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var parsed [5]cronField
	for i, f := range fields {
		v, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = v
	}
	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// next returns the first matching minute strictly after after. It searches
// up to one year ahead.
func (c parsedCron) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no matching time within one year")
}

// ValidateCron reports whether expr is a usable schedule.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}
