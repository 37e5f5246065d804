// Package syncer reconciles the local roster and clock log with the remote
// service on a fixed cadence. Every step is best-effort: a failed pull leaves
// the watermark where it was, a failed upload leaves the event pending, and
// the loop always survives to the next cycle.
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rfidgate/gate-controller/internal/auth"
	"rfidgate/gate-controller/internal/metrics"
	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
)

const (
	defaultInterval = 60 * time.Second

	// defaultYield is the pause between record writes, so a large pull does
	// not monopolize the store against the access decision path.
	defaultYield = 100 * time.Millisecond
)

// Syncer runs the periodic reconciliation loop.
type Syncer struct {
	store    *store.Store
	session  *auth.Session
	logger   *slog.Logger
	interval time.Duration
	yield    time.Duration
	now      func() time.Time
}

// New constructs a syncer with the default 60 s cadence.
func New(st *store.Store, session *auth.Session, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:    st,
		session:  session,
		logger:   logger,
		interval: defaultInterval,
		yield:    defaultYield,
		now:      time.Now,
	}
}

// WithInterval overrides the cycle cadence.
func (s *Syncer) WithInterval(d time.Duration) *Syncer {
	s.interval = d
	return s
}

// WithYield overrides the between-record pause.
func (s *Syncer) WithYield(d time.Duration) *Syncer {
	s.yield = d
	return s
}

// Run cycles until the context is cancelled. Cycle failures are logged and
// retried at the next cadence; they never stop the loop.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("sync cycle failed", "error", err)
			metrics.SyncCycles.WithLabelValues("error").Inc()
		} else {
			metrics.SyncCycles.WithLabelValues("ok").Inc()
		}

		if err := wait(ctx, s.interval); err != nil {
			return err
		}
	}
}

// Cycle runs one reconciliation pass: guarded pulls for employees and logs,
// watermark advance, then upload of the pending clock queue. Step failures
// are collected rather than aborting the remaining steps.
func (s *Syncer) Cycle(ctx context.Context) error {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	if cfg.LastAuthUTC == 0 {
		s.logger.Debug("skipping sync, device not paired")
		return nil
	}

	watermark := cfg.LastSyncUTC
	candidate := watermark
	var errs []error

	if wm, err := s.pullEmployees(ctx, cfg, watermark); err != nil {
		errs = append(errs, fmt.Errorf("pull employees: %w", err))
	} else if wm > candidate {
		candidate = wm
	}

	if wm, err := s.pullLogs(ctx, cfg, watermark); err != nil {
		errs = append(errs, fmt.Errorf("pull logs: %w", err))
	} else if wm > candidate {
		candidate = wm
	}

	if err := s.store.SetLastSync(ctx, candidate); err != nil {
		errs = append(errs, err)
	}

	if err := s.uploadPending(ctx, cfg); err != nil {
		errs = append(errs, fmt.Errorf("upload clock events: %w", err))
	}

	return errors.Join(errs...)
}

type employeeRecord struct {
	EmployeeID     string  `json:"EmployeeID"`
	Rfid           string  `json:"Rfid"`
	RfidCode       string  `json:"RfidCode"`
	Startdate      string  `json:"Startdate"`
	Termdate       *string `json:"Termdate"`
	Supervisor     bool    `json:"Supervisor"`
	CreatedDateUTC int64   `json:"CreatedDateUTC"`
	UpdatedDateUTC int64   `json:"UpdatedDateUTC"`
	DeletedDateUTC int64   `json:"DeletedDateUTC"`
	ServerDateUTC  int64   `json:"ServerDateUTC"`
}

type employeesResponse struct {
	Employees []employeeRecord `json:"Employees"`
}

// pullEmployees fetches roster changes after the watermark and upserts them,
// returning the highest server revision seen.
func (s *Syncer) pullEmployees(ctx context.Context, cfg model.Config, after int64) (int64, error) {
	var payload employeesResponse
	if err := s.pull(ctx, cfg, "/employees", after, &payload); err != nil {
		return 0, err
	}

	max := after
	for _, rec := range payload.Employees {
		emp := model.Employee{
			EmployeeID:     rec.EmployeeID,
			Rfid:           rec.Rfid,
			RfidCode:       rec.RfidCode,
			Startdate:      rec.Startdate,
			Termdate:       rec.Termdate,
			Supervisor:     rec.Supervisor,
			CreatedDateUTC: rec.CreatedDateUTC,
			UpdatedDateUTC: rec.UpdatedDateUTC,
			DeletedDateUTC: rec.DeletedDateUTC,
			ServerDateUTC:  rec.ServerDateUTC,
		}
		if err := s.upsertEmployee(ctx, emp); err != nil {
			return max, err
		}
		if rec.ServerDateUTC > max {
			max = rec.ServerDateUTC
		}
		if err := wait(ctx, s.yield); err != nil {
			return max, err
		}
	}
	return max, nil
}

// upsertEmployee preserves locally tracked transit state: the remote roster
// carries no last-transit fields, so an update keeps the cached ones. Only a
// genuinely absent row skips the carry-over; a failed lookup propagates, so
// transit state is never clobbered by a transient store error.
func (s *Syncer) upsertEmployee(ctx context.Context, emp model.Employee) error {
	existing, err := s.store.EmployeeByID(ctx, emp.EmployeeID)
	switch {
	case err == nil:
		emp.LogType = existing.LogType
		emp.LogDateUTC = existing.LogDateUTC
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}
	return s.store.UpsertEmployee(ctx, emp)
}

type personRecord struct {
	PersonID   string `json:"PersonID"`
	PersonRFID string `json:"PersonRFID"`
}

type logRecord struct {
	TransactionID  string         `json:"TransactionID"`
	LogType        int            `json:"LogType"`
	People         []personRecord `json:"People"`
	CreatedDateUTC int64          `json:"CreatedDateUTC"`
	UpdatedDateUTC int64          `json:"UpdatedDateUTC"`
	DeletedDateUTC int64          `json:"DeletedDateUTC"`
	ServerDateUTC  int64          `json:"ServerDateUTC"`
}

type logsResponse struct {
	Logs []logRecord `json:"Logs"`
}

// pullLogs fetches remote-originated clock events after the watermark. The
// employee reference comes from the embedded people list when present; an
// event for a not-yet-synced employee keeps an empty reference.
func (s *Syncer) pullLogs(ctx context.Context, cfg model.Config, after int64) (int64, error) {
	var payload logsResponse
	if err := s.pull(ctx, cfg, "/logs", after, &payload); err != nil {
		return 0, err
	}

	max := after
	for _, rec := range payload.Logs {
		ev := model.ClockEvent{
			TransactionID:  rec.TransactionID,
			LogType:        model.LogType(rec.LogType),
			CreatedDateUTC: rec.CreatedDateUTC,
			UpdatedDateUTC: rec.UpdatedDateUTC,
			DeletedDateUTC: rec.DeletedDateUTC,
			ServerDateUTC:  rec.ServerDateUTC,
		}
		if len(rec.People) > 0 {
			ev.EmployeeID = rec.People[0].PersonID
			ev.EmployeeRFID = rec.People[0].PersonRFID
		}
		if err := s.store.UpsertClockEvent(ctx, ev); err != nil {
			return max, err
		}
		if rec.ServerDateUTC > max {
			max = rec.ServerDateUTC
		}
		if err := wait(ctx, s.yield); err != nil {
			return max, err
		}
	}
	return max, nil
}

func (s *Syncer) pull(ctx context.Context, cfg model.Config, path string, after int64, out any) error {
	url := strings.TrimSuffix(cfg.APIBase, "/") + path + "?after=" + strconv.FormatInt(after, 10)
	resp, err := s.session.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// uploadPending pushes every unacknowledged clock event, one at a time. The
// wire format is a JSON array holding one record with every value serialized
// as a string. A failed upload stays pending for the next cycle.
func (s *Syncer) uploadPending(ctx context.Context, cfg model.Config) error {
	events, err := s.store.PendingClockEvents(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, ev := range events {
		body, err := json.Marshal([]map[string]string{stringifyClockEvent(ev)})
		if err != nil {
			errs = append(errs, fmt.Errorf("encode clock %s: %w", ev.TransactionID, err))
			continue
		}

		resp, err := s.session.Do(ctx, http.MethodPost, strings.TrimSuffix(cfg.APIBase, "/")+"/clock", body)
		if err != nil {
			metrics.ClockUploads.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("upload clock %s: %w", ev.TransactionID, err))
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if err := s.store.MarkClockUploaded(ctx, ev.TransactionID, s.now().UTC().UnixMilli()); err != nil {
				errs = append(errs, err)
			} else {
				metrics.ClockUploads.WithLabelValues("ok").Inc()
				s.logger.Info("clock event uploaded", "transaction", ev.TransactionID)
			}
		} else {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			metrics.ClockUploads.WithLabelValues("rejected").Inc()
			s.logger.Warn("clock upload rejected",
				"transaction", ev.TransactionID, "status", resp.StatusCode, "body", string(msg))
		}
		resp.Body.Close()

		if err := wait(ctx, s.yield); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

func stringifyClockEvent(ev model.ClockEvent) map[string]string {
	return map[string]string{
		"TransactionID":  ev.TransactionID,
		"LogType":        strconv.Itoa(int(ev.LogType)),
		"EmployeeID":     ev.EmployeeID,
		"EmployeeRFID":   ev.EmployeeRFID,
		"SerialNumber":   ev.SerialNumber,
		"CreatedDateUTC": strconv.FormatInt(ev.CreatedDateUTC, 10),
		"UpdatedDateUTC": strconv.FormatInt(ev.UpdatedDateUTC, 10),
		"DeletedDateUTC": strconv.FormatInt(ev.DeletedDateUTC, 10),
		"ServerDateUTC":  strconv.FormatInt(ev.ServerDateUTC, 10),
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
