package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rfidgate/gate-controller/internal/metrics"
	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
)

// Controller evaluates a detected tag against the cached roster, actuates the
// gate, waits for the end-of-transit confirmation, and records the outcome.
// The timing fields default to the production values; tests shrink them.
type Controller struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	// PulsePeriod is the relay energize time and the post-denial hold.
	PulsePeriod time.Duration
	// TonePeriod is one on or off step of the denial tone.
	TonePeriod time.Duration
	// ConfirmInterval and ConfirmAttempts bound the end-of-transit wait.
	ConfirmInterval time.Duration
	ConfirmAttempts int
	// RescanWindow is the cooldown after a confirmed transit during which any
	// scan by the same employee is denied, regardless of direction.
	RescanWindow time.Duration
}

// NewController constructs a controller with production timing.
func NewController(st *store.Store, logger *slog.Logger) *Controller {
	return &Controller{
		store:           st,
		logger:          logger,
		now:             time.Now,
		PulsePeriod:     500 * time.Millisecond,
		TonePeriod:      200 * time.Millisecond,
		ConfirmInterval: 100 * time.Millisecond,
		ConfirmAttempts: 100,
		RescanWindow:    30 * time.Second,
	}
}

// Handle runs one access decision for a scanned UID on a lane. Outputs are
// released on every path, including store failures, so the gate can never be
// left energized.
func (c *Controller) Handle(ctx context.Context, uid string, lane *Lane) {
	defer func() {
		_ = lane.Relay.Write(false)
		_ = lane.Buzzer.Write(false)
	}()

	emp, err := c.store.EmployeeByRfid(ctx, uid)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRosterMiss):
			c.logger.Info("unauthorized tag", "lane", lane.label(), "uid", uid)
			metrics.AccessDecisions.WithLabelValues(metrics.OutcomeDeniedUnknown).Inc()
		case errors.Is(err, store.ErrRosterAmbiguous):
			c.logger.Warn("duplicate rfid code in roster", "lane", lane.label(), "uid", uid)
			metrics.AccessDecisions.WithLabelValues(metrics.OutcomeDeniedAmbiguous).Inc()
		default:
			c.logger.Error("roster lookup failed", "lane", lane.label(), "error", err)
			return
		}
		c.denyTone(ctx, lane)
		return
	}

	now := c.now().UTC().UnixMilli()
	switch {
	case lane.Direction == model.DirEntry && emp.LogType == model.LogEntry,
		lane.Direction == model.DirExit && emp.LogType == model.LogExit:
		c.logger.Info("denied, already on this side",
			"lane", lane.label(), "employee", emp.EmployeeID, "last", int(emp.LogType))
		metrics.AccessDecisions.WithLabelValues(metrics.OutcomeDeniedState).Inc()
		c.deny(ctx, lane)
	case emp.LogDateUTC+c.RescanWindow.Milliseconds() > now:
		c.logger.Info("denied, rescan cooldown",
			"lane", lane.label(), "employee", emp.EmployeeID)
		metrics.AccessDecisions.WithLabelValues(metrics.OutcomeDeniedRescan).Inc()
		c.deny(ctx, lane)
	default:
		c.open(ctx, lane, emp)
	}
}

// open actuates the gate and records the transit once the end-of-transit
// input confirms a person passed through. An unconfirmed window records
// nothing; the gate simply closes again.
func (c *Controller) open(ctx context.Context, lane *Lane, emp model.Employee) {
	_ = lane.Buzzer.Write(true)
	_ = lane.Relay.Write(true)
	sleep(ctx, c.PulsePeriod)
	_ = lane.Relay.Write(false)
	_ = lane.Buzzer.Write(false)

	if !c.waitForTransit(ctx, lane) {
		c.logger.Info("transit unconfirmed, dropping attempt",
			"lane", lane.label(), "employee", emp.EmployeeID)
		metrics.AccessDecisions.WithLabelValues(metrics.OutcomeUnconfirmed).Inc()
		return
	}

	ev, err := c.store.RecordTransit(ctx, emp, lane.Direction)
	if err != nil {
		c.logger.Error("record transit failed",
			"lane", lane.label(), "employee", emp.EmployeeID, "error", err)
		return
	}

	metrics.AccessDecisions.WithLabelValues(metrics.OutcomeGranted).Inc()
	c.logger.Info("access granted",
		"lane", lane.label(), "employee", emp.EmployeeID, "transaction", ev.TransactionID)
}

// waitForTransit polls the lane's confirmation input at ConfirmInterval for
// up to ConfirmAttempts iterations.
func (c *Controller) waitForTransit(ctx context.Context, lane *Lane) bool {
	for i := 0; i < c.ConfirmAttempts; i++ {
		confirmed, err := lane.Transit.Read()
		if err != nil {
			c.logger.Warn("transit input read failed", "lane", lane.label(), "error", err)
		} else if confirmed {
			return true
		}
		if !sleep(ctx, c.ConfirmInterval) {
			return false
		}
	}
	return false
}

// deny plays the denial tone and holds before the lane re-arms.
func (c *Controller) deny(ctx context.Context, lane *Lane) {
	c.denyTone(ctx, lane)
	sleep(ctx, c.PulsePeriod)
}

// denyTone pulses the buzzer twice: on/off/on/off at TonePeriod steps.
func (c *Controller) denyTone(ctx context.Context, lane *Lane) {
	for i := 0; i < 2; i++ {
		_ = lane.Buzzer.Write(true)
		sleep(ctx, c.TonePeriod)
		_ = lane.Buzzer.Write(false)
		if !sleep(ctx, c.TonePeriod) {
			return
		}
	}
}

// sleep waits for d unless the context ends first; it reports whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
