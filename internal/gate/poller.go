// Package gate holds the tag-event state machine: the dual-lane reader poller
// and the access decision that drives the relay, buzzer, and clock log.
package gate

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"rfidgate/gate-controller/internal/hw"
	"rfidgate/gate-controller/internal/metrics"
	"rfidgate/gate-controller/internal/model"
)

// Lane bundles one direction's hardware: reader, relay, buzzer, and the
// end-of-transit input.
type Lane struct {
	Direction model.Direction
	Reader    hw.Reader
	Relay     hw.OutputPin
	Buzzer    hw.OutputPin
	Transit   hw.InputPin
}

func (l *Lane) label() string {
	return strconv.Itoa(int(l.Direction))
}

// pollSlice bounds every blocking wait so the loop stays responsive to
// cancellation and to the other lane.
const pollSlice = 100 * time.Millisecond

// Poller watches both lanes and hands clean detections to the controller.
// After every outcome, detection or not, the loop re-arms and polls again.
type Poller struct {
	lanes  []*Lane
	ctrl   *Controller
	logger *slog.Logger
	slice  time.Duration
}

// NewPoller constructs a poller over the given lanes. Lane order is the check
// order when both signal within one slice.
func NewPoller(ctrl *Controller, logger *slog.Logger, lanes ...*Lane) *Poller {
	return &Poller{lanes: lanes, ctrl: ctrl, logger: logger, slice: pollSlice}
}

// Run polls until the context is cancelled, then releases the hardware.
func (p *Poller) Run(ctx context.Context) error {
	defer p.cleanup()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lane, uid, ok := p.waitForTag(ctx)
		if !ok {
			continue
		}

		metrics.TagScans.WithLabelValues(lane.label()).Inc()
		p.ctrl.Handle(ctx, uid, lane)
	}
}

// waitForTag arms both readers and waits for either lane's detection signal,
// slicing the wait so neither lane starves the other. The entry lane is
// checked first within each slice. A signal latched on one lane while the
// other was being handled survives the re-arm and is served here.
func (p *Poller) waitForTag(ctx context.Context) (*Lane, string, bool) {
	for _, l := range p.lanes {
		if err := l.Reader.Init(); err != nil {
			p.logger.Error("reader arm failed", "lane", l.label(), "error", err)
			metrics.ReaderFaults.WithLabelValues(l.label()).Inc()
		}
	}

	for {
		for _, l := range p.lanes {
			select {
			case <-l.Reader.Detected():
				// Clear repeat signals from the same presentation.
				drain(l.Reader.Detected())
				return p.collect(l)
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil, "", false
		case <-time.After(p.slice):
		}
	}
}

// collect reads the UID off a lane that signalled. Any reader error aborts
// this detection; the poller re-arms on the next iteration.
func (p *Poller) collect(l *Lane) (*Lane, string, bool) {
	if err := l.Reader.Init(); err != nil {
		p.logger.Error("reader init failed", "lane", l.label(), "error", err)
		metrics.ReaderFaults.WithLabelValues(l.label()).Inc()
		return nil, "", false
	}

	if _, err := l.Reader.Request(); err != nil {
		p.logger.Error("reader request failed", "lane", l.label(), "error", err)
		metrics.ReaderFaults.WithLabelValues(l.label()).Inc()
		return nil, "", false
	}

	uid, err := l.Reader.Anticoll()
	if err != nil {
		p.logger.Error("reader anticoll failed", "lane", l.label(), "error", err)
		metrics.ReaderFaults.WithLabelValues(l.label()).Inc()
		return nil, "", false
	}
	if uid == "" {
		return nil, "", false
	}

	p.logger.Info("tag detected", "lane", l.label(), "uid", uid)
	return l, uid, true
}

func (p *Poller) cleanup() {
	for _, l := range p.lanes {
		if err := l.Reader.StopCrypto(); err != nil {
			p.logger.Warn("stop crypto failed", "lane", l.label(), "error", err)
		}
		if err := l.Reader.Close(); err != nil {
			p.logger.Warn("reader close failed", "lane", l.label(), "error", err)
		}
		_ = l.Relay.Write(false)
		_ = l.Buzzer.Write(false)
	}
	p.logger.Info("readers disarmed, outputs released")
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
