package distributor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/mycok/uSketch/aggregator"
	"github.com/mycok/uSketch/internal/telemetry"
)

// The interval ingestion rate is sampled once every rateTicks reports.
const rateTicks = 10

// statusReporter periodically rewrites the status file and publishes the
// lane gauges.
type statusReporter struct {
	d    *Distributor
	done chan struct{}
	exit chan struct{}

	ticks       int
	lastSample  time.Time
	currentRate uint64
	maxRate     aggregator.Rate
}

func newStatusReporter(d *Distributor) *statusReporter {
	return &statusReporter{
		d:          d,
		done:       make(chan struct{}),
		exit:       make(chan struct{}),
		lastSample: d.config.Clock.Now(),
	}
}

func (r *statusReporter) start() {
	go r.run()
}

// stop terminates the reporter after writing a final report.
func (r *statusReporter) stop() {
	close(r.done)
	<-r.exit
}

func (r *statusReporter) run() {
	defer close(r.exit)

	for {
		select {
		case <-r.done:
			r.report()
			return
		case <-r.d.config.Clock.After(r.d.config.StatusInterval):
			r.report()
		}
	}
}

func (r *statusReporter) report() {
	now := r.d.config.Clock.Now()

	if r.ticks++; r.ticks%rateTicks == 0 {
		if elapsed := now.Sub(r.lastSample); elapsed > 0 {
			r.currentRate = perSecond(r.d.dispatched.Delta(), elapsed)
			r.maxRate.Observe(r.currentRate)
		}
		r.lastSample = now
	}

	snap := r.d.snapshot(now)
	snap.currentRate = r.currentRate
	snap.maxRate = r.maxRate.Max()

	publish(snap)

	if path := r.d.config.StatusFile; path != "" {
		if err := writeStatusFile(path, snap.String()); err != nil {
			r.d.logger().WithField("err", err).Warn("unable to write status file")
		}
	}
}

// statusSnapshot holds everything a single report shows.
type statusSnapshot struct {
	epoch       uuid.UUID
	state       State
	uptime      time.Duration
	updates     uint64
	local       uint64
	overallRate uint64
	currentRate uint64
	maxRate     uint64
	lanes       []LaneStatus
}

func (d *Distributor) snapshot(now time.Time) statusSnapshot {
	d.mu.Lock()
	epoch, startedAt := d.epochID, d.startedAt
	d.mu.Unlock()

	snap := statusSnapshot{
		epoch:   epoch,
		state:   d.State(),
		uptime:  now.Sub(startedAt),
		updates: d.dispatched.Get(),
		local:   d.processedLocally.Get(),
		lanes:   d.Status(),
	}
	snap.overallRate = perSecond(snap.updates, snap.uptime)

	return snap
}

func perSecond(n uint64, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}

	return uint64(float64(n) / d.Seconds())
}

func (s statusSnapshot) histogram() [numLaneStates]int {
	var hist [numLaneStates]int
	for _, l := range s.lanes {
		if l.State < numLaneStates {
			hist[l.State]++
		}
	}

	return hist
}

// String renders the snapshot in the layout of the status file.
func (s statusSnapshot) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "epoch: %s\n", s.epoch)
	fmt.Fprintf(&b, "state: %s\n", s.state)
	fmt.Fprintf(&b, "lanes: %d\n", len(s.lanes))
	fmt.Fprintf(&b, "uptime: %s\n", s.uptime.Truncate(time.Millisecond))
	fmt.Fprintf(&b, "updates: %s (%s processed on the leader)\n", humanize.Comma(int64(s.updates)), humanize.Comma(int64(s.local)))
	fmt.Fprintf(&b, "ingestion rate: overall %s, current %s, max %s\n",
		humanize.SIWithDigits(float64(s.overallRate), 2, "upd/s"),
		humanize.SIWithDigits(float64(s.currentRate), 2, "upd/s"),
		humanize.SIWithDigits(float64(s.maxRate), 2, "upd/s"),
	)

	b.WriteString("lane states:")
	for state, n := range s.histogram() {
		fmt.Fprintf(&b, " %s=%d", LaneState(state), n)
	}
	b.WriteString("\n")

	for _, l := range s.lanes {
		fmt.Fprintf(&b, "lane %d: %s updates, %s\n", l.Lane, humanize.Comma(int64(l.Updates)), l.State)
	}

	return b.String()
}

func publish(s statusSnapshot) {
	for _, l := range s.lanes {
		telemetry.LaneUpdates.WithLabelValues(strconv.Itoa(l.Lane)).Set(float64(l.Updates))
	}

	for state, n := range s.histogram() {
		telemetry.LaneStates.WithLabelValues(LaneState(state).String()).Set(float64(n))
	}

	telemetry.IngestionRate.WithLabelValues("overall").Set(float64(s.overallRate))
	telemetry.IngestionRate.WithLabelValues("current").Set(float64(s.currentRate))
	telemetry.IngestionRate.WithLabelValues("max").Set(float64(s.maxRate))
}

// writeStatusFile replaces path atomically: readers never see a partially
// written report.
func writeStatusFile(path, content string) error {
	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + "_tmp" + ext

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
