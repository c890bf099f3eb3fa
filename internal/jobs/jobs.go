// Package jobs assembles the service's built-in jobs: journal retention
// pruning, an optional endpoint probe and a periodic run-stats report.
package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dsched/internal/history"
	"dsched/internal/platform/httpclient"
	"dsched/internal/scheduler"
	"dsched/internal/shared"
)

// statsWindow is both the report period and the aggregation window.
const statsWindow = time.Hour

// HistoryStore is the slice of the journal store the built-in jobs use.
type HistoryStore interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountsSince(ctx context.Context, since time.Time) (map[string]history.Counts, error)
}

// Options select which built-in jobs run. A nil History drops the prune
// and stats jobs, an empty ProbeURL drops the probe.
type Options struct {
	History       HistoryStore
	Retention     time.Duration
	ProbeURL      string
	ProbeInterval time.Duration
	Client        *httpclient.Client
}

// Source implements scheduler.Source for the built-in jobs.
type Source struct {
	logger *slog.Logger
	opts   Options
}

var _ scheduler.Source = (*Source)(nil)

// New builds the source. A probe without an explicit client gets a
// default retrying one.
func New(logger *slog.Logger, opts Options) *Source {
	if opts.ProbeURL != "" {
		if opts.ProbeInterval <= 0 {
			opts.ProbeInterval = time.Minute
		}
		if opts.Client == nil {
			opts.Client = httpclient.New(httpclient.WithLogger(logger))
		}
	}
	return &Source{logger: logger.With("component", "jobs"), opts: opts}
}

// Jobs returns the enabled built-in jobs. Prune and stats run under the
// distributed lock so exactly one instance does the work; the probe is
// local, every instance watches the endpoint itself.
func (s *Source) Jobs() []scheduler.JobSpec {
	var specs []scheduler.JobSpec

	if s.opts.History != nil && s.opts.Retention > 0 {
		specs = append(specs, scheduler.JobSpec{
			ID: "history-prune",
			// 03:17 UTC, off the full hour to stay clear of other nightly crons
			Cron:    &scheduler.CronSpec{Second: "0", Minute: "17", Hour: "3"},
			Handler: s.prune,
			Config:  scheduler.JobConfig{Distributed: true},
		})
	}

	if s.opts.History != nil {
		specs = append(specs, scheduler.JobSpec{
			ID:       "stats-report",
			Interval: &scheduler.IntervalSpec{Hours: int(statsWindow / time.Hour)},
			Handler:  s.stats,
			Config:   scheduler.JobConfig{Distributed: true},
		})
	}

	if s.opts.ProbeURL != "" {
		specs = append(specs, scheduler.JobSpec{
			ID:       "endpoint-probe",
			Interval: &scheduler.IntervalSpec{Seconds: int(s.opts.ProbeInterval / time.Second)},
			Handler:  s.probe,
		})
	}

	return specs
}

func (s *Source) prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.opts.Retention)

	deleted, err := s.opts.History.DeleteBefore(ctx, cutoff)
	if err != nil {
		return shared.Wrap(err, "prune history")
	}
	if deleted > 0 {
		s.logger.Info("history pruned", "deleted", deleted, "cutoff", cutoff)
	} else {
		s.logger.Debug("history prune: nothing to delete", "cutoff", cutoff)
	}
	return nil
}

func (s *Source) stats(ctx context.Context) error {
	since := time.Now().UTC().Add(-statsWindow)

	counts, err := s.opts.History.CountsSince(ctx, since)
	if err != nil {
		return shared.Wrap(err, "collect run stats")
	}
	if len(counts) == 0 {
		s.logger.Info("run stats: no runs recorded", "window", statsWindow.String())
		return nil
	}

	var success, errored, skipped int64
	for _, c := range counts {
		success += c.Success
		errored += c.Error
		skipped += c.Skipped
	}
	s.logger.Info("run stats",
		"window", statsWindow.String(),
		"jobs", len(counts),
		"success", success,
		"error", errored,
		"skipped", skipped)
	return nil
}

func (s *Source) probe(ctx context.Context) error {
	req, err := http.NewRequest(http.MethodGet, s.opts.ProbeURL, nil)
	if err != nil {
		return shared.MarkKind(
			fmt.Errorf("build probe request: %w", err), shared.KindConfiguration)
	}

	start := time.Now()
	resp, err := s.opts.Client.Do(ctx, req)
	if err != nil {
		return shared.Wrap(err, "probe request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	s.logger.Debug("probe ok",
		"status", resp.StatusCode, "duration", time.Since(start))
	return nil
}
