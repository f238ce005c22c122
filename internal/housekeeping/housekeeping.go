// Package housekeeping runs the broker's periodic maintenance: the idle
// session reaper, the ephemeral TTL sweep, channel age expiry, and the
// optional metrics textfile export.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hmdev/channelmesh/internal/channel"
	"github.com/hmdev/channelmesh/internal/config"
	"github.com/hmdev/channelmesh/internal/durable"
	"github.com/hmdev/channelmesh/internal/ephemeral"
	"github.com/hmdev/channelmesh/internal/metrics"
	"github.com/hmdev/channelmesh/internal/session"
)

// Broker is the slice of the delivery service housekeeping needs: emitting
// the system DISCONNECT for sessions the reaper removes.
type Broker interface {
	DisconnectReaped(sess *session.Session)
}

// Dependencies defines what the scheduler needs from the rest of the
// application.
type Dependencies struct {
	Config   *config.Config
	Channels *channel.Registry
	Sessions *session.Manager
	Cache    *ephemeral.Cache
	Log      durable.Log
	Broker   Broker
	Logger   *slog.Logger
}

// Scheduler owns the cron instance and its jobs.
type Scheduler struct {
	deps Dependencies
	cron *cron.Cron
	log  *slog.Logger
}

// New creates a scheduler. Jobs are registered on Start.
func New(deps Dependencies) *Scheduler {
	return &Scheduler{
		deps: deps,
		cron: cron.New(),
		log:  deps.Logger.With("component", "housekeeping"),
	}
}

type job struct {
	spec string
	name string
	run  func()
}

// Start registers the maintenance jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []job{
		{every(s.deps.Config.SessionIdleTTL / 4), "session-reaper", s.ReapSessions},
		{every(s.deps.Config.EphemeralTTL), "ephemeral-sweep", s.SweepEphemerals},
		{"@every 1m", "channel-expiry", s.ExpireChannels},
	}
	if s.deps.Config.DurableRetention > 0 {
		jobs = append(jobs, job{"@every 5m", "durable-retention", s.PruneDurable})
	}
	if s.deps.Config.MetricsTextfile != "" {
		jobs = append(jobs, job{"@every 15s", "metrics-textfile", s.WriteMetricsTextfile})
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return err
		}
		s.log.Info("housekeeping job scheduled", "job", j.name, "spec", j.spec)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and returns a context that is done once running
// jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// every clamps an interval into a cron @every expression. Sub-second TTL
// fractions round up so the schedule stays valid.
func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.Round(time.Second).String()
}

// ReapSessions disconnects sessions idle past the TTL and emits their system
// DISCONNECT events.
func (s *Scheduler) ReapSessions() {
	cutoff := time.Now().Add(-s.deps.Config.SessionIdleTTL)
	reaped := s.deps.Sessions.ReapIdle(cutoff)
	if len(reaped) == 0 {
		return
	}
	for _, sess := range reaped {
		s.deps.Broker.DisconnectReaped(sess)
	}
	metrics.SessionsReaped.Add(float64(len(reaped)))
	metrics.SessionsActive.Set(float64(s.deps.Sessions.Total()))
	s.log.Info("idle sessions reaped", "count", len(reaped))
}

// SweepEphemerals drops expired entries from the ephemeral cache.
func (s *Scheduler) SweepEphemerals() {
	if n := s.deps.Cache.Sweep(); n > 0 {
		metrics.EphemeralsSwept.Add(float64(n))
		s.log.Debug("ephemeral entries swept", "count", n)
	}
}

// ExpireChannels deletes channels older than their ageMs budget, dropping
// their sessions, cache entries, and durable log.
func (s *Scheduler) ExpireChannels() {
	now := time.Now().UnixMilli()
	for _, st := range s.deps.Channels.All() {
		if st.AgeMs <= 0 || now < st.CreatedAt+st.AgeMs {
			continue
		}

		// Local offsets count durable appends, so the log head is the number
		// of records about to go away.
		var pruned int64
		if last, ok, err := s.deps.Log.LastOffset(st.ChannelID); err == nil && ok {
			pruned = last
		}

		dropped := s.deps.Sessions.DropChannel(st.ChannelID)
		s.deps.Cache.DropChannel(st.ChannelID)
		deleted, err := s.deps.Channels.Delete(st.ChannelID, st.DevKeyID)
		if err != nil {
			s.log.Error("channel expiry failed", "channelId", st.ChannelID, "error", err)
			continue
		}
		if deleted {
			metrics.DurableEventsPruned.Add(float64(pruned))
			s.log.Info("channel expired",
				"channelId", st.ChannelID,
				"ageMs", st.AgeMs,
				"sessionsDropped", len(dropped),
				"eventsPruned", pruned,
			)
		}
	}
	metrics.ChannelsActive.Set(float64(len(s.deps.Channels.All())))
	metrics.SessionsActive.Set(float64(s.deps.Sessions.Total()))
}

// PruneDurable removes durable events older than the retention window from
// every live channel. Offsets keep counting; readers skip the pruned gap.
func (s *Scheduler) PruneDurable() {
	cutoff := time.Now().Add(-s.deps.Config.DurableRetention)
	var total int
	for _, st := range s.deps.Channels.All() {
		n, err := s.deps.Log.Prune(st.ChannelID, cutoff)
		if err != nil {
			s.log.Error("durable prune failed", "channelId", st.ChannelID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		metrics.DurableEventsPruned.Add(float64(total))
		s.log.Info("durable events pruned", "count", total)
	}
}

// WriteMetricsTextfile exports mesh_ metrics for node_exporter's textfile
// collector.
func (s *Scheduler) WriteMetricsTextfile() {
	if err := metrics.WriteTextfile(s.deps.Config.MetricsTextfile); err != nil {
		s.log.Error("metrics textfile write failed", "path", s.deps.Config.MetricsTextfile, "error", err)
	}
}
