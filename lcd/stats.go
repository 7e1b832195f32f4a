package lcd

import (
	"sync/atomic"
	"time"

	"github.com/kwv/lcdmesh/dsg"
)

// StatsCollector records the outcome of registration attempts
type StatsCollector interface {
	// RecordAttempt is called once per solver per verification
	RecordAttempt(level dsg.LayerId, status Status, duration time.Duration)
	// RecordVerification is called once per candidate with the chosen solution
	RecordVerification(solution DsgRegistrationSolution, duration time.Duration)
}

// NoopStatsCollector discards everything
type NoopStatsCollector struct{}

func (NoopStatsCollector) RecordAttempt(dsg.LayerId, Status, time.Duration)          {}
func (NoopStatsCollector) RecordVerification(DsgRegistrationSolution, time.Duration) {}

// Stats is an in-memory StatsCollector
type Stats struct {
	Attempts       atomic.Int64
	AttemptNanos   atomic.Int64
	Verifications  atomic.Int64
	Verified       atomic.Int64
	VerifyNanos    atomic.Int64
	StatusCounts   [len(statusNames)]atomic.Int64
	LevelSuccesses [maxTrackedLevel + 1]atomic.Int64 // index 0 counts AgentLevel
	LastVerifiedAt atomic.Int64                      // unix nanos
}

const maxTrackedLevel = int(dsg.LayerAgents)

func levelIndex(level dsg.LayerId) int {
	if level == AgentLevel {
		return 0
	}
	if level < 0 || int(level) > maxTrackedLevel {
		return -1
	}
	return int(level)
}

// RecordAttempt implements StatsCollector
func (s *Stats) RecordAttempt(level dsg.LayerId, status Status, duration time.Duration) {
	s.Attempts.Add(1)
	s.AttemptNanos.Add(duration.Nanoseconds())
	if status >= 0 && int(status) < len(s.StatusCounts) {
		s.StatusCounts[status].Add(1)
	}
}

// RecordVerification implements StatsCollector
func (s *Stats) RecordVerification(solution DsgRegistrationSolution, duration time.Duration) {
	s.Verifications.Add(1)
	s.VerifyNanos.Add(duration.Nanoseconds())
	if !solution.Valid {
		return
	}
	s.Verified.Add(1)
	s.LastVerifiedAt.Store(time.Now().UnixNano())
	if idx := levelIndex(solution.Level); idx >= 0 {
		s.LevelSuccesses[idx].Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Attempts         int64            `json:"attempts"`
	AttemptAvgMillis float64          `json:"attemptAvgMillis"`
	Verifications    int64            `json:"verifications"`
	Verified         int64            `json:"verified"`
	VerifyAvgMillis  float64          `json:"verifyAvgMillis"`
	ByStatus         map[string]int64 `json:"byStatus"`
	VerifiedByLevel  map[string]int64 `json:"verifiedByLevel"`
	LastVerifiedAt   *time.Time       `json:"lastVerifiedAt,omitempty"`
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Attempts:        s.Attempts.Load(),
		Verifications:   s.Verifications.Load(),
		Verified:        s.Verified.Load(),
		ByStatus:        make(map[string]int64, len(s.StatusCounts)),
		VerifiedByLevel: make(map[string]int64),
	}
	snap.AttemptAvgMillis = avgMillis(s.AttemptNanos.Load(), snap.Attempts)
	snap.VerifyAvgMillis = avgMillis(s.VerifyNanos.Load(), snap.Verifications)

	for i := range s.StatusCounts {
		snap.ByStatus[Status(i).String()] = s.StatusCounts[i].Load()
	}
	for i := range s.LevelSuccesses {
		n := s.LevelSuccesses[i].Load()
		if n == 0 {
			continue
		}
		name := "agent"
		if i > 0 {
			name = dsg.LayerId(i).String()
		}
		snap.VerifiedByLevel[name] = n
	}
	if ts := s.LastVerifiedAt.Load(); ts != 0 {
		t := time.Unix(0, ts)
		snap.LastVerifiedAt = &t
	}
	return snap
}

func avgMillis(totalNanos, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(totalNanos) / float64(count) / float64(time.Millisecond)
}
