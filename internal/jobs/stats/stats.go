package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/health"
	"github.com/masa-finance/scan-worker/internal/versioning"
)

// These are the types of statistics that we can add. The value is the JSON key that will be used for serialization.
type StatType string

const (
	ScansCreated        StatType = "scans_created"
	ScansCompleted      StatType = "scans_completed"
	ScansFailed         StatType = "scans_failed"
	ScansRetried        StatType = "scans_retried"
	ScansRejected       StatType = "scans_rejected"
	AuthWallsHit        StatType = "auth_walls_hit"
	AuthTimeouts        StatType = "auth_timeouts"
	AuthAbandoned       StatType = "auth_abandoned"
	SandboxesAcquired   StatType = "sandboxes_acquired"
	SandboxesReleased   StatType = "sandboxes_released"
	CapacityRejections  StatType = "sandbox_capacity_rejections"
	ProvisionFailures   StatType = "sandbox_provision_failures"
	FollowersExtracted  StatType = "followers_extracted"
	SessionsSubmitted   StatType = "sessions_submitted"
	SessionsConsumed    StatType = "sessions_consumed"
	WatchdogExpirations StatType = "watchdog_expirations"
)

// SystemScope groups statistics that are not tied to a tier.
const SystemScope = "system"

// AddStat is the message sent to the collector
type AddStat struct {
	Type  StatType
	Scope string
	Num   uint
}

// Stats is the structure we use to store the statistics
type Stats struct {
	BootTimeUnix       int64                              `json:"boot_time"`
	LastOperationUnix  int64                              `json:"last_operation_time"`
	CurrentTimeUnix    int64                              `json:"current_time"`
	WorkerID           string                             `json:"worker_id"`
	Stats              map[string]map[StatType]uint       `json:"stats"`
	Capabilities       map[string]health.CapabilityStatus `json:"capabilities,omitempty"`
	WorkerVersion      string                             `json:"worker_version"`
	ApplicationVersion string                             `json:"application_version"`
	sync.Mutex         `json:"-"`
}

// StatsCollector is the object used to collect statistics
type StatsCollector struct {
	Stats   *Stats
	Chan    chan AddStat
	tracker health.CapabilityHealthTracker
	done    chan struct{}
}

// StartCollector starts a goroutine that listens to a channel for AddStat
// messages and updates the stats accordingly, until ctx is done. Stats added
// after that are dropped.
func StartCollector(ctx context.Context, bufSize uint, tracker health.CapabilityHealthTracker) *StatsCollector {
	logrus.Info("Starting stats collector")

	s := Stats{
		BootTimeUnix:       time.Now().Unix(),
		Stats:              make(map[string]map[StatType]uint),
		WorkerVersion:      versioning.WorkerVersion,
		ApplicationVersion: versioning.ApplicationVersion,
	}

	ch := make(chan AddStat, bufSize)
	done := make(chan struct{})

	go func(s *Stats, ch chan AddStat) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case stat := <-ch:
				s.Lock()
				s.LastOperationUnix = time.Now().Unix()
				if _, ok := s.Stats[stat.Scope]; !ok {
					s.Stats[stat.Scope] = make(map[StatType]uint)
				}
				s.Stats[stat.Scope][stat.Type] += stat.Num
				s.Unlock()
				logrus.Debugf("Added %d to stat %s/%s", stat.Num, stat.Scope, stat.Type)
			}
		}
	}(&s, ch)

	return &StatsCollector{Stats: &s, Chan: ch, tracker: tracker, done: done}
}

// Json returns the current statistics as a JSON byte array
func (s *StatsCollector) Json() ([]byte, error) {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	s.Stats.CurrentTimeUnix = time.Now().Unix()
	if s.tracker != nil {
		s.Stats.Capabilities = s.tracker.GetAllStatuses()
	}
	return json.Marshal(s.Stats)
}

// Add is a convenience method to add a number to a statistic. A nil collector
// drops the stat.
func (s *StatsCollector) Add(scope string, typ StatType, num uint) {
	if s == nil || num == 0 {
		return
	}
	if scope == "" {
		scope = SystemScope
	}
	select {
	case s.Chan <- AddStat{Scope: scope, Type: typ, Num: num}:
	case <-s.done:
		logrus.Debugf("Stats collector stopped, dropping %s/%s", scope, typ)
	}
}

// Stopped is closed once the collector no longer accepts stats.
func (s *StatsCollector) Stopped() <-chan struct{} {
	return s.done
}

// Get returns the current value of one statistic.
func (s *StatsCollector) Get(scope string, typ StatType) uint {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	return s.Stats.Stats[scope][typ]
}

// SetWorkerID sets the worker ID for the stats collector
func (s *StatsCollector) SetWorkerID(workerID string) {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	s.Stats.WorkerID = workerID
}
