// Package store is the Run/Plan history persistence layer: a BoltDB-backed
// store for named Plans (with version history) and the Runs executed
// against them, fronted by in-memory caches of Plans and of recently
// written Runs. Run listings and lookups that miss the cache read disk.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/statemachine"
	"github.com/swarmforge/conductor/internal/task"
)

var (
	bucketPlans        = []byte("plans")
	bucketPlanVersions = []byte("plan_versions")
	bucketRuns         = []byte("runs")
	bucketRunIndex     = []byte("run_index")
	bucketTransitions  = []byte("transitions")
	bucketSchedules    = []byte("schedules")
)

// RunRecord is a completed or in-flight Run as persisted: the plan it
// ran, its final (or latest-known) per-task results, and its timing.
type RunRecord struct {
	RunID     string                 `json:"run_id"`
	PlanName  string                 `json:"plan_name"`
	Plan      plan.Plan              `json:"plan"`
	Results   map[string]task.Result `json:"results"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time"`
	Status    string                 `json:"status"`
}

// Store persists Plans and Runs to BoltDB, keeping a hot in-memory cache
// of Plans (small, long-lived) and a bounded cache of Runs (larger,
// churns faster) that evicts the Run with the earliest StartTime.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	planCache map[string]plan.Plan
	runCache  map[string]*RunRecord
	maxRuns   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) a BoltDB file under dir and warms the
// Plan cache from it.
func Open(dir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dir+"/conductor.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPlans, bucketPlanVersions, bucketRuns, bucketRunIndex, bucketTransitions, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("conductor_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("conductor_store_write_ms")
	cacheHits, _ := meter.Int64Counter("conductor_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("conductor_store_cache_misses_total")

	s := &Store{
		db:           db,
		planCache:    make(map[string]plan.Plan),
		runCache:     make(map[string]*RunRecord),
		maxRuns:      1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmPlanCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm plan cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutPlan stores a named Plan, archiving any prior version under that
// name before overwriting it.
func (s *Store) PutPlan(ctx context.Context, name string, p plan.Plan) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_plan")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPlans)
		if existing := bucket.Get([]byte(name)); existing != nil {
			versions := tx.Bucket(bucketPlanVersions)
			key := fmt.Sprintf("%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("write plan: %w", err)
	}

	s.planCache[name] = p
	return nil
}

// GetPlan retrieves a named Plan, serving from cache when possible.
func (s *Store) GetPlan(ctx context.Context, name string) (plan.Plan, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_plan")))
	}()

	s.mu.RLock()
	if p, ok := s.planCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "plan")))
		return p, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "plan")))

	var p plan.Plan
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return plan.Plan{}, false, fmt.Errorf("read plan: %w", err)
	}
	if !found {
		return plan.Plan{}, false, nil
	}

	s.mu.Lock()
	s.planCache[name] = p
	s.mu.Unlock()
	return p, true, nil
}

// ListPlans returns every known Plan name, from cache.
func (s *Store) ListPlans(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.planCache))
	for name := range s.planCache {
		out = append(out, name)
	}
	return out
}

// DeletePlan removes a Plan, archiving its last known value first.
func (s *Store) DeletePlan(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPlans)
		if data := bucket.Get([]byte(name)); data != nil {
			versions := tx.Bucket(bucketPlanVersions)
			key := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	delete(s.planCache, name)
	return nil
}

// GetPlanVersions returns up to limit archived prior versions of name,
// oldest-seek-order first.
func (s *Store) GetPlanVersions(ctx context.Context, name string, limit int) ([]plan.Plan, error) {
	versions := make([]plan.Plan, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPlanVersions).Cursor()
		prefix := []byte(name + ":")
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var p plan.Plan
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			versions = append(versions, p)
			count++
		}
		return nil
	})
	return versions, err
}

// PutRun persists a Run record and indexes it by plan name and start
// time, evicting the least-recently-started cached Run if the cache is
// at capacity.
func (s *Store) PutRun(ctx context.Context, rec *RunRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_run")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(rec.RunID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", rec.PlanName, rec.StartTime.UnixNano(), rec.RunID)
		return tx.Bucket(bucketRunIndex).Put([]byte(indexKey), []byte(rec.RunID))
	})
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	if len(s.runCache) >= s.maxRuns {
		s.evictOldestRun()
	}
	s.runCache[rec.RunID] = rec
	return nil
}

// GetRun retrieves a Run record by ID, serving from cache when possible.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_run")))
	}()

	s.mu.RLock()
	if rec, ok := s.runCache[runID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "run")))
		return rec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "run")))

	var rec RunRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read run: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ListRuns returns up to limit Runs for planName whose start time falls
// within [startTime, endTime], oldest-to-newest.
func (s *Store) ListRuns(ctx context.Context, planName string, startTime, endTime time.Time, limit int) ([]*RunRecord, error) {
	runs := make([]*RunRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketRunIndex)
		runBucket := tx.Bucket(bucketRuns)
		cursor := indexBucket.Cursor()
		prefix := []byte(planName + ":")

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := runBucket.Get(v)
			if data == nil {
				continue
			}
			var rec RunRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.StartTime.After(endTime) {
				break
			}
			if rec.StartTime.Before(startTime) {
				continue
			}
			runs = append(runs, &rec)
			count++
		}
		return nil
	})
	return runs, err
}

// PersistTransition records one task state transition for a run, append-only,
// suited to wiring directly as a run.Config.PersistTransition hook.
func (s *Store) PersistTransition(runID string, evt statemachine.TransitionEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		key := fmt.Sprintf("%s:%d:%s", runID, evt.At.UnixNano(), evt.TaskID)
		return tx.Bucket(bucketTransitions).Put([]byte(key), data)
	})
}

// GetStats returns database and cache size statistics.
func (s *Store) GetStats() map[string]any {
	stats := make(map[string]any)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketPlans, bucketRuns, bucketPlanVersions, bucketTransitions} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	stats["cache_plans"] = len(s.planCache)
	stats["cache_runs"] = len(s.runCache)
	stats["cache_max_runs"] = s.maxRuns
	return stats
}

// PutSchedule persists a named schedule's serialized config, keyed
// independently of the Plan and Run buckets so runschedule.Scheduler can
// restore schedules on startup without this package knowing its type.
func (s *Store) PutSchedule(ctx context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

// DeleteSchedule removes a persisted schedule by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule's raw serialized config,
// keyed by name.
func (s *Store) ListSchedules(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

func (s *Store) warmPlanCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(k, v []byte) error {
			var p plan.Plan
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			s.planCache[string(k)] = p
			return nil
		})
	})
}

func (s *Store) evictOldestRun() {
	var oldestID string
	var oldestTime time.Time
	for id, rec := range s.runCache {
		if oldestID == "" || rec.StartTime.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.StartTime
		}
	}
	if oldestID != "" {
		delete(s.runCache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
