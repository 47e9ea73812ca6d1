// Package loadharness generates contention against one database handle:
// randomised readers, writers with periodic pruning, full-scan
// iterators, and optional child processes running a mixed workload.
// It exists to exercise the handle registry and the lastseen store the
// way a busy fleet member would, and to fill stores to a target usage
// for capacity testing.
package loadharness

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/kv"
)

var (
	readsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadharness_reads_total",
		Help: "Keys read by harness reader threads.",
	})
	writesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadharness_writes_total",
		Help: "Keys written by harness writer threads.",
	})
	mapFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadharness_map_full_total",
		Help: "Writes rejected because the database map was full.",
	})
	fillUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadharness_fill_usage_percent",
		Help: "Usage percentage last observed by Fill.",
	})
)

// SleepRange bounds the per-operation pause of one worker role.
type SleepRange struct {
	Min, Max time.Duration
}

func (s SleepRange) pick(rng *rand.Rand) time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + time.Duration(rng.Int63n(int64(s.Max-s.Min)))
}

// Config sizes the worker pools and their per-role parameters.
type Config struct {
	Readers   int
	Writers   int
	Iterators int
	Children  int // child processes running a mixed workload

	ReaderKeysRefresh   time.Duration // how often readers re-sample the key set
	ReaderSleep         SleepRange
	WriterSamplePercent int           // share of records used as write templates
	WriterPruneInterval time.Duration // how often writers delete their own keys
	WriterSleep         SleepRange
	IteratorSleep       SleepRange
}

// StopTimeout is how long Stop waits for workers to observe terminate
// before declaring a leak.
const StopTimeout = 5 * time.Second

// Harness drives the configured worker pools against one handle.
type Harness struct {
	h   *dbreg.Handle
	cfg Config

	terminate atomic.Bool
	wg        sync.WaitGroup
	children  []*exec.Cmd
}

func New(h *dbreg.Handle, cfg Config) *Harness {
	return &Harness{h: h, cfg: cfg}
}

// Start launches every configured worker. Workers check the terminate
// flag between operations and exit at the next iteration boundary.
func (l *Harness) Start(ctx context.Context) error {
	for i := 0; i < l.cfg.Readers; i++ {
		l.spawn(func(id int, rng *rand.Rand) { l.reader(ctx, id, rng) }, i)
	}
	for i := 0; i < l.cfg.Writers; i++ {
		l.spawn(func(id int, rng *rand.Rand) { l.writer(ctx, id, rng) }, i)
	}
	for i := 0; i < l.cfg.Iterators; i++ {
		l.spawn(func(id int, rng *rand.Rand) { l.iterator(ctx, id, rng) }, i)
	}
	for i := 0; i < l.cfg.Children; i++ {
		if err := l.spawnChild(); err != nil {
			l.Stop()
			return err
		}
	}
	return nil
}

func (l *Harness) spawn(fn func(id int, rng *rand.Rand), id int) {
	l.wg.Add(1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	go func() {
		defer l.wg.Done()
		fn(id, rng)
	}()
}

// Stop raises the terminate flag and waits up to StopTimeout for every
// worker to exit, returning an error when one leaks past the deadline.
func (l *Harness) Stop() error {
	l.terminate.Store(true)
	for _, child := range l.children {
		if child.Process != nil {
			_ = child.Process.Signal(os.Interrupt)
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(StopTimeout):
		logrus.Error("loadharness: worker leaked past stop deadline")
		return errors.New("loadharness: worker leaked past stop deadline")
	}

	for _, child := range l.children {
		if err := child.Wait(); err != nil {
			logrus.WithError(err).Warn("loadharness: child exited abnormally")
		}
	}
	return nil
}

// reader re-samples the key set on its refresh interval and reads a
// random key between sleeps.
func (l *Harness) reader(ctx context.Context, id int, rng *rand.Rand) {
	var keys [][]byte
	lastRefresh := time.Time{}

	for !l.terminate.Load() {
		if time.Since(lastRefresh) >= l.cfg.ReaderKeysRefresh || keys == nil {
			sampled, err := l.sampleKeys(ctx, 100)
			if err != nil {
				logrus.WithError(err).WithField("reader", id).Error("loadharness: key refresh failed")
			} else {
				keys = sampled
			}
			lastRefresh = time.Now()
		}

		if len(keys) > 0 {
			key := keys[rng.Intn(len(keys))]
			if _, _, err := dbreg.Read(ctx, l.h, key); err != nil {
				logrus.WithError(err).WithField("reader", id).Error("loadharness: read failed")
			} else {
				readsTotal.Inc()
			}
		}
		time.Sleep(l.cfg.ReaderSleep.pick(rng))
	}
}

// writer clones sampled template records under its own derived keys,
// pruning them on its interval and again on shutdown so real data is
// never disturbed.
func (l *Harness) writer(ctx context.Context, id int, rng *rand.Rand) {
	templates, err := l.sampleTemplates(ctx)
	if err != nil {
		logrus.WithError(err).WithField("writer", id).Error("loadharness: template sampling failed")
		return
	}
	lastPrune := time.Now()

	defer func() {
		if err := l.pruneTestKeys(ctx, id); err != nil {
			logrus.WithError(err).WithField("writer", id).Error("loadharness: shutdown prune failed")
		}
	}()

	for !l.terminate.Load() {
		if len(templates) > 0 {
			tpl := templates[rng.Intn(len(templates))]
			key := deriveTestKey(id, tpl.key)
			if err := dbreg.Write(ctx, l.h, key, tpl.value); err != nil {
				if errors.Is(err, kv.ErrMapFull) {
					mapFullTotal.Inc()
					logrus.WithField("writer", id).Warn("loadharness: database full, skipping write")
				} else {
					logrus.WithError(err).WithField("writer", id).Error("loadharness: write failed")
				}
			} else {
				writesTotal.Inc()
			}
		}

		if time.Since(lastPrune) >= l.cfg.WriterPruneInterval {
			if err := l.pruneTestKeys(ctx, id); err != nil {
				logrus.WithError(err).WithField("writer", id).Error("loadharness: prune failed")
			}
			lastPrune = time.Now()
		}
		time.Sleep(l.cfg.WriterSleep.pick(rng))
	}
}

// iterator runs full cursor scans back to back, pausing between them.
func (l *Harness) iterator(ctx context.Context, id int, rng *rand.Rand) {
	for !l.terminate.Load() {
		count := 0
		err := dbreg.Each(ctx, l.h, func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			logrus.WithError(err).WithField("iterator", id).Error("loadharness: scan failed")
		}
		time.Sleep(l.cfg.IteratorSleep.pick(rng))
	}
}

type template struct {
	key   []byte
	value []byte
}

// sampleTemplates copies WriterSamplePercent of the store's records for
// use as write templates, skipping keys written by other harness
// writers.
func (l *Harness) sampleTemplates(ctx context.Context) ([]template, error) {
	percent := l.cfg.WriterSamplePercent
	if percent <= 0 {
		percent = 100
	}

	var all []template
	err := dbreg.Each(ctx, l.h, func(key, value []byte) error {
		if isTestKey(key) {
			return nil
		}
		all = append(all, template{
			key:   append([]byte(nil), key...),
			value: append([]byte(nil), value...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	keep := len(all) * percent / 100
	if keep == 0 && len(all) > 0 {
		keep = 1
	}
	return all[:keep], nil
}

func (l *Harness) sampleKeys(ctx context.Context, limit int) ([][]byte, error) {
	var keys [][]byte
	err := dbreg.Each(ctx, l.h, func(key, value []byte) error {
		if len(keys) < limit {
			keys = append(keys, append([]byte(nil), key...))
		}
		return nil
	})
	return keys, err
}

const testKeyPrefix = "test_"

func deriveTestKey(writerID int, templateKey []byte) []byte {
	return []byte(fmt.Sprintf("%s%d_%s", testKeyPrefix, writerID, templateKey))
}

func isTestKey(key []byte) bool {
	return strings.HasPrefix(string(key), testKeyPrefix)
}

// pruneTestKeys deletes every key this writer derived, in one write
// transaction.
func (l *Harness) pruneTestKeys(ctx context.Context, writerID int) error {
	prefix := fmt.Sprintf("%s%d_", testKeyPrefix, writerID)

	tx, err := l.h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}

	cur, err := tx.RwCursor()
	if err != nil {
		tx.Abort()
		return err
	}
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			cur.Close()
			tx.Abort()
			return err
		}
		if !ok {
			break
		}
		if strings.HasPrefix(string(k), prefix) {
			if err := cur.Delete(); err != nil {
				cur.Close()
				tx.Abort()
				return err
			}
		}
	}
	cur.Close()
	return tx.Commit()
}
