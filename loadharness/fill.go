package loadharness

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/kv"
)

// fillBatchSize is how many derived records each fill transaction
// writes before re-checking usage.
const fillBatchSize = 1000

// Filament is a set of synthetic records injected by Fill; Remove
// deletes exactly the keys that were written.
type Filament struct {
	h      *dbreg.Handle
	prefix string
	count  int
}

// Fill clones an existing record's value under derived keys, in batches
// of fillBatchSize, until the store's usage percentage reaches
// targetPercent. The returned Filament removes the fill. A store whose
// engine cannot report usage (-1) refuses to fill rather than looping
// forever, as does an empty store with no record to clone.
func Fill(ctx context.Context, h *dbreg.Handle, targetPercent int) (*Filament, error) {
	env := h.Env()
	if env.UsagePercentage() < 0 {
		return nil, errors.New("loadharness: engine does not report usage, refusing to fill")
	}

	tpl, err := sampleOneRecord(ctx, h)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, errors.New("loadharness: store is empty, no record to clone for fill")
	}

	fil := &Filament{h: h, prefix: fmt.Sprintf("%sfill_%s_", testKeyPrefix, h.Name())}

	for env.UsagePercentage() < targetPercent {
		if err := fil.writeBatch(ctx, tpl.value); err != nil {
			if errors.Is(err, kv.ErrMapFull) {
				logrus.Warn("loadharness: database full before reaching fill target")
				break
			}
			_ = fil.Remove(ctx)
			return nil, err
		}
		fillUsagePercent.Set(float64(env.UsagePercentage()))
	}
	return fil, nil
}

func (f *Filament) writeBatch(ctx context.Context, value []byte) error {
	tx, err := f.h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < fillBatchSize; i++ {
		key := []byte(fmt.Sprintf("%s%d", f.prefix, f.count+i))
		if err := tx.Put(key, value); err != nil {
			tx.Abort()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	f.count += fillBatchSize
	return nil
}

// Remove deletes every record the fill wrote, leaving the store's
// original key set intact.
func (f *Filament) Remove(ctx context.Context) error {
	tx, err := f.h.Env().BeginRw(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < f.count; i++ {
		key := []byte(fmt.Sprintf("%s%d", f.prefix, i))
		if err := tx.Delete(key); err != nil && !errors.Is(err, kv.ErrNotFound) {
			tx.Abort()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	f.count = 0
	return nil
}

func sampleOneRecord(ctx context.Context, h *dbreg.Handle) (*template, error) {
	var tpl *template
	stop := errors.New("stop")
	err := dbreg.Each(ctx, h, func(key, value []byte) error {
		if isTestKey(key) {
			return nil
		}
		tpl = &template{
			key:   append([]byte(nil), key...),
			value: append([]byte(nil), value...),
		}
		return stop
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return tpl, nil
}
