package loadharness

import (
	"context"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetstate/agentdb/dbreg"
)

// Child processes are re-execs of the current binary with these
// variables set, the same isolation technique the diagnose driver uses.
// Programs embedding the harness must call RunChildIfRequested early in
// main().
const (
	childEnvVar         = "AGENTDB_LOAD_CHILD"    // value: state directory
	childDatabaseEnvVar = "AGENTDB_LOAD_DATABASE" // value: logical db name
)

func (l *Harness) spawnChild() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		childEnvVar+"="+l.h.Dir(),
		childDatabaseEnvVar+"="+l.h.Name(),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	l.children = append(l.children, cmd)
	return nil
}

// RunChildIfRequested runs the mixed child workload when this process
// was spawned by a harness parent, then exits. Returns immediately
// (false) in a normal process.
func RunChildIfRequested() bool {
	stateDir := os.Getenv(childEnvVar)
	if stateDir == "" {
		return false
	}
	name := os.Getenv(childDatabaseEnvVar)

	ctx := context.Background()
	reg := dbreg.New(dbreg.Dirs{StateDir: stateDir})
	defer reg.CloseAll(10 * time.Second)

	id, ok := dbreg.IDForName(name)
	if !ok {
		logrus.Errorf("loadharness child: unknown database name '%s'", name)
		os.Exit(1)
	}
	h, err := reg.Open(ctx, id)
	if err != nil {
		logrus.WithError(err).Error("loadharness child: open failed")
		os.Exit(1)
	}
	defer reg.Close(h)

	childMixedWorkload(ctx, h)
	os.Exit(0)
	return true // unreachable
}

// childMixedWorkload interleaves reads, writes and scans until the
// parent interrupts us.
func childMixedWorkload(ctx context.Context, h *dbreg.Handle) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
	child := &Harness{h: h, cfg: Config{
		ReaderKeysRefresh: time.Second,
		ReaderSleep:       SleepRange{Min: time.Millisecond, Max: 10 * time.Millisecond},
	}}

	for {
		select {
		case <-stop:
			_ = child.pruneTestKeys(ctx, os.Getpid())
			return
		default:
		}

		switch rng.Intn(3) {
		case 0:
			keys, err := child.sampleKeys(ctx, 10)
			if err == nil && len(keys) > 0 {
				_, _, _ = dbreg.Read(ctx, h, keys[rng.Intn(len(keys))])
			}
		case 1:
			templates, err := child.sampleTemplates(ctx)
			if err == nil && len(templates) > 0 {
				tpl := templates[rng.Intn(len(templates))]
				_ = dbreg.Write(ctx, h, deriveTestKey(os.Getpid(), tpl.key), tpl.value)
			}
		case 2:
			_ = dbreg.Each(ctx, h, func(key, value []byte) error { return nil })
		}
		time.Sleep(time.Duration(rng.Intn(10)) * time.Millisecond)
	}
}
