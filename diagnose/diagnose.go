package diagnose

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/dump"
	"github.com/fleetstate/agentdb/kv"
	"github.com/fleetstate/agentdb/validate"
)

// ChildEnvVar carries the target file path into the isolated child
// process. Go cannot fork() without stopping the runtime, so "forked
// mode" re-execs the current binary with this variable set; main
// programs embedding this package must call RunChildIfRequested early
// in main() (before any other work) so the child dispatches here.
const ChildEnvVar = "AGENTDB_DIAGNOSE_CHILD"

// childValidateEnvVar selects the validator instead of the dump smoke
// test inside the child.
const childValidateEnvVar = "AGENTDB_DIAGNOSE_VALIDATE"

// Options configures one diagnose pass over a list of files.
type Options struct {
	Foreground bool // run in this process instead of an isolated child
	Validate   bool // run the validator instead of the dump smoke test
	TestWrite  bool // after a clean check, probe that the store accepts writes
}

// FileStatus pairs one examined path with its outcome.
type FileStatus struct {
	Path   string
	Target string // non-empty when Path was a symlink; the resolved target
	Status Status
}

// Files diagnoses each path in filenames and returns the number of
// unhealthy stores plus the per-file statuses. Symlinks are followed
// one level (a dangling symlink is OK, the agent recreates the store),
// each file is checked either in-process or in an isolated child, and
// one status line per file plus a summary is logged.
func Files(ctx context.Context, filenames []string, opts Options) (int, []FileStatus) {
	statuses := make([]FileStatus, 0, len(filenames))
	corruptions := 0

	for _, filename := range filenames {
		fs := FileStatus{Path: filename}

		target, isLink := followSymlink(filename)
		if isLink {
			fs.Target = target
			if _, err := os.Stat(target); err != nil {
				// Dangling symlink: nothing to check, agent will recreate.
				fs.Status = StatusOKDoesNotExist
				statuses = append(statuses, fs)
				logStatus(fs)
				continue
			}
			filename = target
		}

		if opts.Foreground {
			fs.Status = checkOne(ctx, filename, opts.Validate)
			if fs.Status == StatusOK && opts.TestWrite {
				fs.Status = writeProbe(ctx, filename)
			}
		} else {
			fs.Status = runInChild(filename, opts)
		}

		statuses = append(statuses, fs)
		logStatus(fs)

		if !fs.Status.Healthy() {
			corruptions++
		}
	}

	if corruptions == 0 {
		logrus.Infof("All %d databases healthy", len(filenames))
	} else {
		logrus.Errorf("Problems detected in %d/%d databases", corruptions, len(filenames))
	}
	return corruptions, statuses
}

func logStatus(fs FileStatus) {
	if fs.Target != "" {
		logrus.Infof("Status of '%s' -> '%s': %s", fs.Path, fs.Target, fs.Status)
	} else {
		logrus.Infof("Status of '%s': %s", fs.Path, fs.Status)
	}
}

// followSymlink resolves one level of symlink, returning (target, true)
// when path is a link. Deeper chains are deliberately not chased.
func followSymlink(path string) (string, bool) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false
	}
	return target, true
}

// checkOne opens the store and runs either the validator or the dump
// smoke test against it, discarding dump output (only its success
// matters here).
func checkOne(ctx context.Context, path string, runValidate bool) Status {
	env, err := kv.OpenMDBX(path, kv.NoSubdir|kv.ReadOnly)
	if err != nil {
		return statusFromError(err)
	}
	defer env.Close()

	if runValidate {
		res, err := validate.Run(ctx, env, path, idForPath(path), time.Now())
		if err != nil {
			return statusFromError(err)
		}
		if res.Count() > 0 {
			for _, msg := range res.Errors {
				logrus.Errorf("Error in %s: %s", path, msg)
			}
			return StatusValidateFailed
		}
		return StatusOK
	}

	if err := dump.Dump(ctx, io.Discard, env, path, dump.Options{Mode: dump.ModeSimple}); err != nil {
		return statusFromError(err)
	}
	return StatusOK
}

// idForPath guesses the logical id from the filename so the validator
// picks the right mode; unrecognized stems validate in Unknown mode.
func idForPath(path string) dbreg.ID {
	if id, ok := dbreg.IDForPath(path); ok {
		return id
	}
	return dbreg.Classes // any id outside the special-mode set: Unknown mode
}

// writeProbe clones the size of an existing record, puts fresh random
// bytes under a fresh random key, commits, then reopens a transaction
// and deletes them again, leaving the key set as it was. An empty store
// is skipped with its own status so operators can tell "verified
// writable" from "nothing to verify".
func writeProbe(ctx context.Context, path string) Status {
	logrus.Infof("Trying to write data into '%s'", path)

	env, err := kv.OpenMDBX(path, kv.NoSubdir)
	if err != nil {
		return statusFromError(err)
	}
	defer env.Close()

	keyLen, valLen, found, err := sampleRecordSizes(ctx, env)
	if err != nil {
		return statusFromError(err)
	}
	if !found {
		logrus.Infof("'%s' is empty, no data to use as a template, cannot test writing", path)
		return StatusSkippedEmpty
	}

	key := make([]byte, keyLen)
	val := make([]byte, valLen)
	if _, err := rand.Read(key); err != nil {
		logrus.Error("Failed to generate random key data")
		return StatusErrOther
	}
	if _, err := rand.Read(val); err != nil {
		logrus.Error("Failed to generate random value data")
		return StatusErrOther
	}

	if err := putProbe(ctx, env, key, val); err != nil {
		logrus.Errorf("Failed to write new data into '%s'", path)
		return statusFromError(err)
	}
	if err := deleteProbe(ctx, env, key); err != nil {
		logrus.Errorf("Failed to delete new data from '%s'", path)
		return statusFromError(err)
	}
	return StatusOK
}

func sampleRecordSizes(ctx context.Context, env kv.Env) (keyLen, valLen int, found bool, err error) {
	tx, err := env.BeginRo(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return 0, 0, false, err
	}
	defer cur.Close()

	k, v, ok, err := cur.Next()
	if err != nil || !ok {
		return 0, 0, false, err
	}
	return len(k), len(v), true, nil
}

func putProbe(ctx context.Context, env kv.Env, key, val []byte) error {
	tx, err := env.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := tx.Put(key, val); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func deleteProbe(ctx context.Context, env kv.Env, key []byte) error {
	tx, err := env.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// runInChild re-execs this binary with the child environment variables
// set, stdout pointed at the null sink, and waits. A child that dies to
// a signal (an engine crash on a corrupt mmap) becomes the matching
// signal status instead of taking this process down with it.
func runInChild(path string, opts Options) Status {
	exe, err := os.Executable()
	if err != nil {
		logrus.WithError(err).Error("diagnose: cannot locate own binary for child re-exec")
		return StatusPIDError
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), ChildEnvVar+"="+path)
	if opts.Validate {
		cmd.Env = append(cmd.Env, childValidateEnvVar+"=1")
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		cmd.Stdout = devnull
		defer devnull.Close()
	}
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err == nil {
		if opts.TestWrite {
			// The child only smoke-tests; the probe mutates, so it runs
			// here where its outcome feeds the same status stream.
			return writeProbeAfterChild(path)
		}
		return StatusOK
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		logrus.WithError(err).Error("diagnose: child did not start")
		return StatusPIDError
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return signalStatus(ws.Signal())
	}
	return StatusFromExitCode(exitErr.ExitCode())
}

func writeProbeAfterChild(path string) Status {
	return writeProbe(context.Background(), path)
}

// RunChildIfRequested dispatches to the isolated child check when the
// process was spawned by runInChild, calling os.Exit with the resulting
// status. It returns immediately (false) in a normal process.
func RunChildIfRequested() bool {
	path := os.Getenv(ChildEnvVar)
	if path == "" {
		return false
	}
	runValidate := os.Getenv(childValidateEnvVar) != ""
	status := checkOne(context.Background(), path, runValidate)
	os.Exit(status.ExitCode())
	return true // unreachable
}

// signalStatus translates the signal that killed a child into the
// matching status.
func signalStatus(sig syscall.Signal) Status {
	switch sig {
	case unix.SIGHUP:
		return StatusSignalHangup
	case unix.SIGINT:
		return StatusSignalInterrupt
	case unix.SIGQUIT:
		return StatusSignalQuit
	case unix.SIGILL:
		return StatusSignalIllegalInstruction
	case unix.SIGTRAP:
		return StatusSignalTrace
	case unix.SIGABRT:
		return StatusSignalAbort
	case unix.SIGFPE:
		return StatusSignalFloatingPoint
	case unix.SIGKILL:
		return StatusSignalKill
	case unix.SIGBUS:
		return StatusSignalBusError
	case unix.SIGSEGV:
		return StatusSignalSegfault
	case unix.SIGSYS:
		return StatusSignalBadSyscall
	case unix.SIGPIPE:
		return StatusSignalBrokenPipe
	case unix.SIGALRM:
		return StatusSignalAlarm
	case unix.SIGTERM:
		return StatusSignalTerminate
	default:
		return StatusSignalOther
	}
}

// statusFromError maps the kv sentinel error space into the errnoBase
// status range.
func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, kv.ErrNotFound):
		return StatusErrNotFound
	case errors.Is(err, kv.ErrCorrupt):
		return StatusErrCorrupt
	case errors.Is(err, kv.ErrMapFull):
		return StatusErrMapFull
	case errors.Is(err, kv.ErrTxnFull):
		return StatusErrTxnFull
	case errors.Is(err, kv.ErrReadersFull):
		return StatusErrReadersFull
	case errors.Is(err, kv.ErrBadTxn):
		return StatusErrBadTxn
	case errors.Is(err, kv.ErrVersionMismatch):
		return StatusErrVersionMismatch
	case errors.Is(err, kv.ErrIncompatible):
		return StatusErrIncompatible
	default:
		logrus.WithError(err).Debug("diagnose: unclassified error")
		return StatusErrOther
	}
}
