// Command agentdb-check inspects, dumps and validates the fleet's state
// databases.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleetstate/agentdb/dbreg"
	"github.com/fleetstate/agentdb/diagnose"
	"github.com/fleetstate/agentdb/dump"
	"github.com/fleetstate/agentdb/kv"
	"github.com/fleetstate/agentdb/loadharness"
	"github.com/fleetstate/agentdb/validate"
)

const (
	exitUsageError   = 1
	exitUnknownFlag  = 2
	exitMaxCorrupted = 255
)

var stateDir string

func main() {
	// Child-process dispatch must run before anything else: both the
	// diagnose driver and the load harness re-exec this binary for
	// process isolation.
	diagnose.RunChildIfRequested()
	loadharness.RunChildIfRequested()

	root := &cobra.Command{
		Use:           "agentdb-check",
		Short:         "Diagnose, dump and validate fleet state databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(),
		"directory holding the state databases")

	root.AddCommand(diagnoseCommand(), dumpCommand(), validateCommand())

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(exitUnknownFlag)
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("AGENTDB_STATE_DIR"); dir != "" {
		return dir
	}
	return "/var/fleetstate/state"
}

func diagnoseCommand() *cobra.Command {
	var (
		noFork     bool
		doValidate bool
		testWrite  bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose [FILE ...]",
		Short: "Check database files for corruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := resolveFiles(args)
			if err != nil {
				return err
			}
			corruptions, _ := diagnose.Files(context.Background(), files, diagnose.Options{
				Foreground: noFork,
				Validate:   doValidate,
				TestWrite:  testWrite,
			})
			if corruptions > exitMaxCorrupted {
				corruptions = exitMaxCorrupted
			}
			os.Exit(corruptions)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&noFork, "no-fork", "F", false, "run checks in this process instead of a child")
	cmd.Flags().BoolVarP(&doValidate, "validate", "v", false, "run the full validator instead of a smoke test")
	cmd.Flags().BoolVarP(&testWrite, "test-write", "w", false, "probe that each store accepts writes")
	return cmd
}

func dumpCommand() *cobra.Command {
	var (
		keys, values, nice, simple, portable bool
		tskeyFile                            string
		templateFile                         string
	)
	cmd := &cobra.Command{
		Use:   "dump [FILE ...]",
		Short: "Dump database contents to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := dump.ModeNice
			set := 0
			for _, sel := range []struct {
				on bool
				m  dump.Mode
			}{
				{keys, dump.ModeKeys},
				{values, dump.ModeValues},
				{nice, dump.ModeNice},
				{simple, dump.ModeSimple},
				{portable, dump.ModePortable},
			} {
				if sel.on {
					mode = sel.m
					set++
				}
			}
			if set > 1 {
				fmt.Fprintln(os.Stderr, "Only one dump mode can be selected")
				os.Exit(exitUsageError)
			}

			files, err := resolveFiles(args)
			if err != nil {
				return err
			}
			for _, file := range files {
				if err := dumpOne(file, mode, tskeyFile, templateFile); err != nil {
					logrus.WithField("db", file).Error(err)
					os.Exit(diagnose.StatusErrOther.ExitCode())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keys, "keys", "k", false, "dump keys only")
	cmd.Flags().BoolVarP(&values, "values", "v", false, "dump values only")
	cmd.Flags().BoolVarP(&nice, "nice", "n", false, "decode known structs, strip C strings (default)")
	cmd.Flags().BoolVarP(&simple, "simple", "s", false, "dump every value as an escaped byte string")
	cmd.Flags().BoolVarP(&portable, "portable", "p", false, "decode known structs without string stripping")
	cmd.Flags().StringVarP(&tskeyFile, "tskey", "t", "", "observable-name table for averages decoding")
	cmd.Flags().StringVarP(&templateFile, "template", "T", "", "mustache template to render instead of JSON output")
	return cmd
}

func dumpOne(path string, mode dump.Mode, tskeyFile, templateFile string) error {
	env, err := kv.OpenMDBX(path, kv.NoSubdir|kv.ReadOnly)
	if err != nil {
		return err
	}
	defer env.Close()

	if templateFile != "" {
		tpl, err := os.ReadFile(templateFile)
		if err != nil {
			return err
		}
		return dump.Report(context.Background(), os.Stdout, env, path, string(tpl))
	}
	return dump.Dump(context.Background(), os.Stdout, env, path, dump.Options{
		Mode:          mode,
		TskeyFilename: tskeyFile,
	})
}

func validateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [FILE ...]",
		Short: "Check per-store schema invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := resolveFiles(args)
			if err != nil {
				return err
			}
			failed := 0
			for _, file := range files {
				if !validateOne(file) {
					failed++
				}
			}
			if failed > 0 {
				os.Exit(diagnose.StatusValidateFailed.ExitCode())
			}
			return nil
		},
	}
	return cmd
}

func validateOne(path string) bool {
	env, err := kv.OpenMDBX(path, kv.NoSubdir|kv.ReadOnly)
	if err != nil {
		logrus.WithField("db", path).Error(err)
		return false
	}
	defer env.Close()

	id, ok := dbreg.IDForPath(path)
	if !ok {
		id = dbreg.Classes // unrecognized stems validate in Unknown mode
	}
	res, err := validate.Run(context.Background(), env, path, id, time.Now())
	if err != nil {
		logrus.WithField("db", path).Error(err)
		return false
	}
	for _, msg := range res.Errors {
		fmt.Printf("Error in %s: %s\n", path, msg)
	}
	return res.Count() == 0
}

// resolveFiles expands an explicit file list, or discovers every default
// database present in the state directory when none is given.
func resolveFiles(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	var files []string
	for _, id := range dbreg.All() {
		path := filepath.Join(stateDir, dbreg.StateFilename(id))
		if _, err := os.Lstat(path); err == nil {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "No database files found in %s\n", stateDir)
		os.Exit(exitUsageError)
	}
	return files, nil
}
