package restic

import (
	"context"
	"errors"
	"strings"

	"resticd/internal/task/queue"
)

// BackupSpec describes one backup target.
type BackupSpec struct {
	Name     string
	Paths    []string
	Excludes []string
	// Tags are added on top of the implicit "backup-<name>" tag.
	Tags []string
}

// BackupArgs builds the argument list for `restic backup`. Arguments go to
// the process directly, so nothing is shell-quoted.
func BackupArgs(spec BackupSpec) []string {
	args := []string{"--tag", "backup-" + spec.Name}
	for _, t := range spec.Tags {
		if t = strings.TrimSpace(t); t != "" {
			args = append(args, "--tag", t)
		}
	}
	for _, p := range spec.Paths {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	for _, e := range spec.Excludes {
		if e = strings.TrimSpace(e); e != "" {
			args = append(args, "--exclude="+e)
		}
	}
	return args
}

func (r *Runner) Init(ctx context.Context) (Result, error) {
	return r.Run(ctx, "init")
}

func (r *Runner) Backup(ctx context.Context, spec BackupSpec) (Result, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Result{}, errors.New("backup name required")
	}
	if len(spec.Paths) == 0 {
		return Result{}, errors.New("backup " + spec.Name + ": no paths")
	}
	return r.Run(ctx, "backup", BackupArgs(spec)...)
}

func (r *Runner) Check(ctx context.Context, args ...string) (Result, error) {
	return r.Run(ctx, "check", args...)
}

// InitWork wraps Init as a queue work unit.
func InitWork(r *Runner) queue.Work {
	return func(ctx context.Context) (any, error) {
		res, err := r.Init(ctx)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// BackupWork wraps Backup as a queue work unit.
func BackupWork(r *Runner, spec BackupSpec) queue.Work {
	return func(ctx context.Context) (any, error) {
		res, err := r.Backup(ctx, spec)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// CheckWork wraps Check as a queue work unit.
func CheckWork(r *Runner, args ...string) queue.Work {
	return func(ctx context.Context) (any, error) {
		res, err := r.Check(ctx, args...)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}
