package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/config"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/types"
)

// Store is the persistence surface of the backup validator.
type Store interface {
	InsertBackupValidation(ctx context.Context, v *types.BackupValidation) error
	LatestDriftScore(ctx context.Context) (int, error)
}

// IncidentOpener opens the P1 raised when validation fails.
type IncidentOpener interface {
	Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error)
}

// Validator produces a database dump, verifies it and optionally restore-
// tests it against a shadow database. The dump and restore commands are
// external; the validator only orchestrates and records outcomes.
type Validator struct {
	store     Store
	incidents IncidentOpener
	cfg       config.Backup
	shadowURL string
	logger    zerolog.Logger

	// run executes an external command; swapped in tests.
	run func(ctx context.Context, command string, env []string) error
	now func() time.Time
}

// NewValidator wires a backup validator. shadowURL empty disables the
// restore test.
func NewValidator(store Store, incidents IncidentOpener, cfg config.Backup, shadowURL string) *Validator {
	return &Validator{
		store:     store,
		incidents: incidents,
		cfg:       cfg,
		shadowURL: shadowURL,
		logger:    log.WithComponent("backup"),
		run:       runShell,
		now:       time.Now,
	}
}

// RunCycle performs one validation. A failed validation opens a P1 incident
// and records status FAILED; the job itself returns nil so scheduling
// continues.
func (v *Validator) RunCycle(ctx context.Context) error {
	validation := &types.BackupValidation{
		ValidatedAt: v.now().UTC(),
		Status:      types.BackupPending,
	}

	err := v.validate(ctx, validation)
	if err != nil {
		validation.Status = types.BackupFailed
		v.logger.Error().Err(err).Msg("backup validation failed")

		inc, ierr := v.incidents.Create(ctx, types.PriorityP1,
			"Backup validation failed", "",
			types.JSONMap{"error": err.Error(), "backupFile": validation.BackupFile})
		if ierr != nil {
			v.logger.Error().Err(ierr).Msg("failed to open backup incident")
		} else {
			validation.IncidentID = inc.ID
		}
	} else {
		validation.Status = types.BackupPassed
		v.logger.Info().
			Str("file", validation.BackupFile).
			Int64("size_kb", validation.SizeKB).
			Bool("restore_tested", validation.RestoreTested).
			Msg("backup validated")
	}

	if serr := v.store.InsertBackupValidation(ctx, validation); serr != nil {
		return fmt.Errorf("failed to persist backup validation: %w", serr)
	}
	return nil
}

func (v *Validator) validate(ctx context.Context, validation *types.BackupValidation) error {
	if v.cfg.DumpCommand == "" {
		return fmt.Errorf("no dump command configured")
	}

	file := filepath.Join(v.cfg.Directory, fmt.Sprintf("opscore-%s.dump", v.now().UTC().Format("20060102-150405")))
	validation.BackupFile = file

	env := []string{"BACKUP_FILE=" + file}
	if v.cfg.GPGKeyID != "" {
		env = append(env, "GPG_KEY_ID="+v.cfg.GPGKeyID)
	}
	if err := v.run(ctx, v.cfg.DumpCommand, env); err != nil {
		return fmt.Errorf("dump command failed: %w", err)
	}

	info, err := os.Stat(file)
	if err != nil {
		return fmt.Errorf("dump file missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("dump file is empty")
	}
	validation.SizeKB = info.Size() / 1024

	checksum, err := fileChecksum(file)
	if err != nil {
		return fmt.Errorf("failed to checksum dump: %w", err)
	}
	validation.Checksum = checksum

	if v.shadowURL != "" {
		restoreEnv := append(env, "DATABASE_URL="+v.shadowURL, "RESTORE=1")
		if err := v.run(ctx, v.cfg.DumpCommand, restoreEnv); err != nil {
			return fmt.Errorf("restore test failed: %w", err)
		}
		validation.RestoreTested = true
	}

	if score, err := v.store.LatestDriftScore(ctx); err == nil {
		validation.DriftClean = score == 100
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func runShell(ctx context.Context, command string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
