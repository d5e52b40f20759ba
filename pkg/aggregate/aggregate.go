// Package aggregate flattens execution records found under a results
// directory into table rows.
package aggregate

import (
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/systemstart/proceed/pkg/api"
	"github.com/systemstart/proceed/pkg/matching"
)

const (
	ColumnGroup        = "group"
	ColumnID           = "id"
	ColumnStepName     = "step_name"
	ColumnStepImage    = "step_image"
	ColumnExitCode     = "exit_code"
	ColumnSkipped      = "skipped"
	ColumnStepStart    = "step_start"
	ColumnStepFinish   = "step_finish"
	ColumnStepDuration = "step_duration"
	ColumnFileRole     = "file_role"
	ColumnFileVolume   = "file_volume"
	ColumnFilePath     = "file_path"
	ColumnFileDigest   = "file_digest"

	// ArgPrefix starts the column name of each pipeline arg.
	ArgPrefix = "arg_"
)

const (
	RoleDone    = "done"
	RoleIn      = "in"
	RoleOut     = "out"
	RoleSummary = "summary"
	RoleLog     = "log"
)

var fixedColumns = []string{
	ColumnGroup,
	ColumnID,
	ColumnStepName,
	ColumnStepImage,
	ColumnExitCode,
	ColumnSkipped,
	ColumnStepStart,
	ColumnStepFinish,
	ColumnStepDuration,
	ColumnFileRole,
	ColumnFileVolume,
	ColumnFilePath,
	ColumnFileDigest,
}

// Row is one line of the summary table, keyed by column name.
type Row map[string]string

// Summarize reads every execution record at root/<group>/<id>/*.yaml and
// returns one row per step file, or a single row for a step without files.
// Files that are not execution records are logged and skipped. An error is
// returned only when root itself cannot be searched.
func Summarize(root string, logger *slog.Logger) ([]Row, error) {
	if logger == nil {
		logger = slog.Default()
	}

	paths, err := discoverRecords(root)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for _, p := range paths {
		file := filepath.Join(root, filepath.FromSlash(p))
		rec, err := api.LoadExecutionRecord(file)
		if err != nil {
			logger.Error("skipping file that is not an execution record", "file", file, "error", err)
			continue
		}

		dir := path.Dir(p)
		group, id := path.Dir(dir), path.Base(dir)
		rows = append(rows, RecordRows(group, id, filepath.Dir(file), rec)...)
	}

	logger.Info("summarized execution records", "files", len(paths), "rows", len(rows))
	return rows, nil
}

// RecordRows flattens one execution record. recordDir is the directory the
// record was read from; relative log paths are looked up below it.
func RecordRows(group, id, recordDir string, rec *api.ExecutionRecord) []Row {
	var rows []Row
	for _, result := range rec.StepResults {
		base := stepRow(group, id, rec.Amended.Args, result)

		files := fileRows(recordDir, result)
		if len(files) == 0 {
			rows = append(rows, withFile(base, fileRow{}))
			continue
		}
		for _, f := range files {
			rows = append(rows, withFile(base, f))
		}
	}
	return rows
}

func stepRow(group, id string, args map[string]string, result api.StepResult) Row {
	row := Row{
		ColumnGroup:        group,
		ColumnID:           id,
		ColumnStepName:     result.Name,
		ColumnStepImage:    result.ImageID,
		ColumnExitCode:     "",
		ColumnSkipped:      strconv.FormatBool(result.Skipped),
		ColumnStepStart:    formatTime(result.Timing.Start),
		ColumnStepFinish:   formatTime(result.Timing.Finish),
		ColumnStepDuration: strconv.FormatFloat(result.Timing.Duration, 'f', -1, 64),
	}
	if result.ExitCode != nil {
		row[ColumnExitCode] = strconv.Itoa(*result.ExitCode)
	}
	for name, value := range args {
		row[ArgPrefix+name] = value
	}
	return row
}

type fileRow struct {
	role, volume, path, digest string
}

func fileRows(recordDir string, result api.StepResult) []fileRow {
	var rows []fileRow
	roles := []struct {
		role  string
		files map[string]map[string]string
	}{
		{RoleDone, result.FilesDone},
		{RoleIn, result.FilesIn},
		{RoleOut, result.FilesOut},
		{RoleSummary, result.FilesSummary},
	}
	for _, r := range roles {
		for _, e := range matching.Flatten(r.files) {
			rows = append(rows, fileRow{role: r.role, volume: e.Dir, path: e.Path, digest: e.Digest})
		}
	}

	if result.LogFile != "" {
		digest := result.LogDigest
		if digest == "" {
			// A log that can no longer be read still gets a row, without digest.
			digest, _ = matching.HashFile(resolveLogFile(recordDir, result.LogFile), matching.DefaultAlgorithm)
		}
		rows = append(rows, fileRow{
			role:   RoleLog,
			volume: filepath.Dir(result.LogFile),
			path:   filepath.Base(result.LogFile),
			digest: digest,
		})
	}
	return rows
}

// resolveLogFile finds a relative log path, which was relative to wherever
// the run was started, by trying ever shorter trailing parts of it below
// recordDir. The path is returned unchanged when nothing matches.
func resolveLogFile(recordDir, logFile string) string {
	if filepath.IsAbs(logFile) || recordDir == "" {
		return logFile
	}
	parts := strings.Split(filepath.ToSlash(filepath.Clean(logFile)), "/")
	for i := range parts {
		candidate := filepath.Join(recordDir, filepath.FromSlash(path.Join(parts[i:]...)))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return logFile
}

func withFile(base Row, f fileRow) Row {
	row := maps.Clone(base)
	row[ColumnFileRole] = f.role
	row[ColumnFileVolume] = f.volume
	row[ColumnFilePath] = f.path
	row[ColumnFileDigest] = f.digest
	return row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
