package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/metrics"
)

// exportSubdir under the data dir receives the missing-hash logs, exported
// sidecars and invalid files pulled out of the structure.
const exportSubdir = "missing_and_invalid_files"

// runIntegrityJob checks one file's presence, and for data kinds its
// content, then applies the kind's policy: log, redownload, remove the
// record, export the bad file, or a combination.
func (r *Runner) runIntegrityJob(ctx context.Context, h files.Hash, kind JobKind) error {
	rec, err := r.records.LookupRecord(ctx, h)
	if err != nil {
		return err
	}
	if rec == nil {
		// Record already gone; the job is moot.
		return nil
	}

	path, err := r.manager.GetFilePath(ctx, h, rec.Mime)
	fileMissing := errors.Is(err, files.ErrFileMissing)
	if err != nil && !fileMissing {
		return err
	}

	fileInvalid := false
	if !fileMissing && kind.checksData() {
		actual, hashErr := files.HashFile(path)
		if hashErr != nil {
			return hashErr
		}
		fileInvalid = actual != h
	}

	if !fileMissing && !fileInvalid {
		return nil
	}

	metrics.RecordMaintenanceBadFile()

	note := "missing"
	if fileInvalid {
		note = "invalid, content does not match hash"
	}
	logging.L().Warn("integrity check failed",
		zap.String("hash", h.Hex()), zap.String("problem", note), zap.String("job", kind.Label()))
	r.appendBadFileLog(h, note)

	if kind == JobPresenceLogOnly {
		return nil
	}

	useful := rec.UsefulURLs()

	var tryRedownload, deleteRecord bool
	switch kind {
	case JobPresenceTryURLElseRemove, JobDataTryURLElseRemove:
		tryRedownload = len(useful) > 0
		deleteRecord = !tryRedownload
	case JobPresenceTryURL, JobDataTryURL:
		tryRedownload = len(useful) > 0
	case JobPresenceRemoveRecord, JobPresenceDeleteRecord, JobDataRemoveRecord:
		deleteRecord = true
	}

	doExport := fileInvalid &&
		(kind == JobDataRemoveRecord || kind == JobDataTryURLElseRemove ||
			kind == JobDataSilentDelete || (kind == JobDataTryURL && tryRedownload))

	if doExport {
		if err := r.exportInvalidFile(ctx, h, rec.Mime, kind); err != nil {
			return err
		}
	}

	if tryRedownload {
		if err := r.results.QueueRedownload(ctx, h, useful); err != nil {
			return err
		}
	}

	if deleteRecord {
		r.exportSidecars(rec)
		leaveDeletionRecord := kind == JobPresenceDeleteRecord
		if err := r.results.DeleteRecord(ctx, h, leaveDeletionRecord); err != nil {
			return err
		}
		r.warnBadRecordOnce()
	}

	return nil
}

// exportInvalidFile moves a content-mismatched file out of the structure
// into the export directory so nothing else trusts it.
func (r *Runner) exportInvalidFile(ctx context.Context, h files.Hash, mime files.Mime, kind JobKind) error {
	dest, err := r.manager.ExportFile(ctx, h, mime, r.exportDir())
	if err != nil {
		return err
	}
	logging.L().Warn("exported invalid file",
		zap.String("hash", h.Hex()), zap.String("dest", dest))
	if kind != JobDataSilentDelete {
		r.warnExportOnce()
	}
	return nil
}

// exportSidecars writes a record's tags and URLs next to the bad-file log so
// nothing is lost when the record is removed.
func (r *Runner) exportSidecars(rec *files.Record) {
	dir := r.exportDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.L().Error("could not create export directory", zap.String("dir", dir), zap.Error(err))
		return
	}

	hex := rec.Hash.Hex()
	if len(rec.Tags) > 0 {
		path := filepath.Join(dir, hex+".tags.txt")
		if err := os.WriteFile(path, []byte(strings.Join(rec.Tags, "\n")+"\n"), 0644); err != nil {
			logging.L().Error("could not write tag sidecar", zap.String("path", path), zap.Error(err))
		}
	}
	if len(rec.URLs) > 0 {
		urls := make([]string, 0, len(rec.URLs))
		for _, u := range rec.URLs {
			urls = append(urls, u.URL)
		}
		path := filepath.Join(dir, hex+".urls.txt")
		if err := os.WriteFile(path, []byte(strings.Join(urls, "\n")+"\n"), 0644); err != nil {
			logging.L().Error("could not write url sidecar", zap.String("path", path), zap.Error(err))
		}
		r.appendFile(filepath.Join(dir, "all_urls.txt"), strings.Join(urls, "\n")+"\n")
	}
}

// appendBadFileLog appends one line to the dated bad-file log.
func (r *Runner) appendBadFileLog(h files.Hash, note string) {
	dir := r.exportDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.L().Error("could not create export directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	name := fmt.Sprintf("missing and invalid files - %s.log", time.Now().Format("2006-01-02"))
	r.appendFile(filepath.Join(dir, name), fmt.Sprintf("%s - %s\n", h.Hex(), note))
}

func (r *Runner) appendFile(path, line string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.L().Error("could not open log for append", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		logging.L().Error("could not append to log", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runner) exportDir() string {
	return filepath.Join(r.dataDir, exportSubdir)
}

// warnBadRecordOnce tells the operator, once per boot, that records are
// being removed for files that could not be found or verified.
func (r *Runner) warnBadRecordOnce() {
	r.mu.Lock()
	warned := r.warnedBadRecord
	r.warnedBadRecord = true
	r.mu.Unlock()
	if warned {
		return
	}
	r.events.PublishMessage(
		"Maintenance found files that were missing or damaged and removed their records. " +
			"Their tags and URLs were exported to the data directory. Check the bad-file log for details.")
}

// warnExportOnce tells the operator, once per boot, that invalid files were
// moved out of the structure.
func (r *Runner) warnExportOnce() {
	r.mu.Lock()
	warned := r.warnedExport
	r.warnedExport = true
	r.mu.Unlock()
	if warned {
		return
	}
	r.events.PublishMessage(
		"Maintenance found files whose content did not match their hash and moved them to the data directory.")
}
