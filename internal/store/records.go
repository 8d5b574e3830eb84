package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/metrics"
)

// InsertRecord creates a file record with its tags and URLs. Used at import.
func (s *Store) InsertRecord(ctx context.Context, rec *files.Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_record", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_records (hash, mime, size, width, height)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash) DO UPDATE SET mime = $2, size = $3, width = $4, height = $5`,
		rec.Hash[:], rec.Mime.String(), rec.Size, rec.Width, rec.Height); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_tags (hash, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rec.Hash[:], tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	for _, u := range rec.URLs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_urls (hash, url, class) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			rec.Hash[:], u.URL, u.Class); err != nil {
			return fmt.Errorf("insert url: %w", err)
		}
	}
	return tx.Commit()
}

// LookupRecord returns a file's record with tags and URLs, or nil when no
// record exists.
func (s *Store) LookupRecord(ctx context.Context, h files.Hash) (*files.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("lookup_record", time.Since(start)) }()

	rec := &files.Record{Hash: h}
	var mimeName string
	err := s.db.QueryRowContext(ctx,
		`SELECT mime, size, width, height FROM file_records WHERE hash = $1`,
		h[:]).Scan(&mimeName, &rec.Size, &rec.Width, &rec.Height)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	rec.Mime = files.MimeFromString(mimeName)

	tagRows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM file_tags WHERE hash = $1 ORDER BY tag`, h[:])
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		rec.Tags = append(rec.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}

	urlRows, err := s.db.QueryContext(ctx,
		`SELECT url, class FROM file_urls WHERE hash = $1 ORDER BY url`, h[:])
	if err != nil {
		return nil, fmt.Errorf("query urls: %w", err)
	}
	defer urlRows.Close()
	for urlRows.Next() {
		var u files.RecordURL
		if err := urlRows.Scan(&u.URL, &u.Class); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		rec.URLs = append(rec.URLs, u)
	}
	return rec, urlRows.Err()
}

// LookupMime returns the recorded mime for a hash.
func (s *Store) LookupMime(ctx context.Context, h files.Hash) (files.Mime, error) {
	var mimeName string
	err := s.db.QueryRowContext(ctx,
		`SELECT mime FROM file_records WHERE hash = $1`, h[:]).Scan(&mimeName)
	if err == sql.ErrNoRows {
		return files.MimeUnknown, fmt.Errorf("no record for %s", h.Hex())
	}
	if err != nil {
		return files.MimeUnknown, fmt.Errorf("query mime: %w", err)
	}
	return files.MimeFromString(mimeName), nil
}

// SetFileModifiedTime records a file's disk modified time.
func (s *Store) SetFileModifiedTime(ctx context.Context, h files.Hash, mtime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET file_modified_at = $2 WHERE hash = $1`, h[:], mtime)
	if err != nil {
		return fmt.Errorf("set file modified time: %w", err)
	}
	return nil
}

// SetFileInfo updates a record's type, size and dimensions.
func (s *Store) SetFileInfo(ctx context.Context, h files.Hash, mime files.Mime, size int64, width, height int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET mime = $2, size = $3, width = $4, height = $5 WHERE hash = $1`,
		h[:], mime.String(), size, width, height)
	if err != nil {
		return fmt.Errorf("set file info: %w", err)
	}
	return nil
}

// SetExtraHashes stores the supplementary content hashes.
func (s *Store) SetExtraHashes(ctx context.Context, h files.Hash, md5Sum, sha1Sum, sha512Sum []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET md5 = $2, sha1 = $3, sha512 = $4 WHERE hash = $1`,
		h[:], md5Sum, sha1Sum, sha512Sum)
	if err != nil {
		return fmt.Errorf("set extra hashes: %w", err)
	}
	return nil
}

// SetHasEXIF records whether the file carries EXIF metadata.
func (s *Store) SetHasEXIF(ctx context.Context, h files.Hash, has bool) error {
	return s.setFlag(ctx, h, "has_exif", has)
}

// SetHasEmbeddedMetadata records whether the file carries human-readable
// embedded metadata.
func (s *Store) SetHasEmbeddedMetadata(ctx context.Context, h files.Hash, has bool) error {
	return s.setFlag(ctx, h, "has_embedded_metadata", has)
}

// SetHasICCProfile records whether the file embeds an ICC profile.
func (s *Store) SetHasICCProfile(ctx context.Context, h files.Hash, has bool) error {
	return s.setFlag(ctx, h, "has_icc_profile", has)
}

func (s *Store) setFlag(ctx context.Context, h files.Hash, column string, v bool) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE file_records SET %s = $2 WHERE hash = $1`, column), h[:], v)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return nil
}

// SetPixelHash stores the decoded-pixel hash.
func (s *Store) SetPixelHash(ctx context.Context, h files.Hash, pixel files.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET pixel_hash = $2 WHERE hash = $1`, h[:], pixel[:])
	if err != nil {
		return fmt.Errorf("set pixel hash: %w", err)
	}
	return nil
}

// SetPerceptualHash stores the perceptual hash and marks the file a member
// of the similar-files system.
func (s *Store) SetPerceptualHash(ctx context.Context, h files.Hash, perceptual uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO similar_files_members (hash, perceptual_hash) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET perceptual_hash = $2`,
		h[:], int64(perceptual))
	if err != nil {
		return fmt.Errorf("set perceptual hash: %w", err)
	}
	return nil
}

// InSimilarFilesSystem reports whether the hash is a similar-files member.
func (s *Store) InSimilarFilesSystem(ctx context.Context, h files.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM similar_files_members WHERE hash = $1`, h[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query similar files membership: %w", err)
	}
	return true, nil
}

// RemoveFromSimilarFiles drops the hash from the similar-files system.
func (s *Store) RemoveFromSimilarFiles(ctx context.Context, h files.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM similar_files_members WHERE hash = $1`, h[:])
	if err != nil {
		return fmt.Errorf("remove from similar files: %w", err)
	}
	return nil
}

// DeleteRecord removes a file's record, tags, URLs and queued work. With
// leaveDeletionRecord the hash is remembered as deleted so a reimport stays
// deleted; without it any old deletion record is cleared too, so the file
// can come back cleanly.
func (s *Store) DeleteRecord(ctx context.Context, h files.Hash, leaveDeletionRecord bool) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_record", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM file_tags WHERE hash = $1`,
		`DELETE FROM file_urls WHERE hash = $1`,
		`DELETE FROM similar_files_members WHERE hash = $1`,
		`DELETE FROM maintenance_jobs WHERE hash = $1`,
		`DELETE FROM file_records WHERE hash = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, h[:]); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
	}

	if leaveDeletionRecord {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deletion_records (hash) VALUES ($1) ON CONFLICT DO NOTHING`,
			h[:]); err != nil {
			return fmt.Errorf("insert deletion record: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM deletion_records WHERE hash = $1`, h[:]); err != nil {
			return fmt.Errorf("clear deletion record: %w", err)
		}
	}
	return tx.Commit()
}

// HasDeletionRecord reports whether the hash was deliberately deleted
// before.
func (s *Store) HasDeletionRecord(ctx context.Context, h files.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deletion_records WHERE hash = $1`, h[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query deletion record: %w", err)
	}
	return true, nil
}

// QueueRedownload hands a file's useful URLs to the redownload queue.
func (s *Store) QueueRedownload(ctx context.Context, h files.Hash, urls []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, url := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO redownload_queue (hash, url) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			h[:], url); err != nil {
			return fmt.Errorf("queue redownload: %w", err)
		}
	}
	return tx.Commit()
}

// FilterOrphanFileHashes returns the subset of hashes with no file record.
func (s *Store) FilterOrphanFileHashes(ctx context.Context, hashes []files.Hash) ([]files.Hash, error) {
	known, err := s.knownMimes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	var orphans []files.Hash
	for _, h := range hashes {
		if _, ok := known[h]; !ok {
			orphans = append(orphans, h)
		}
	}
	return orphans, nil
}

// FilterOrphanThumbnailHashes returns hashes whose records are gone or whose
// type does not get a thumbnail.
func (s *Store) FilterOrphanThumbnailHashes(ctx context.Context, hashes []files.Hash) ([]files.Hash, error) {
	known, err := s.knownMimes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	var orphans []files.Hash
	for _, h := range hashes {
		mime, ok := known[h]
		if !ok || !mime.HasThumbnail() {
			orphans = append(orphans, h)
		}
	}
	return orphans, nil
}

// knownMimes returns the recorded mime for every hash that has a record.
func (s *Store) knownMimes(ctx context.Context, hashes []files.Hash) (map[files.Hash]files.Mime, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("known_mimes", time.Since(start)) }()

	raw := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		hh := h
		raw = append(raw, hh[:])
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, mime FROM file_records WHERE hash = ANY($1)`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("query known hashes: %w", err)
	}
	defer rows.Close()

	known := make(map[files.Hash]files.Mime)
	for rows.Next() {
		var b []byte
		var mimeName string
		if err := rows.Scan(&b, &mimeName); err != nil {
			return nil, fmt.Errorf("scan known hash: %w", err)
		}
		if len(b) != files.HashSize {
			continue
		}
		var h files.Hash
		copy(h[:], b)
		known[h] = files.MimeFromString(mimeName)
	}
	return known, rows.Err()
}
