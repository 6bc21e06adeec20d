package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS submissions (
	id                     TEXT PRIMARY KEY,
	raw_text               TEXT NOT NULL DEFAULT '',
	normalized_text        TEXT NOT NULL DEFAULT '',
	normalized_hash        TEXT NOT NULL DEFAULT '',
	simhash64              INTEGER NOT NULL DEFAULT 0,
	band0                  INTEGER NOT NULL DEFAULT 0,
	band1                  INTEGER NOT NULL DEFAULT 0,
	band2                  INTEGER NOT NULL DEFAULT 0,
	band3                  INTEGER NOT NULL DEFAULT 0,
	band4                  INTEGER NOT NULL DEFAULT 0,
	message_type           TEXT NOT NULL DEFAULT 'unknown',
	processing_status      TEXT NOT NULL DEFAULT 'ocr',
	sender_id              TEXT NOT NULL DEFAULT '',
	sender_name            TEXT,
	landing_url            TEXT NOT NULL DEFAULT '',
	landing_screenshot_url TEXT NOT NULL DEFAULT '',
	landing_render_status  TEXT NOT NULL DEFAULT '',
	is_fundraising         INTEGER NOT NULL DEFAULT 0,
	public                 INTEGER NOT NULL DEFAULT 0,
	ai_version             TEXT NOT NULL DEFAULT '',
	ai_confidence          REAL,
	ai_summary             TEXT NOT NULL DEFAULT '',
	ocr_ms                 INTEGER,
	classifier_ms          INTEGER,
	email_subject          TEXT NOT NULL DEFAULT '',
	email_from             TEXT NOT NULL DEFAULT '',
	email_body             TEXT NOT NULL DEFAULT '',
	image_url              TEXT NOT NULL DEFAULT '',
	media_urls             TEXT NOT NULL DEFAULT '[]',
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_normalized_hash
	ON submissions(normalized_hash) WHERE normalized_text <> '';
CREATE INDEX IF NOT EXISTS idx_submissions_simhash ON submissions(simhash64);
CREATE INDEX IF NOT EXISTS idx_submissions_band0 ON submissions(band0);
CREATE INDEX IF NOT EXISTS idx_submissions_band1 ON submissions(band1);
CREATE INDEX IF NOT EXISTS idx_submissions_band2 ON submissions(band2);
CREATE INDEX IF NOT EXISTS idx_submissions_band3 ON submissions(band3);
CREATE INDEX IF NOT EXISTS idx_submissions_band4 ON submissions(band4);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(processing_status);

CREATE TABLE IF NOT EXISTS violations (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	code          TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	evidence      TEXT NOT NULL DEFAULT '[]',
	severity      INTEGER NOT NULL DEFAULT 1,
	confidence    REAL NOT NULL DEFAULT 0,
	exempt        INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (submission_id, code)
);

CREATE TABLE IF NOT EXISTS comments (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL DEFAULT 'user',
	content       TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_comments_submission ON comments(submission_id, created_at);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	to_email      TEXT NOT NULL,
	cc_emails     TEXT NOT NULL DEFAULT '[]',
	subject       TEXT NOT NULL DEFAULT '',
	body_text     TEXT NOT NULL DEFAULT '',
	body_html     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	landing_url   TEXT NOT NULL DEFAULT '',
	evidence_url  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	sent_at       DATETIME
);

CREATE INDEX IF NOT EXISTS idx_reports_submission ON reports(submission_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	mediaJSON, err := json.Marshal(nonNilStrings(sub.MediaURLs))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal media urls")
	}
	bands := dedupe.Bands(dedupe.ToUnsigned(sub.SimHash))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, raw_text, normalized_text, normalized_hash, simhash64,
			band0, band1, band2, band3, band4, message_type, processing_status, sender_id,
			landing_url, is_fundraising, public, email_subject, email_from, email_body,
			image_url, media_urls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.RawText, sub.NormalizedText, sub.NormalizedHash, sub.SimHash,
		bands[0], bands[1], bands[2], bands[3], bands[4],
		string(sub.MessageType), string(sub.Status), sub.SenderID,
		sub.LandingURL, sub.IsFundraising, sub.Public, sub.EmailSubject, sub.EmailFrom, sub.EmailBody,
		sub.ImageURL, string(mediaJSON), now, now,
	)
	if isSQLiteUniqueViolation(err, "submissions.normalized_hash") {
		return ErrDuplicateHash
	}
	return eris.Wrap(err, "sqlite: insert submission")
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get submission %s", id)
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PublicOnly {
		query += ` AND public = 1`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list submissions")
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission")
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list submissions iterate")
}

func (s *SQLiteStore) FindIDByHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM submissions WHERE normalized_hash = ? AND normalized_text <> '' LIMIT 1`,
		hash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: find by hash")
	}
	return id, nil
}

func (s *SQLiteStore) SimHashCandidates(ctx context.Context, q dedupe.CandidateQuery) ([]dedupe.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT id, simhash64 FROM submissions WHERE normalized_text <> '' AND (simhash64 BETWEEN ? AND ?`
	args := []any{q.Low, q.High}
	if q.UseBands {
		query += ` OR band0 = ? OR band1 = ? OR band2 = ? OR band3 = ? OR band4 = ?`
		args = append(args, q.Bands[0], q.Bands[1], q.Bands[2], q.Bands[3], q.Bands[4])
	}
	query += `) ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: simhash candidates")
	}
	defer rows.Close()

	var out []dedupe.Candidate
	for rows.Next() {
		var c dedupe.Candidate
		if err := rows.Scan(&c.ID, &c.SimHash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: simhash candidates iterate")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, to model.ProcessingStatus) error {
	sources := statusStrings(to.AllowedSources())
	args := []any{string(to), time.Now().UTC(), id}
	for _, src := range sources {
		args = append(args, src)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET processing_status = ?, updated_at = ? WHERE id = ? AND processing_status IN (`+
			placeholders(len(sources))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT processing_status FROM submissions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "%s -> %s", current, to)
}

func (s *SQLiteStore) UpdateOCRText(ctx context.Context, id string, upd OCRUpdate) error {
	fp := upd.Fingerprint
	bands := dedupe.Bands(dedupe.ToUnsigned(fp.SimHash))
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET raw_text = ?, normalized_text = ?, normalized_hash = ?, simhash64 = ?,
			band0 = ?, band1 = ?, band2 = ?, band3 = ?, band4 = ?, ocr_ms = ?, updated_at = ?
		 WHERE id = ?`,
		upd.RawText, fp.NormalizedText, fp.Hash, fp.SimHash,
		bands[0], bands[1], bands[2], bands[3], bands[4], upd.OCRMs, time.Now().UTC(), id,
	)
	if isSQLiteUniqueViolation(err, "submissions.normalized_hash") {
		return ErrDuplicateHash
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update ocr text %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetLandingPending(ctx context.Context, id, landingURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET landing_url = ?, landing_render_status = ?, landing_screenshot_url = '', updated_at = ?
		 WHERE id = ?`,
		landingURL, string(model.RenderPending), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set landing pending %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CompleteRender(ctx context.Context, id string, status model.RenderStatus, screenshotURL string) error {
	if !model.RenderPending.CanTransition(status) || status == model.RenderPending {
		return eris.Wrapf(ErrInvalidTransition, "render -> %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET landing_render_status = ?, landing_screenshot_url = ?, updated_at = ?
		 WHERE id = ? AND landing_render_status = ?`,
		string(status), screenshotURL, time.Now().UTC(), id, string(model.RenderPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete render %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT landing_render_status FROM submissions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read render status %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "render %q -> %s", current, status)
}

func (s *SQLiteStore) UpdateSenderName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET sender_name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update sender %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetImageURL(ctx context.Context, id, imageURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET image_url = ?, updated_at = ? WHERE id = ?`,
		imageURL, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set image %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateClassification(ctx context.Context, id string, meta model.ClassificationMeta) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET ai_version = ?, ai_confidence = ?, ai_summary = ?, classifier_ms = ?, updated_at = ?
		 WHERE id = ?`,
		meta.AIVersion, meta.AIConfidence, meta.AISummary, meta.ClassifierMs, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update classification %s", id)
	}
	return checkRowsAffected(res)
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSubmission(row scannable) (*model.Submission, error) {
	var sub model.Submission
	var msgType, status, render, mediaJSON string
	err := row.Scan(
		&sub.ID, &sub.RawText, &sub.NormalizedText, &sub.NormalizedHash, &sub.SimHash, &msgType,
		&status, &sub.SenderID, &sub.SenderName, &sub.LandingURL, &sub.LandingScreenshotURL,
		&render, &sub.IsFundraising, &sub.Public, &sub.AIVersion, &sub.AIConfidence, &sub.AISummary,
		&sub.OCRMs, &sub.ClassifierMs, &sub.EmailSubject, &sub.EmailFrom, &sub.EmailBody, &sub.ImageURL,
		&mediaJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mediaJSON), &sub.MediaURLs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal media urls")
	}
	sub.MessageType = model.MessageType(msgType)
	sub.Status = model.ProcessingStatus(status)
	sub.LandingRenderStatus = model.RenderStatus(render)
	return &sub, nil
}

func isSQLiteUniqueViolation(err error, target string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+target)
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
