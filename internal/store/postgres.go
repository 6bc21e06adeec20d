package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/db"
	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"find_id_by_hash":   `SELECT id FROM submissions WHERE normalized_hash = $1 AND normalized_text <> '' LIMIT 1`,
	"get_submission":    `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`,
	"update_status":     `UPDATE submissions SET processing_status = $1, updated_at = $2 WHERE id = $3 AND processing_status = ANY($4)`,
	"update_sender":     `UPDATE submissions SET sender_name = $1, updated_at = $2 WHERE id = $3`,
	"list_violations":   `SELECT id, submission_id, code, title, description, evidence, severity, confidence, exempt, created_at FROM violations WHERE submission_id = $1 ORDER BY code`,
	"insert_comment":    `INSERT INTO comments (id, submission_id, kind, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"status_of":         `SELECT processing_status FROM submissions WHERE id = $1`,
	"render_status_of":  `SELECT landing_render_status FROM submissions WHERE id = $1`,
	"delete_violations": `DELETE FROM violations WHERE submission_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist yet on the first connection before Migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					return nil
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS submissions (
	id                     TEXT PRIMARY KEY,
	raw_text               TEXT NOT NULL DEFAULT '',
	normalized_text        TEXT NOT NULL DEFAULT '',
	normalized_hash        TEXT NOT NULL DEFAULT '',
	simhash64              BIGINT NOT NULL DEFAULT 0,
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
	is_fundraising         BOOLEAN NOT NULL DEFAULT false,
	public                 BOOLEAN NOT NULL DEFAULT false,
	ai_version             TEXT NOT NULL DEFAULT '',
	ai_confidence          DOUBLE PRECISION,
	ai_summary             TEXT NOT NULL DEFAULT '',
	ocr_ms                 BIGINT,
	classifier_ms          BIGINT,
	email_subject          TEXT NOT NULL DEFAULT '',
	email_from             TEXT NOT NULL DEFAULT '',
	email_body             TEXT NOT NULL DEFAULT '',
	image_url              TEXT NOT NULL DEFAULT '',
	media_urls             TEXT[] NOT NULL DEFAULT '{}',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
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
CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at DESC);

CREATE TABLE IF NOT EXISTS violations (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	code          TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	evidence      INTEGER[] NOT NULL DEFAULT '{}',
	severity      INTEGER NOT NULL DEFAULT 1,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	exempt        BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (submission_id, code)
);

CREATE TABLE IF NOT EXISTS comments (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL DEFAULT 'user',
	content       TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_comments_submission ON comments(submission_id, created_at);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	to_email      TEXT NOT NULL,
	cc_emails     TEXT[] NOT NULL DEFAULT '{}',
	subject       TEXT NOT NULL DEFAULT '',
	body_text     TEXT NOT NULL DEFAULT '',
	body_html     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	landing_url   TEXT NOT NULL DEFAULT '',
	evidence_url  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reports_submission ON reports(submission_id, created_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const submissionColumns = `id, raw_text, normalized_text, normalized_hash, simhash64, message_type,
	processing_status, sender_id, sender_name, landing_url, landing_screenshot_url,
	landing_render_status, is_fundraising, public, ai_version, ai_confidence, ai_summary,
	ocr_ms, classifier_ms, email_subject, email_from, email_body, image_url, media_urls,
	created_at, updated_at`

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	if sub.MediaURLs == nil {
		sub.MediaURLs = []string{}
	}
	bands := dedupe.Bands(dedupe.ToUnsigned(sub.SimHash))

	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (id, raw_text, normalized_text, normalized_hash, simhash64,
			band0, band1, band2, band3, band4, message_type, processing_status, sender_id,
			landing_url, is_fundraising, public, email_subject, email_from, email_body,
			image_url, media_urls, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23)`,
		sub.ID, sub.RawText, sub.NormalizedText, sub.NormalizedHash, sub.SimHash,
		bands[0], bands[1], bands[2], bands[3], bands[4],
		string(sub.MessageType), string(sub.Status), sub.SenderID,
		sub.LandingURL, sub.IsFundraising, sub.Public, sub.EmailSubject, sub.EmailFrom, sub.EmailBody,
		sub.ImageURL, sub.MediaURLs, now, now,
	)
	if isPgUniqueViolation(err) {
		return ErrDuplicateHash
	}
	return eris.Wrap(err, "postgres: insert submission")
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanPgSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get submission %s", id)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE ($1 = '' OR processing_status = $1) AND (NOT $2 OR public)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		string(filter.Status), filter.PublicOnly, limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list submissions")
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanPgSubmission(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission")
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list submissions iterate")
}

func (s *PostgresStore) FindIDByHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM submissions WHERE normalized_hash = $1 AND normalized_text <> '' LIMIT 1`,
		hash,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: find by hash")
	}
	return id, nil
}

func (s *PostgresStore) SimHashCandidates(ctx context.Context, q dedupe.CandidateQuery) ([]dedupe.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT id, simhash64 FROM submissions
		 WHERE normalized_text <> '' AND (simhash64 BETWEEN $1 AND $2`
	args := []any{q.Low, q.High}
	if q.UseBands {
		query += ` OR band0 = $3 OR band1 = $4 OR band2 = $5 OR band3 = $6 OR band4 = $7)
		 ORDER BY created_at DESC LIMIT $8`
		args = append(args, q.Bands[0], q.Bands[1], q.Bands[2], q.Bands[3], q.Bands[4], limit)
	} else {
		query += `) ORDER BY created_at DESC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: simhash candidates")
	}
	defer rows.Close()

	var out []dedupe.Candidate
	for rows.Next() {
		var c dedupe.Candidate
		if err := rows.Scan(&c.ID, &c.SimHash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: simhash candidates iterate")
}

// UpdateStatus moves a submission to a new processing status. The WHERE
// clause only matches rows whose current status may legally transition, so
// concurrent writers cannot make an illegal move.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, to model.ProcessingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET processing_status = $1, updated_at = $2 WHERE id = $3 AND processing_status = ANY($4)`,
		string(to), time.Now().UTC(), id, statusStrings(to.AllowedSources()),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT processing_status FROM submissions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "%s -> %s", current, to)
}

func (s *PostgresStore) UpdateOCRText(ctx context.Context, id string, upd OCRUpdate) error {
	fp := upd.Fingerprint
	bands := dedupe.Bands(dedupe.ToUnsigned(fp.SimHash))
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET raw_text = $1, normalized_text = $2, normalized_hash = $3, simhash64 = $4,
			band0 = $5, band1 = $6, band2 = $7, band3 = $8, band4 = $9, ocr_ms = $10, updated_at = $11
		 WHERE id = $12`,
		upd.RawText, fp.NormalizedText, fp.Hash, fp.SimHash,
		bands[0], bands[1], bands[2], bands[3], bands[4], upd.OCRMs, time.Now().UTC(), id,
	)
	if isPgUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update ocr text %s", id)
	}
	return pgRowsAffected(tag)
}

func (s *PostgresStore) SetLandingPending(ctx context.Context, id, landingURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET landing_url = $1, landing_render_status = $2, landing_screenshot_url = '', updated_at = $3
		 WHERE id = $4`,
		landingURL, string(model.RenderPending), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set landing pending %s", id)
	}
	return pgRowsAffected(tag)
}

// CompleteRender moves a pending render to success or failed.
func (s *PostgresStore) CompleteRender(ctx context.Context, id string, status model.RenderStatus, screenshotURL string) error {
	if !model.RenderPending.CanTransition(status) || status == model.RenderPending {
		return eris.Wrapf(ErrInvalidTransition, "render -> %s", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET landing_render_status = $1, landing_screenshot_url = $2, updated_at = $3
		 WHERE id = $4 AND landing_render_status = $5`,
		string(status), screenshotURL, time.Now().UTC(), id, string(model.RenderPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete render %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT landing_render_status FROM submissions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read render status %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "render %q -> %s", current, status)
}

func (s *PostgresStore) UpdateSenderName(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET sender_name = $1, updated_at = $2 WHERE id = $3`,
		name, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update sender %s", id)
	}
	return pgRowsAffected(tag)
}

func (s *PostgresStore) SetImageURL(ctx context.Context, id, imageURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET image_url = $1, updated_at = $2 WHERE id = $3`,
		imageURL, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set image %s", id)
	}
	return pgRowsAffected(tag)
}

func (s *PostgresStore) UpdateClassification(ctx context.Context, id string, meta model.ClassificationMeta) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET ai_version = $1, ai_confidence = $2, ai_summary = $3, classifier_ms = $4, updated_at = $5
		 WHERE id = $6`,
		meta.AIVersion, meta.AIConfidence, meta.AISummary, meta.ClassifierMs, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update classification %s", id)
	}
	return pgRowsAffected(tag)
}

func scanPgSubmission(row pgx.Row) (*model.Submission, error) {
	var sub model.Submission
	var msgType, status, render string
	err := row.Scan(
		&sub.ID, &sub.RawText, &sub.NormalizedText, &sub.NormalizedHash, &sub.SimHash, &msgType,
		&status, &sub.SenderID, &sub.SenderName, &sub.LandingURL, &sub.LandingScreenshotURL,
		&render, &sub.IsFundraising, &sub.Public, &sub.AIVersion, &sub.AIConfidence, &sub.AISummary,
		&sub.OCRMs, &sub.ClassifierMs, &sub.EmailSubject, &sub.EmailFrom, &sub.EmailBody, &sub.ImageURL,
		&sub.MediaURLs, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.MessageType = model.MessageType(msgType)
	sub.Status = model.ProcessingStatus(status)
	sub.LandingRenderStatus = model.RenderStatus(render)
	return &sub, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgRowsAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
