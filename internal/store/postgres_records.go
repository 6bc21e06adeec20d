package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/db"
	"github.com/sells-group/solicitation-watch/internal/model"
)

var violationCopyColumns = []string{
	"id", "submission_id", "code", "title", "description", "evidence",
	"severity", "confidence", "exempt", "created_at",
}

// ReplaceViolations deletes every prior violation for the submission and
// inserts vs in one transaction, so readers never observe an empty set
// mid-replacement.
func (s *PostgresStore) ReplaceViolations(ctx context.Context, submissionID string, vs []model.Violation) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM violations WHERE submission_id = $1`, submissionID); err != nil {
			return eris.Wrap(err, "delete violations")
		}
		_, err := db.CopyFrom(ctx, tx, "violations", violationCopyColumns, violationRows(submissionID, vs))
		return err
	})
	return eris.Wrapf(err, "postgres: replace violations %s", submissionID)
}

// AppendViolations inserts vs without removing prior rows. A code that
// already exists for the submission is overwritten.
func (s *PostgresStore) AppendViolations(ctx context.Context, submissionID string, vs []model.Violation) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, row := range violationRows(submissionID, vs) {
			_, err := tx.Exec(ctx,
				`INSERT INTO violations (id, submission_id, code, title, description, evidence, severity, confidence, exempt, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (submission_id, code) DO UPDATE SET
					title = EXCLUDED.title, description = EXCLUDED.description, evidence = EXCLUDED.evidence,
					severity = EXCLUDED.severity, confidence = EXCLUDED.confidence`,
				row...,
			)
			if err != nil {
				return eris.Wrap(err, "insert violation")
			}
		}
		return nil
	})
	return eris.Wrapf(err, "postgres: append violations %s", submissionID)
}

func violationRows(submissionID string, vs []model.Violation) [][]any {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(vs))
	for i := range vs {
		v := &vs[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.SubmissionID = submissionID
		v.CreatedAt = now
		evidence := v.Evidence
		if evidence == nil {
			evidence = []int{}
		}
		rows = append(rows, []any{
			v.ID, submissionID, v.Code, v.Title, v.Description, evidence,
			v.Severity, v.Confidence, v.Exempt, now,
		})
	}
	return rows
}

func (s *PostgresStore) ListViolations(ctx context.Context, submissionID string) ([]model.Violation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, code, title, description, evidence, severity, confidence, exempt, created_at
		 FROM violations WHERE submission_id = $1 ORDER BY code`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list violations")
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.ID, &v.SubmissionID, &v.Code, &v.Title, &v.Description, &v.Evidence,
			&v.Severity, &v.Confidence, &v.Exempt, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan violation")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list violations iterate")
}

func (s *PostgresStore) MarkExempt(ctx context.Context, submissionID string, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE violations SET exempt = true WHERE submission_id = $1 AND code = ANY($2)`,
		submissionID, codes,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: mark exempt %s", submissionID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AddComment(ctx context.Context, c *model.Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Kind == "" {
		c.Kind = model.CommentUser
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO comments (id, submission_id, kind, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.SubmissionID, string(c.Kind), c.Content, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert comment")
}

func (s *PostgresStore) ListComments(ctx context.Context, submissionID string, kinds ...model.CommentKind) ([]model.Comment, error) {
	query := `SELECT id, submission_id, kind, content, created_at FROM comments WHERE submission_id = $1`
	args := []any{submissionID}
	if len(kinds) > 0 {
		query += ` AND kind = ANY($2)`
		args = append(args, kindStrings(kinds))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list comments")
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var kind string
		if err := rows.Scan(&c.ID, &c.SubmissionID, &kind, &c.Content, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan comment")
		}
		c.Kind = model.CommentKind(kind)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list comments iterate")
}

func (s *PostgresStore) CreateReport(ctx context.Context, r *model.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = model.ReportQueued
	r.CreatedAt = time.Now().UTC()
	cc := r.CCEmails
	if cc == nil {
		cc = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, submission_id, to_email, cc_emails, subject, body_text, body_html,
			status, landing_url, evidence_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.SubmissionID, r.ToEmail, cc, r.Subject, r.BodyText, r.BodyHTML,
		string(r.Status), r.LandingURL, r.EvidenceURL, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert report")
}

func (s *PostgresStore) UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus, errMsg string) error {
	var sentAt *time.Time
	if status == model.ReportSent {
		now := time.Now().UTC()
		sentAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, error = $2, sent_at = $3 WHERE id = $4`,
		string(status), errMsg, sentAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update report %s", id)
	}
	return pgRowsAffected(tag)
}

func (s *PostgresStore) ListReports(ctx context.Context, submissionID string) ([]model.Report, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, to_email, cc_emails, subject, body_text, body_html, status,
			landing_url, evidence_url, error, created_at, sent_at
		 FROM reports WHERE submission_id = $1 ORDER BY created_at DESC`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		var status string
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.ToEmail, &r.CCEmails, &r.Subject, &r.BodyText,
			&r.BodyHTML, &status, &r.LandingURL, &r.EvidenceURL, &r.Error, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		r.Status = model.ReportStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}
