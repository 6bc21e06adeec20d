package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/model"
)

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
}

func (s *SQLiteStore) ReplaceViolations(ctx context.Context, submissionID string, vs []model.Violation) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM violations WHERE submission_id = ?`, submissionID); err != nil {
			return eris.Wrap(err, "delete violations")
		}
		return insertSQLiteViolations(ctx, tx, submissionID, vs, false)
	})
	return eris.Wrapf(err, "sqlite: replace violations %s", submissionID)
}

func (s *SQLiteStore) AppendViolations(ctx context.Context, submissionID string, vs []model.Violation) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertSQLiteViolations(ctx, tx, submissionID, vs, true)
	})
	return eris.Wrapf(err, "sqlite: append violations %s", submissionID)
}

func insertSQLiteViolations(ctx context.Context, tx *sql.Tx, submissionID string, vs []model.Violation, upsert bool) error {
	query := `INSERT INTO violations (id, submission_id, code, title, description, evidence, severity, confidence, exempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += ` ON CONFLICT (submission_id, code) DO UPDATE SET
			title = excluded.title, description = excluded.description, evidence = excluded.evidence,
			severity = excluded.severity, confidence = excluded.confidence`
	}

	for _, row := range violationRows(submissionID, vs) {
		evidenceJSON, err := json.Marshal(row[5])
		if err != nil {
			return eris.Wrap(err, "marshal evidence")
		}
		row[5] = string(evidenceJSON)
		if _, err := tx.ExecContext(ctx, query, row...); err != nil {
			return eris.Wrap(err, "insert violation")
		}
	}
	return nil
}

func (s *SQLiteStore) ListViolations(ctx context.Context, submissionID string) ([]model.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, code, title, description, evidence, severity, confidence, exempt, created_at
		 FROM violations WHERE submission_id = ? ORDER BY code`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list violations")
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		var v model.Violation
		var evidenceJSON string
		if err := rows.Scan(&v.ID, &v.SubmissionID, &v.Code, &v.Title, &v.Description, &evidenceJSON,
			&v.Severity, &v.Confidence, &v.Exempt, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan violation")
		}
		if err := json.Unmarshal([]byte(evidenceJSON), &v.Evidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list violations iterate")
}

func (s *SQLiteStore) MarkExempt(ctx context.Context, submissionID string, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	args := []any{submissionID}
	for _, c := range codes {
		args = append(args, c)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE violations SET exempt = 1 WHERE submission_id = ? AND code IN (`+placeholders(len(codes))+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: mark exempt %s", submissionID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) AddComment(ctx context.Context, c *model.Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Kind == "" {
		c.Kind = model.CommentUser
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, submission_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.SubmissionID, string(c.Kind), c.Content, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert comment")
}

func (s *SQLiteStore) ListComments(ctx context.Context, submissionID string, kinds ...model.CommentKind) ([]model.Comment, error) {
	query := `SELECT id, submission_id, kind, content, created_at FROM comments WHERE submission_id = ?`
	args := []any{submissionID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kindStrings(kinds) {
			args = append(args, k)
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list comments")
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var kind string
		if err := rows.Scan(&c.ID, &c.SubmissionID, &kind, &c.Content, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan comment")
		}
		c.Kind = model.CommentKind(kind)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list comments iterate")
}

func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = model.ReportQueued
	r.CreatedAt = time.Now().UTC()

	ccJSON, err := json.Marshal(nonNilStrings(r.CCEmails))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cc")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, submission_id, to_email, cc_emails, subject, body_text, body_html,
			status, landing_url, evidence_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubmissionID, r.ToEmail, string(ccJSON), r.Subject, r.BodyText, r.BodyHTML,
		string(r.Status), r.LandingURL, r.EvidenceURL, r.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert report")
}

func (s *SQLiteStore) UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus, errMsg string) error {
	var sentAt *time.Time
	if status == model.ReportSent {
		now := time.Now().UTC()
		sentAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, error = ?, sent_at = ? WHERE id = ?`,
		string(status), errMsg, sentAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update report %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListReports(ctx context.Context, submissionID string) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, to_email, cc_emails, subject, body_text, body_html, status,
			landing_url, evidence_url, error, created_at, sent_at
		 FROM reports WHERE submission_id = ? ORDER BY created_at DESC`,
		submissionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		var status, ccJSON string
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.ToEmail, &ccJSON, &r.Subject, &r.BodyText,
			&r.BodyHTML, &status, &r.LandingURL, &r.EvidenceURL, &r.Error, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		if err := json.Unmarshal([]byte(ccJSON), &r.CCEmails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal cc")
		}
		r.Status = model.ReportStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}
