package classify

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

// ErrMissingCredentials is reported when no LLM client is configured.
var ErrMissingCredentials = eris.New("classify: anthropic API key not configured")

// statusWriteTimeout bounds the final status write when the caller's
// context is already done.
const statusWriteTimeout = 10 * time.Second

// Options control one classification run.
type Options struct {
	IncludeExistingComments bool     `json:"include_existing_comments,omitempty"`
	ExtraComments           []string `json:"extra_comments,omitempty"`
	ReplaceExisting         bool     `json:"replace_existing,omitempty"`
}

// Result reports the outcome of one classification run.
type Result struct {
	OK             bool   `json:"ok"`
	ViolationCount int    `json:"violation_count"`
	Ms             int64  `json:"ms"`
	Error          string `json:"error,omitempty"`
}

// StageConfig tunes the classifier call.
type StageConfig struct {
	Model     string
	MaxTokens int64
	MaxChars  int
}

// Stage classifies submissions against the taxonomy and persists the
// merged violations.
type Stage struct {
	store  store.Store
	llm    anthropic.Client
	blobs  blob.Storage
	tax    *Taxonomy
	exempt *ExemptionChecker
	cfg    StageConfig
}

// NewStage creates a classification Stage. A nil llm is allowed and makes
// every run fail with ErrMissingCredentials.
func NewStage(st store.Store, llm anthropic.Client, blobs blob.Storage, tax *Taxonomy, exempt *ExemptionChecker, cfg StageConfig) *Stage {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Stage{store: st, llm: llm, blobs: blobs, tax: tax, exempt: exempt, cfg: cfg}
}

// Classify runs one classification pass. The submission always ends in
// done or error, whatever path the run takes.
func (s *Stage) Classify(ctx context.Context, submissionID string, opts Options) (res Result) {
	start := time.Now()
	log := zap.L().With(zap.String("stage", "classify"), zap.String("submission_id", submissionID))

	final := model.StatusError
	missing := false
	defer func() {
		res.Ms = time.Since(start).Milliseconds()
		if !missing {
			s.finish(ctx, submissionID, final, log)
		}
	}()

	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		missing = errors.Is(err, store.ErrNotFound)
		log.Error("classify: load submission failed", zap.Error(err))
		return Result{Error: err.Error()}
	}

	if err := s.store.UpdateStatus(ctx, submissionID, model.StatusClassified); err != nil {
		log.Error("classify: enter classified failed", zap.Error(err))
		return Result{Error: err.Error()}
	}

	if s.llm == nil {
		log.Error("classify: cannot run", zap.Error(ErrMissingCredentials))
		return Result{Error: ErrMissingCredentials.Error()}
	}

	in, err := s.promptInput(ctx, sub, opts)
	if err != nil {
		log.Error("classify: gather context failed", zap.Error(err))
		return Result{Error: err.Error()}
	}
	system, parts := BuildPrompt(s.tax, in)

	temp := 0.0
	resp, err := s.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		System:      anthropic.CachedSystem(system),
		Messages:    []anthropic.Message{anthropic.UserMessage(parts...)},
		Temperature: &temp,
	})
	if err != nil {
		log.Error("classify: llm call failed", zap.Error(err))
		return Result{Error: eris.Wrap(err, "classify: llm call").Error()}
	}
	resp.Usage.LogCost(s.cfg.Model, "classify", submissionID)

	parsed := ParseResponse(resp.Text(), s.tax)
	violations := Merge(parsed.Findings, s.tax)
	count := len(violations)

	if parsed.Malformed {
		// Prior violations stay in place, so report what is stored.
		kept, err := s.store.ListViolations(ctx, submissionID)
		if err != nil {
			log.Warn("classify: count kept violations failed", zap.Error(err))
		}
		count = len(kept)
	} else {
		if opts.ReplaceExisting {
			err = s.store.ReplaceViolations(ctx, submissionID, violations)
		} else {
			err = s.store.AppendViolations(ctx, submissionID, violations)
		}
		if err != nil {
			log.Error("classify: persist violations failed", zap.Error(err))
			return Result{Error: err.Error()}
		}

		if n, err := s.exempt.Check(ctx, submissionID, violations); err != nil {
			log.Warn("classify: exemption check failed", zap.Error(err))
		} else if n > 0 {
			log.Info("classify: violations exempted", zap.Int("count", n))
		}
	}

	meta := model.ClassificationMeta{
		AIVersion:    s.tax.Version + ":" + s.cfg.Model,
		AIConfidence: parsed.Confidence,
		AISummary:    parsed.Summary,
		ClassifierMs: time.Since(start).Milliseconds(),
	}
	if err := s.store.UpdateClassification(ctx, submissionID, meta); err != nil {
		log.Error("classify: store classification failed", zap.Error(err))
		return Result{Error: err.Error()}
	}

	final = model.StatusDone
	log.Info("classify: complete",
		zap.Int("violations", count),
		zap.Bool("malformed", parsed.Malformed),
		zap.Bool("replace", opts.ReplaceExisting),
		zap.Int64("duration_ms", meta.ClassifierMs),
	)
	return Result{OK: true, ViolationCount: count}
}

// RecheckExemptions applies the exemption rules to the stored violations
// again. It runs after the sender name lands, since a classification that
// finished first matched against the sender id alone.
func (s *Stage) RecheckExemptions(ctx context.Context, submissionID string) (int, error) {
	vs, err := s.store.ListViolations(ctx, submissionID)
	if err != nil {
		return 0, eris.Wrap(err, "classify: list violations")
	}
	n, err := s.exempt.Check(ctx, submissionID, vs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		zap.L().Info("classify: violations exempted after sender extraction",
			zap.String("submission_id", submissionID), zap.Int("count", n))
	}
	return n, nil
}

func (s *Stage) promptInput(ctx context.Context, sub *model.Submission, opts Options) (PromptInput, error) {
	in := PromptInput{
		Text:         sub.RawText,
		MessageType:  sub.MessageType,
		EmailSubject: sub.EmailSubject,
		EmailFrom:    sub.EmailFrom,
		LandingURL:   sub.LandingURL,
		MaxChars:     s.cfg.MaxChars,
	}

	evidence, landing, err := EvidenceImages(ctx, s.blobs, sub)
	if err != nil {
		zap.L().Warn("classify: evidence images incomplete",
			zap.String("submission_id", sub.ID), zap.Error(err))
	}
	in.Evidence, in.Landing = evidence, landing

	if opts.IncludeExistingComments {
		comments, err := s.store.ListComments(ctx, sub.ID)
		if err != nil {
			return in, eris.Wrap(err, "classify: list comments")
		}
		for _, c := range comments {
			in.Comments = append(in.Comments, c.Content)
		}
	}
	in.Comments = append(in.Comments, opts.ExtraComments...)
	return in, nil
}

// finish writes the terminal status. It detaches from ctx so a cancelled
// request still leaves the row in done or error.
func (s *Stage) finish(ctx context.Context, id string, to model.ProcessingStatus, log *zap.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(wctx, id, to); err != nil {
		log.Error("classify: terminal status write failed", zap.String("to", string(to)), zap.Error(err))
	}
}
