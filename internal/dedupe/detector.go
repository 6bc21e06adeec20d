package dedupe

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/model"
)

// MatchKind describes how a submission matched the existing corpus.
type MatchKind string

const (
	MatchNone  MatchKind = "none"
	MatchExact MatchKind = "exact"
	MatchNear  MatchKind = "near"
)

// Match is the outcome of a duplicate lookup.
type Match struct {
	Kind     MatchKind `json:"match"`
	CaseID   string    `json:"case_id,omitempty"`
	Distance int       `json:"distance,omitempty"`
}

// Found reports whether any duplicate was detected.
func (m Match) Found() bool {
	return m.Kind == MatchExact || m.Kind == MatchNear
}

// Candidate is a stored fingerprint returned by the prefilter.
type Candidate struct {
	ID      string
	SimHash int64
}

// CandidateQuery bounds the near-duplicate prefilter. Rows whose simhash64
// lies in [Low, High] or that share any band key are returned.
type CandidateQuery struct {
	Low      int64
	High     int64
	Bands    [BandCount]int64
	UseBands bool
	Limit    int
}

// Corpus is the read side of the submission store used for dedup.
type Corpus interface {
	FindIDByHash(ctx context.Context, hash string) (string, error)
	SimHashCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
}

// Config tunes the detector.
type Config struct {
	Threshold      int   `yaml:"threshold" mapstructure:"threshold"`
	Window         int64 `yaml:"window" mapstructure:"window"`
	CandidateLimit int   `yaml:"candidate_limit" mapstructure:"candidate_limit"`
}

// DefaultConfig returns the default thresholds: Hamming distance 4 and a
// ±2^24 numeric window.
func DefaultConfig() Config {
	return Config{
		Threshold:      4,
		Window:         1 << 24,
		CandidateLimit: 500,
	}
}

// Detector checks raw text against the stored corpus.
type Detector struct {
	corpus Corpus
	cfg    Config
}

// NewDetector creates a Detector. Zero-valued config fields take defaults.
func NewDetector(corpus Corpus, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.Threshold >= BandCount {
		zap.L().Warn("dedupe: threshold exceeds band index guarantee, near-match recall relies on the numeric window",
			zap.Int("threshold", cfg.Threshold),
			zap.Int("bands", BandCount),
		)
	}
	return &Detector{corpus: corpus, cfg: cfg}
}

// Threshold returns the configured maximum Hamming distance for a near match.
func (d *Detector) Threshold() int {
	return d.cfg.Threshold
}

// FindDuplicate fingerprints raw text and looks it up in the corpus.
func (d *Detector) FindDuplicate(ctx context.Context, raw string) (Match, error) {
	return d.FindFingerprint(ctx, BuildFingerprint(raw))
}

// FindFingerprint looks up an already-computed fingerprint. Empty normalized
// text is never checked.
func (d *Detector) FindFingerprint(ctx context.Context, fp model.Fingerprint) (Match, error) {
	if fp.NormalizedText == "" {
		return Match{Kind: MatchNone}, nil
	}

	id, err := d.corpus.FindIDByHash(ctx, fp.Hash)
	if err != nil {
		return Match{Kind: MatchNone}, eris.Wrap(err, "dedupe: exact lookup")
	}
	if id != "" {
		return Match{Kind: MatchExact, CaseID: id}, nil
	}

	low, high := window(fp.SimHash, d.cfg.Window)
	cands, err := d.corpus.SimHashCandidates(ctx, CandidateQuery{
		Low:      low,
		High:     high,
		Bands:    Bands(ToUnsigned(fp.SimHash)),
		UseBands: true,
		Limit:    d.cfg.CandidateLimit,
	})
	if err != nil {
		return Match{Kind: MatchNone}, eris.Wrap(err, "dedupe: near lookup")
	}

	target := ToUnsigned(fp.SimHash)
	best := Match{Kind: MatchNone, Distance: math.MaxInt}
	for _, c := range cands {
		dist := Hamming(target, ToUnsigned(c.SimHash))
		if dist < best.Distance {
			best = Match{CaseID: c.ID, Distance: dist}
		}
	}

	if best.CaseID == "" || best.Distance > d.cfg.Threshold {
		return Match{Kind: MatchNone}, nil
	}
	if best.Distance == 0 {
		best.Kind = MatchExact
	} else {
		best.Kind = MatchNear
	}
	return best, nil
}

// window returns [center-w, center+w] clamped to the int64 range.
func window(center, w int64) (int64, int64) {
	low := center - w
	if center < 0 && low > center {
		low = math.MinInt64
	}
	high := center + w
	if center > 0 && high < center {
		high = math.MaxInt64
	}
	return low, high
}
