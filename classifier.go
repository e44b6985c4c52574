package paygate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Reason explains why a request was or was not classified as a payment.
type Reason string

const (
	ReasonNone    Reason = "none"
	ReasonDomain  Reason = "domain"
	ReasonKeyword Reason = "keyword"
	ReasonModel   Reason = "model"
	ReasonSkipped Reason = "skipped"
)

// Classification is the result of running a Classifier over a Descriptor.
type Classification struct {
	Payment bool
	Reason  Reason
	// Match is the domain fragment or keyword that triggered, if any.
	Match string
	// Score is the model probability when Reason is ReasonModel.
	Score float64
}

// Classifier decides whether a request is payment related.
type Classifier interface {
	Classify(ctx context.Context, d *Descriptor) Classification
}

// ClassifierFunc is a function adapter for Classifier.
type ClassifierFunc func(ctx context.Context, d *Descriptor) Classification

// Classify calls f(ctx, d).
func (f ClassifierFunc) Classify(ctx context.Context, d *Descriptor) Classification {
	return f(ctx, d)
}

// DefaultPaymentDomains are URL fragments of well known payment providers.
var DefaultPaymentDomains = []string{
	"paypal.com",
	"stripe.com",
	"razorpay.com",
	"paytm.com",
	"phonepe.com",
	"gpay.com",
	"apple.com/payment",
	"google.com/pay",
	"checkout",
	"secure.pay",
}

// DefaultPaymentKeywords are searched for in the body and headers.
var DefaultPaymentKeywords = []string{
	"payment",
	"transaction",
	"card",
	"wallet",
	"upi",
	"purchase",
	"order",
	"billing",
	"credit",
	"debit",
	"checkout",
	"pay",
}

// ClassifierConfig holds the tunable rule lists. It is loaded from the
// main config file or from a standalone YAML rules file.
type ClassifierConfig struct {
	// Domains are matched as substrings of the lowercased URL.
	Domains []string `mapstructure:"domains" yaml:"domains"`

	// Keywords are matched against the body and flattened headers.
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`

	// SkipMethods are never classified as payments (CORS preflights).
	SkipMethods []string `mapstructure:"skip_methods" yaml:"skip_methods"`

	// RulesFile optionally points at a YAML file with the three lists above.
	RulesFile string `mapstructure:"rules_file" yaml:"-"`

	// MaxBody is the number of body bytes captured for keyword matching.
	MaxBody int64 `mapstructure:"max_body" yaml:"-"`
}

// DefaultClassifierConfig returns the built-in rule lists.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Domains:     slices.Clone(DefaultPaymentDomains),
		Keywords:    slices.Clone(DefaultPaymentKeywords),
		SkipMethods: []string{"OPTIONS"},
		MaxBody:     DefaultMaxBody,
	}
}

// ParseClassifierConfig parses a YAML rules document. Lists missing from
// the document keep their defaults.
func ParseClassifierConfig(data []byte) (ClassifierConfig, error) {
	cfg := DefaultClassifierConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ClassifierConfig{}, fmt.Errorf("parse classifier rules: %w", err)
	}
	return cfg, nil
}

// LoadClassifierConfig reads a YAML rules file.
func LoadClassifierConfig(path string) (ClassifierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClassifierConfig{}, fmt.Errorf("read classifier rules: %w", err)
	}
	return ParseClassifierConfig(data)
}

// KeywordClassifier is the rule based payment detector. The domain
// check runs first; the body and header scan only runs when no domain
// matched. It never panics: an internal failure classifies the request
// as not a payment.
type KeywordClassifier struct {
	domains  []string
	keywords []string
	skip     map[string]bool

	// Logger receives recovered classification failures.
	Logger *slog.Logger
}

// NewKeywordClassifier builds a classifier from cfg. Patterns are
// lowercased and blanks dropped.
func NewKeywordClassifier(cfg ClassifierConfig) *KeywordClassifier {
	c := &KeywordClassifier{
		domains:  normalizePatterns(cfg.Domains),
		keywords: normalizePatterns(cfg.Keywords),
		skip:     make(map[string]bool, len(cfg.SkipMethods)),
		Logger:   slog.Default(),
	}
	for _, m := range cfg.SkipMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			c.skip[m] = true
		}
	}
	return c
}

func normalizePatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(_ context.Context, d *Descriptor) (res Classification) {
	defer func() {
		if r := recover(); r != nil {
			if c.Logger != nil {
				c.Logger.Warn("classification failed, treating as non-payment", "panic", r)
			}
			res = Classification{Reason: ReasonNone}
		}
	}()

	if d == nil {
		return Classification{Reason: ReasonNone}
	}
	if c.skip[strings.ToUpper(d.Method)] {
		return Classification{Reason: ReasonSkipped}
	}

	u := strings.ToLower(d.URL)
	for _, dom := range c.domains {
		if strings.Contains(u, dom) {
			return Classification{Payment: true, Reason: ReasonDomain, Match: dom}
		}
	}

	text := strings.ToLower(d.BodyText()) + " " + flattenHeaders(d.Header)
	for _, kw := range c.keywords {
		if strings.Contains(text, kw) {
			return Classification{Payment: true, Reason: ReasonKeyword, Match: kw}
		}
	}

	return Classification{Reason: ReasonNone}
}

// Rules returns copies of the active domain and keyword lists.
func (c *KeywordClassifier) Rules() (domains, keywords []string) {
	return slices.Clone(c.domains), slices.Clone(c.keywords)
}

// flattenHeaders renders headers as lowercased "key:value" lines in key order.
func flattenHeaders(h map[string][]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(strings.ToLower(k))
			b.WriteByte(':')
			b.WriteString(strings.ToLower(v))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ---- Model scoring ----

// Scorer is a pluggable model that estimates the probability that a
// request is a payment. ok is false when the model abstains.
type Scorer interface {
	Score(ctx context.Context, d *Descriptor) (p float64, ok bool, err error)
}

// ScorerFunc is a function adapter for Scorer.
type ScorerFunc func(ctx context.Context, d *Descriptor) (float64, bool, error)

// Score calls f(ctx, d).
func (f ScorerFunc) Score(ctx context.Context, d *Descriptor) (float64, bool, error) {
	return f(ctx, d)
}

// DefaultModelThreshold is the probability above which a scored request
// is treated as a payment.
const DefaultModelThreshold = 0.6

// ModelClassifier consults a Scorer and falls back to another Classifier
// when the model abstains or fails.
type ModelClassifier struct {
	Scorer    Scorer
	Threshold float64
	Fallback  Classifier
	Logger    *slog.Logger
}

// NewModelClassifier wraps scorer with the default threshold.
func NewModelClassifier(scorer Scorer, fallback Classifier) *ModelClassifier {
	return &ModelClassifier{
		Scorer:    scorer,
		Threshold: DefaultModelThreshold,
		Fallback:  fallback,
		Logger:    slog.Default(),
	}
}

func (m *ModelClassifier) log() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Classify implements Classifier.
func (m *ModelClassifier) Classify(ctx context.Context, d *Descriptor) (res Classification) {
	fallback := func() Classification {
		if m.Fallback == nil {
			return Classification{Reason: ReasonNone}
		}
		return m.Fallback.Classify(ctx, d)
	}
	defer func() {
		if r := recover(); r != nil {
			m.log().Warn("scorer panicked, using fallback", "panic", r)
			res = fallback()
		}
	}()

	if m.Scorer == nil {
		return fallback()
	}
	p, ok, err := m.Scorer.Score(ctx, d)
	if err != nil {
		m.log().Warn("scorer failed, using fallback", "error", err)
		return fallback()
	}
	if !ok {
		return fallback()
	}
	return Classification{Payment: p > m.Threshold, Reason: ReasonModel, Score: p}
}

// ---- Reloadable ----

// ReloadableClassifier swaps its underlying rules atomically so it can
// be reloaded while flows are being classified.
type ReloadableClassifier struct {
	current atomic.Pointer[KeywordClassifier]
	base    ClassifierConfig
	logger  *slog.Logger
}

// NewReloadableClassifier starts from cfg. If cfg.RulesFile is set it is
// loaded on every Reload.
func NewReloadableClassifier(cfg ClassifierConfig, logger *slog.Logger) *ReloadableClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ReloadableClassifier{base: cfg, logger: logger}
	kc := NewKeywordClassifier(cfg)
	kc.Logger = logger
	r.current.Store(kc)
	return r
}

// Classify implements Classifier.
func (r *ReloadableClassifier) Classify(ctx context.Context, d *Descriptor) Classification {
	return r.current.Load().Classify(ctx, d)
}

// Reload re-reads the rules file. The active rules are kept on error.
func (r *ReloadableClassifier) Reload(_ context.Context) error {
	cfg := r.base
	if cfg.RulesFile != "" {
		fileCfg, err := LoadClassifierConfig(cfg.RulesFile)
		if err != nil {
			return err
		}
		cfg.Domains = fileCfg.Domains
		cfg.Keywords = fileCfg.Keywords
		cfg.SkipMethods = fileCfg.SkipMethods
	}
	kc := NewKeywordClassifier(cfg)
	kc.Logger = r.logger
	r.current.Store(kc)
	r.logger.Info("classifier rules loaded", "domains", len(kc.domains), "keywords", len(kc.keywords))
	return nil
}

// Current returns the active rule classifier.
func (r *ReloadableClassifier) Current() *KeywordClassifier {
	return r.current.Load()
}
