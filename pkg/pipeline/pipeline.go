package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
	"github.com/oneboxhq/onebox/pkg/logging"
	"github.com/oneboxhq/onebox/pkg/reliability"
)

// Stage names a pipeline stage for error reporting.
type Stage string

const (
	StageClassify Stage = "classify"
	StageIndex    Stage = "index"
	StageNotify   Stage = "notify"
)

// StageError reports a per-message, per-stage pipeline failure. Only the
// index stage produces one: classification degrades to Uncategorized and
// notification is best-effort.
type StageError struct {
	Stage Stage
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed for %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options tunes a pipeline instance.
type Options struct {
	// MaxInFlight bounds concurrent pipeline operations for this account so a
	// slow capability cannot queue unbounded parsed emails in memory.
	MaxInFlight int
	// ClassifyTimeout bounds a single classification call.
	ClassifyTimeout time.Duration
	// IndexRetry is the retry budget for indexing upserts.
	IndexRetry reliability.RetryConfig
	// Sanitized masks subjects and addresses in logs.
	Sanitized bool
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = 3
	}
	if out.ClassifyTimeout <= 0 {
		out.ClassifyTimeout = 30 * time.Second
	}
	if out.IndexRetry.MaxAttempts == 0 {
		out.IndexRetry = reliability.IndexRetryConfig()
	}
	return out
}

// Pipeline dispatches parsed emails to the external capabilities:
// classification, then indexing, then notification for Interested emails.
// One instance serves one account; failures on one account's capabilities
// never block another account.
type Pipeline struct {
	classifier Classifier
	indexer    Indexer
	notifier   Notifier
	log        zerolog.Logger
	opts       Options
	sem        chan struct{}
}

// New creates a pipeline for one account.
func New(classifier Classifier, indexer Indexer, notifier Notifier, log zerolog.Logger, opts *Options) *Pipeline {
	o := opts.withDefaults()
	return &Pipeline{
		classifier: classifier,
		indexer:    indexer,
		notifier:   notifier,
		log:        log.With().Str("component", "pipeline").Logger(),
		opts:       o,
		sem:        make(chan struct{}, o.MaxInFlight),
	}
}

// Ingest runs one email through all stages. Stage failures are isolated:
// a classification failure degrades the category to Uncategorized and the
// document is still indexed; an indexing failure is retried within a bounded
// budget and then returned as a *StageError (the message is not acknowledged
// for cursor advancement); a notification failure is logged and ignored.
func (p *Pipeline) Ingest(ctx context.Context, em *email.Email) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	return p.run(ctx, em)
}

// IngestBatch forwards a batch in order of arrival, processing up to
// MaxInFlight messages concurrently. The returned slice has one entry per
// input email, nil for messages that were fully ingested.
func (p *Pipeline) IngestBatch(ctx context.Context, emails []*email.Email) []error {
	errs := make([]error, len(emails))
	var wg sync.WaitGroup

	for i, em := range emails {
		// Acquire in loop order so emails enter the pipeline in arrival
		// order even when stages run concurrently.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, em *email.Email) {
			defer wg.Done()
			defer func() { <-p.sem }()
			errs[i] = p.run(ctx, em)
		}(i, em)
	}

	wg.Wait()
	return errs
}

func (p *Pipeline) run(ctx context.Context, em *email.Email) error {
	traceID := uuid.NewString()
	log := p.log.With().
		Str("trace_id", traceID).
		Str("natural_key", em.NaturalKey()).
		Logger()

	category := p.classify(ctx, &log, em)
	tagged := em.WithCategory(category)

	if err := reliability.RetryWithBackoff(ctx, p.opts.IndexRetry, func() error {
		return p.indexer.Upsert(ctx, tagged)
	}); err != nil {
		log.Error().Err(err).Msg("Indexing failed after retries, message not acknowledged")
		return &StageError{Stage: StageIndex, Key: em.NaturalKey(), Err: err}
	}

	if category == email.CategoryInterested {
		if err := p.notifier.Notify(ctx, "InterestedLead", tagged); err != nil {
			log.Warn().Err(err).Msg("Notification failed, continuing (best-effort)")
		}
	}

	if p.opts.Sanitized {
		log.Info().
			Str("category", string(category)).
			Str("from_masked", logging.MaskEmail(tagged.From)).
			Msg("Email ingested")
	} else {
		log.Info().
			Str("category", string(category)).
			Str("subject", logging.BoundAndClean(tagged.Subject, 256)).
			Msg("Email ingested")
	}
	return nil
}

// classify calls the classification capability with a bounded timeout and
// degrades to Uncategorized on any failure.
func (p *Pipeline) classify(ctx context.Context, log *zerolog.Logger, em *email.Email) email.Category {
	var category email.Category
	err := reliability.WithTimeout(ctx, p.opts.ClassifyTimeout, func(ctx context.Context) error {
		var err error
		category, err = p.classifier.Classify(ctx, em)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Classification failed, degrading to Uncategorized")
		return email.CategoryUncategorized
	}
	if !email.ValidCategory(string(category)) {
		log.Warn().Str("category", string(category)).Msg("Classifier returned unknown label, degrading to Uncategorized")
		return email.CategoryUncategorized
	}
	return category
}
