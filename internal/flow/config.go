// Package flow runs FlowPipe conversations: it matches trigger keywords,
// drives each contact through the ordered questions of a workflow, validates
// answers and hands completed sessions to the CRM.
package flow

import (
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Engine defaults.
const (
	DefaultMaxRetries           = 3
	DefaultSkipCommand          = "skip"
	DefaultMaxAnswerLength      = 1000
	DefaultMaxNameLength        = 100
	DefaultMultiChoiceDelimiter = ","
	DefaultPhoneMinDigits       = 10
	DefaultPhoneMaxDigits       = 15
	DefaultInactivityTimeout    = 30 * time.Minute
	DefaultLockTTL              = 30 * time.Second
	DefaultSweepBatchSize       = 100
)

// Opts holds the engine configuration.
type Opts struct {
	// MaxRetries is the number of invalid answers re-prompted before the
	// session is abandoned.
	MaxRetries           int
	SkipCommand          string
	SkipMatch            models.TriggerMatch
	MaxAnswerLength      int
	MaxNameLength        int
	MultiChoiceDelimiter string
	PhoneMinDigits       int
	PhoneMaxDigits       int
	InactivityTimeout    time.Duration
	// RestartOnTrigger abandons an active session when its contact sends a
	// trigger keyword, instead of treating the keyword as an answer.
	RestartOnTrigger bool
	// AbandonMessage is sent when a session is abandoned; empty disables it.
	AbandonMessage string
	LockTTL        time.Duration
	SweepBatchSize int
	// ProjectionMaxAttempts bounds the durable CRM projection retries.
	ProjectionMaxAttempts int
	// ProjectionDelay postpones the durable projection job so the inline
	// attempt made after each completion normally finishes first.
	ProjectionDelay time.Duration
	Observer        Observer
	// OnOutboxQueued is called after a transition queued outbound messages.
	OnOutboxQueued func()
	Now            func() time.Time
}

// Option configures the engine.
type Option func(*Opts)

// DefaultOpts returns the engine defaults.
func DefaultOpts() Opts {
	return Opts{
		MaxRetries:            DefaultMaxRetries,
		SkipCommand:           DefaultSkipCommand,
		SkipMatch:             models.TriggerMatchExact,
		MaxAnswerLength:       DefaultMaxAnswerLength,
		MaxNameLength:         DefaultMaxNameLength,
		MultiChoiceDelimiter:  DefaultMultiChoiceDelimiter,
		PhoneMinDigits:        DefaultPhoneMinDigits,
		PhoneMaxDigits:        DefaultPhoneMaxDigits,
		InactivityTimeout:     DefaultInactivityTimeout,
		LockTTL:               DefaultLockTTL,
		SweepBatchSize:        DefaultSweepBatchSize,
		ProjectionMaxAttempts: 8,
		ProjectionDelay:       time.Minute,
		Observer:              nopObserver{},
		Now:                   time.Now,
	}
}

// buildOpts applies opts over the defaults and repairs unusable values.
func buildOpts(opts ...Option) Opts {
	cfg := DefaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	def := DefaultOpts()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	cfg.SkipCommand = models.NormalizeKeyword(cfg.SkipCommand)
	if cfg.SkipMatch != models.TriggerMatchPrefix {
		cfg.SkipMatch = models.TriggerMatchExact
	}
	if cfg.MaxAnswerLength <= 0 {
		cfg.MaxAnswerLength = def.MaxAnswerLength
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = def.MaxNameLength
	}
	if cfg.MultiChoiceDelimiter == "" {
		cfg.MultiChoiceDelimiter = def.MultiChoiceDelimiter
	}
	if cfg.PhoneMinDigits <= 0 {
		cfg.PhoneMinDigits = def.PhoneMinDigits
	}
	if cfg.PhoneMaxDigits < cfg.PhoneMinDigits {
		cfg.PhoneMaxDigits = cfg.PhoneMinDigits
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = def.SweepBatchSize
	}
	if cfg.ProjectionMaxAttempts <= 0 {
		cfg.ProjectionMaxAttempts = def.ProjectionMaxAttempts
	}
	if cfg.ProjectionDelay < 0 {
		cfg.ProjectionDelay = 0
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// WithMaxRetries sets how many invalid answers are re-prompted.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithSkipCommand sets the keyword that ends a session early and how it is matched.
func WithSkipCommand(command string, match models.TriggerMatch) Option {
	return func(o *Opts) {
		o.SkipCommand = command
		o.SkipMatch = match
	}
}

// WithMaxAnswerLength caps free-text answers, in runes.
func WithMaxAnswerLength(n int) Option {
	return func(o *Opts) { o.MaxAnswerLength = n }
}

// WithMultiChoiceDelimiter sets the separator for multi-select answers.
func WithMultiChoiceDelimiter(d string) Option {
	return func(o *Opts) { o.MultiChoiceDelimiter = d }
}

// WithPhoneDigits sets the accepted length range of canonical phone numbers.
func WithPhoneDigits(minDigits, maxDigits int) Option {
	return func(o *Opts) {
		o.PhoneMinDigits = minDigits
		o.PhoneMaxDigits = maxDigits
	}
}

// WithInactivityTimeout sets the idle time after which active sessions are abandoned.
func WithInactivityTimeout(d time.Duration) Option {
	return func(o *Opts) { o.InactivityTimeout = d }
}

// WithRestartOnTrigger makes a trigger keyword restart an active session.
func WithRestartOnTrigger(enabled bool) Option {
	return func(o *Opts) { o.RestartOnTrigger = enabled }
}

// WithAbandonMessage sets the notice sent when a session is abandoned.
func WithAbandonMessage(msg string) Option {
	return func(o *Opts) { o.AbandonMessage = msg }
}

// WithLockTTL sets how long a per-contact lock may be held.
func WithLockTTL(d time.Duration) Option {
	return func(o *Opts) { o.LockTTL = d }
}

// WithProjectionMaxAttempts bounds durable CRM projection retries.
func WithProjectionMaxAttempts(n int) Option {
	return func(o *Opts) { o.ProjectionMaxAttempts = n }
}

// WithProjectionDelay sets how long the durable projection job waits before its first run.
func WithProjectionDelay(d time.Duration) Option {
	return func(o *Opts) { o.ProjectionDelay = d }
}

// WithObserver registers a metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// WithOutboxNotifier registers a callback run after outbound messages are queued,
// typically OutboxSender.Notify.
func WithOutboxNotifier(fn func()) Option {
	return func(o *Opts) { o.OnOutboxQueued = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}
