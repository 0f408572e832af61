package policy

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aegnix/abi/pkg/audit"
)

// DefaultPollInterval is how often the loader checks the file mtime.
const DefaultPollInterval = time.Second

// Loader hot-reloads the static policy file. A failed reparse keeps the
// last good document in force and is audited; it never tears down a
// running gateway.
type Loader struct {
	path     string
	interval time.Duration
	audit    *audit.Logger
	log      *slog.Logger

	mu        sync.RWMutex
	current   *Document
	mtime     time.Time
	statErred bool
	onChange  []func(*Document)
}

// NewLoader loads the document at path once, failing hard if the initial
// load is invalid. interval <= 0 means DefaultPollInterval.
func NewLoader(path string, interval time.Duration, auditLog *audit.Logger, log *slog.Logger) (*Loader, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	doc, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{
		path:     path,
		interval: interval,
		audit:    auditLog,
		log:      log,
		current:  doc,
	}
	if st, err := os.Stat(path); err == nil {
		l.mtime = st.ModTime()
	}
	return l, nil
}

// Current returns the document currently in force.
func (l *Loader) Current() *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every successful reload.
func (l *Loader) OnChange(fn func(*Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch polls the file mtime until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Loader) poll(ctx context.Context) {
	st, err := os.Stat(l.path)
	if err != nil {
		// A vanished file is treated like a failed parse: keep last good,
		// report once until it reappears.
		l.mu.Lock()
		first := !l.statErred
		l.statErred = true
		l.mu.Unlock()
		if first {
			l.reloadFailed(ctx, err)
		}
		return
	}

	l.mu.Lock()
	l.statErred = false
	unchanged := st.ModTime().Equal(l.mtime)
	l.mu.Unlock()
	if unchanged {
		return
	}

	doc, err := LoadFile(l.path)
	if err != nil {
		l.mu.Lock()
		l.mtime = st.ModTime()
		l.mu.Unlock()
		l.reloadFailed(ctx, err)
		return
	}

	l.mu.Lock()
	l.current = doc
	l.mtime = st.ModTime()
	hooks := make([]func(*Document), len(l.onChange))
	copy(hooks, l.onChange)
	l.mu.Unlock()

	l.log.Info("policy reloaded", "path", l.path, "version", doc.Version, "subjects", len(doc.Subjects))
	_ = l.audit.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Action:   audit.ActionPolicyReloaded,
		Decision: audit.DecisionApplied,
	})
	for _, fn := range hooks {
		fn(doc)
	}
}

func (l *Loader) reloadFailed(ctx context.Context, cause error) {
	l.log.Warn("policy reload failed, keeping last good document", "path", l.path, "error", cause)
	_ = l.audit.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Action:   audit.ActionPolicyReloadFail,
		Decision: audit.DecisionDenied,
		Reason:   cause.Error(),
	})
}
