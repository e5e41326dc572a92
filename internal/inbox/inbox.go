// Package inbox ingests alert payloads dropped as files into a directory.
// A file named <source>--<name>.json is ingested as a webhook from
// <source>; files without a source prefix are treated as generic. Ingested
// files move to done/, files that fail normalization move to failed/.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
)

const (
	debounceDefault = 200 * time.Millisecond
	pollDefault     = 5 * time.Second
	workers         = 5
	queueSize       = 200
	dirPerm         = 0o750

	// SourceSeparator splits the source from the rest of a file name.
	SourceSeparator = "--"
	// DefaultSource is used for files without a source prefix.
	DefaultSource = "generic"
)

// Ingester stores a raw payload as an event.
type Ingester interface {
	Ingest(ctx context.Context, source string, raw []byte, headers http.Header) (*model.AlertEvent, error)
}

// Options tune an Inbox. Zero values use the defaults.
type Options struct {
	Logger   *zap.Logger
	Debounce time.Duration
	// Poll forces polling at this interval instead of fsnotify.
	Poll time.Duration
}

// Inbox watches one directory.
type Inbox struct {
	dir      string
	ingester Ingester
	logger   *zap.Logger
	debounce time.Duration
	poll     time.Duration

	mu      sync.Mutex
	claimed map[string]bool
}

// New returns an inbox over dir.
func New(dir string, ing Ingester, opts Options) *Inbox {
	in := &Inbox{
		dir:      dir,
		ingester: ing,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		poll:     opts.Poll,
		claimed:  make(map[string]bool),
	}
	if in.logger == nil {
		in.logger = zap.NewNop()
	}
	if in.debounce <= 0 {
		in.debounce = debounceDefault
	}
	return in
}

// DoneDir holds files that were ingested.
func (in *Inbox) DoneDir() string { return filepath.Join(in.dir, "done") }

// FailedDir holds files whose payload could not be normalized.
func (in *Inbox) FailedDir() string { return filepath.Join(in.dir, "failed") }

// EnsureDirs creates the inbox and its done and failed directories.
func (in *Inbox) EnsureDirs() error {
	for _, d := range []string{in.dir, in.DoneDir(), in.FailedDir()} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Run ingests files already present and then every new one until ctx is
// cancelled. When fsnotify is unavailable it falls back to polling.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.EnsureDirs(); err != nil {
		return err
	}

	queue := make(chan string, queueSize)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				in.safeHandle(ctx, path)
			}
		}()
	}
	defer func() {
		close(queue)
		wg.Wait()
	}()

	if in.poll > 0 {
		return in.runPoll(ctx, queue)
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(in.dir)
		if err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		in.logger.Warn("fsnotify unavailable, polling inbox", zap.String("dir", in.dir), zap.Error(err))
		in.poll = pollDefault
		return in.runPoll(ctx, queue)
	}
	defer func() { _ = watcher.Close() }()

	// The watch is active before the scan so no file falls between them;
	// claim() drops the duplicate when both report the same file.
	in.scan(ctx, queue)
	return in.runWatch(ctx, watcher, queue)
}

func (in *Inbox) runWatch(ctx context.Context, watcher *fsnotify.Watcher, queue chan<- string) error {
	ready := make(map[string]bool)
	flush := func() {
		for p := range ready {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
		ready = make(map[string]bool)
	}

	timer := time.NewTimer(in.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !isPayloadFile(event.Name) {
				continue
			}
			ready[event.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(in.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (in *Inbox) runPoll(ctx context.Context, queue chan<- string) error {
	in.scan(ctx, queue)
	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in.scan(ctx, queue)
		}
	}
}

// scan queues every payload file currently in the inbox.
func (in *Inbox) scan(ctx context.Context, queue chan<- string) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Warn("inbox scan failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(in.dir, e.Name())
		if !isPayloadFile(path) {
			continue
		}
		in.mu.Lock()
		busy := in.claimed[path]
		in.mu.Unlock()
		if busy {
			continue
		}
		select {
		case queue <- path:
		case <-ctx.Done():
			return
		}
	}
}

func (in *Inbox) safeHandle(ctx context.Context, path string) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("inbox handler panic", zap.String("path", path), zap.Any("panic", r))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := in.Handle(ctx, path); err != nil {
		in.logger.Warn("inbox file not ingested", zap.String("path", path), zap.Error(err))
	}
}

// Handle ingests one file and moves it out of the inbox. A file whose
// ingestion fails on a store error stays in place for the next scan.
func (in *Inbox) Handle(ctx context.Context, path string) error {
	if !in.claim(path) {
		return nil
	}
	defer in.release(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read payload: %w", err)
	}

	source := SourceOf(path)
	headers := http.Header{}
	headers.Set("X-Event-Id", strings.TrimSuffix(filepath.Base(path), ".json"))
	ev, err := in.ingester.Ingest(ctx, source, raw, headers)
	if err != nil {
		return err
	}

	dest := in.DoneDir()
	if ev.Status == model.EventFailed {
		dest = in.FailedDir()
	}
	if err := os.Rename(path, filepath.Join(dest, filepath.Base(path))); err != nil {
		return fmt.Errorf("move payload: %w", err)
	}
	in.logger.Debug("inbox file ingested",
		zap.String("path", path),
		zap.String("event_id", ev.ID),
		zap.String("status", string(ev.Status)))
	return nil
}

func (in *Inbox) claim(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.claimed[path] {
		return false
	}
	in.claimed[path] = true
	return true
}

func (in *Inbox) release(path string) {
	in.mu.Lock()
	delete(in.claimed, path)
	in.mu.Unlock()
}

// SourceOf returns the source encoded in a payload file name.
func SourceOf(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, SourceSeparator); i > 0 {
		return strings.ToLower(name[:i])
	}
	return DefaultSource
}

// isPayloadFile accepts .json files; partial writes end in .tmp.
func isPayloadFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
