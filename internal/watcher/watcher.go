// Package watcher ingests DocumentInput payloads that the extraction service
// drops into an inbox directory. Each *.json file is indexed once per write,
// then moved to processed/ or, when it can never succeed, to failed/.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/models"
)

const (
	defaultDebounce   = 400 * time.Millisecond
	defaultRetryDelay = 30 * time.Second

	processedDir = "processed"
	failedDir    = "failed"
)

// Ingester indexes one document payload.
type Ingester interface {
	IndexDocument(ctx context.Context, in *models.DocumentInput) (*models.IndexResult, error)
}

// Watcher watches an inbox directory and feeds payload files to an Ingester.
type Watcher struct {
	dir        string
	ingester   Ingester
	debounce   time.Duration
	retryDelay time.Duration
	onResult   func(path string, res *models.IndexResult, err error)
	logger     *zap.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	debounceMap map[string]*time.Timer
	processing  map[string]bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must stay unchanged before it is read.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithRetryDelay sets the wait before a payload that failed transiently is retried.
func WithRetryDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.retryDelay = d }
}

// WithResultHook registers a callback invoked after every processing attempt.
func WithResultHook(fn func(path string, res *models.IndexResult, err error)) WatcherOption {
	return func(w *Watcher) { w.onResult = fn }
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, ingester Ingester, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		ingester:    ingester,
		debounce:    defaultDebounce,
		retryDelay:  defaultRetryDelay,
		logger:      zap.NewNop(),
		debounceMap: make(map[string]*time.Timer),
		processing:  make(map[string]bool),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the watched inbox directory.
func (w *Watcher) Dir() string { return w.dir }

// Start creates the inbox layout, begins watching and queues files already
// present. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	for _, d := range []string{w.dir, filepath.Join(w.dir, processedDir), filepath.Join(w.dir, failedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	w.logger.Info("Watching inbox", zap.String("dir", w.dir))

	go w.run(w.ctx, watcher)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && isPayload(e.Name()) {
			w.scheduleLocked(filepath.Join(w.dir, e.Name()), 0)
		}
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("Inbox watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if filepath.Dir(path) != w.dir || !isPayload(path) {
		return
	}
	w.logger.Debug("Inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(path, w.debounce)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelPending(path)
	}
}

func isPayload(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".json")
}

func (w *Watcher) schedule(path string, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(path, delay)
}

func (w *Watcher) scheduleLocked(path string, delay time.Duration) {
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(delay, func() { w.fire(path) })
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// fire runs when a file's debounce expires. A file still being processed
// from an earlier write is picked up again after the current attempt.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.debounceMap, path)
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.processing[path] {
		w.scheduleLocked(path, w.debounce)
		w.mu.Unlock()
		return
	}
	w.processing[path] = true
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.processing, path)
		w.mu.Unlock()
		w.wg.Done()
	}()
	w.process(ctx, path)
}

func (w *Watcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read inbox file", zap.String("path", path), zap.Error(err))
		}
		return
	}

	var in models.DocumentInput
	if err := json.Unmarshal(data, &in); err != nil {
		err = models.Invalidf("decoding %s: %v", filepath.Base(path), err)
		w.finish(path, nil, err)
		return
	}

	res, err := w.ingester.IndexDocument(ctx, &in)
	switch {
	case err == nil:
		w.logger.Info("Inbox document indexed",
			zap.String("file", filepath.Base(path)),
			zap.Int64("document_id", in.DocumentID),
			zap.Int64("patient_id", in.PatientID),
			zap.Int("chunks", res.ChunkCount),
			zap.Bool("skipped", res.Skipped))
	case ctx.Err() != nil:
		// shutting down; the file stays and is picked up on the next start
		w.report(path, nil, err)
		return
	case errors.Is(err, models.ErrTransient):
		w.logger.Warn("Inbox document failed, will retry",
			zap.String("file", filepath.Base(path)),
			zap.Int64("document_id", in.DocumentID),
			zap.Duration("retry_in", w.retryDelay),
			zap.Error(err))
		w.report(path, nil, err)
		w.schedule(path, w.retryDelay)
		return
	}
	w.finish(path, res, err)
}

// finish moves the payload out of the inbox and reports the outcome.
func (w *Watcher) finish(path string, res *models.IndexResult, cause error) {
	sub := processedDir
	if cause != nil {
		sub = failedDir
		w.logger.Warn("Inbox document rejected", zap.String("file", filepath.Base(path)), zap.Error(cause))
	}
	dest := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("Failed to move inbox file", zap.String("path", path), zap.String("dest", dest), zap.Error(err))
	} else if cause != nil {
		msg := fmt.Sprintf("%s\n", cause.Error())
		if err := os.WriteFile(dest+".error", []byte(msg), 0o640); err != nil {
			w.logger.Warn("Failed to write error note", zap.String("path", dest), zap.Error(err))
		}
	}
	w.report(path, res, cause)
}

func (w *Watcher) report(path string, res *models.IndexResult, err error) {
	if w.onResult != nil {
		w.onResult(path, res, err)
	}
}

// Pending returns the number of files waiting for their debounce or retry.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debounceMap)
}

// Stop stops watching, cancels in-flight ingestion and waits for it to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.cancel()
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}
