package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/channel"
	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/hash/sha256"
	"github.com/JakeFAU/mdimg-client/internal/markdown"
	"github.com/JakeFAU/mdimg-client/internal/progress"
	"github.com/JakeFAU/mdimg-client/internal/storage/local"
	"github.com/JakeFAU/mdimg-client/internal/submit"
	"github.com/JakeFAU/mdimg-client/internal/telemetry"
	"github.com/JakeFAU/mdimg-client/internal/view"
)

// ErrConnectionLost is returned when the progress channel stops reconnecting
// before the job reported completion.
var ErrConnectionLost = errors.New(view.ExhaustedMessage)

// Result summarises one finished run.
type Result struct {
	RunID    uuid.UUID
	Receipt  convert.Receipt
	Counters convert.JobCounters
	// ArtifactURI is where the converted artifact was archived, if anywhere.
	ArtifactURI string
	// SavedPath is the local file path when archiving to the filesystem.
	SavedPath string
	// ArtifactSHA256 is the hex digest of the archived bytes.
	ArtifactSHA256 string
}

// RunFile validates path, uploads it, follows progress until the job is
// terminal, and archives the converted artifact.
func (a *App) RunFile(ctx context.Context, filePath string) (Result, error) {
	info, err := submit.ValidateFile(filePath, a.cfg.MaxFileSize())
	if err != nil {
		a.view.Fail(err)
		return Result{}, err
	}
	expected := 1
	if info.Markdown {
		src, err := os.ReadFile(info.Path) //nolint:gosec // path is supplied by the local user
		if err != nil {
			a.view.Fail(err)
			return Result{}, fmt.Errorf("read %s: %w", info.Path, err)
		}
		expected = markdown.Inspect(src).Count()
	}
	return a.run(ctx, "upload", convert.KindFileUpload, info.Path, expected, func(ctx context.Context) (convert.Receipt, error) {
		return a.submitter.SubmitFile(ctx, info.Path)
	})
}

// RunURL validates rawURL, asks the backend to convert it, and follows the
// job like RunFile.
func (a *App) RunURL(ctx context.Context, rawURL string) (Result, error) {
	u, err := submit.ValidateURL(rawURL)
	if err != nil {
		a.view.Fail(err)
		return Result{}, err
	}
	return a.run(ctx, "convert", convert.KindURLConvert, u.String(), 0, func(ctx context.Context) (convert.Receipt, error) {
		return a.submitter.SubmitURL(ctx, u.String())
	})
}

func (a *App) run(
	ctx context.Context,
	op string,
	kind convert.JobKind,
	source string,
	expected int,
	submitFn func(context.Context) (convert.Receipt, error),
) (res Result, err error) {
	runID, err := a.ids.NewRunID()
	if err != nil {
		return Result{}, err
	}
	res.RunID = runID

	ctx, span := telemetry.Tracer().Start(ctx, "mdimg."+op, trace.WithAttributes(
		attribute.String("mdimg.run_id", runID.String()),
		attribute.String("mdimg.client_id", a.channel.ClientID()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("mdimg.job_id", res.Receipt.Handle.ID))
		}
		span.End()
	}()
	var emitter progress.Emitter
	if a.hub != nil {
		emitter = a.hub
	}
	rec := progress.NewRecorder(emitter, runID, a.channel.ClientID(), a.clock.Now)
	rec.Begin(kind, source)
	w := newWatcher()
	defer a.channel.Register(rec)()
	defer a.channel.Register(w)()

	logger := a.logger.With(zap.String("run_id", runID.String()))
	a.ensureConnected(ctx, w, logger)

	start := a.clock.Now()
	receipt, err := submitFn(ctx)
	a.metrics.ObserveSubmit(a.cfg.Backend.BaseURL, op, err, a.clock.Now().Sub(start))
	if err != nil {
		return res, a.fail(rec, err)
	}
	res.Receipt = receipt
	handle := receipt.Handle
	handle.Terminal = receipt.Completed()
	rec.Submitted(handle)
	a.view.Submitted(handle, expected)

	if !handle.Terminal {
		if err := a.channel.Bind(handle); err != nil {
			return res, a.fail(rec, fmt.Errorf("bind job: %w", err))
		}
		defer a.channel.Release()
		if err := a.await(ctx, w); err != nil {
			return res, a.fail(rec, err)
		}
	}

	res.ArtifactURI, res.SavedPath, res.ArtifactSHA256, err = a.archive(ctx, receipt)
	if err != nil {
		return res, a.fail(rec, err)
	}
	if receipt.SuccessfulItems > 0 || receipt.TotalItems > 0 {
		rec.Reported(convert.JobCounters{
			ItemsSucceeded: receipt.SuccessfulItems,
			ItemsFailed:    max(receipt.TotalItems-receipt.SuccessfulItems, 0),
		})
	}
	res.Counters = rec.Counters()
	rec.Done(receipt.DownloadURL, res.ArtifactURI)

	total := receipt.TotalItems
	if total == 0 {
		total = w.total()
	}
	a.view.Done(view.Summary{
		JobID:       handle.ID,
		DownloadURL: a.resolveDownload(receipt.DownloadURL),
		SavedPath:   res.SavedPath,
		ArtifactURI: res.ArtifactURI,
		Counters:    res.Counters,
		Total:       total,
	})
	logger.Info("job finished",
		zap.String("job_id", handle.ID),
		zap.Int("items_succeeded", res.Counters.ItemsSucceeded),
		zap.Int("items_failed", res.Counters.ItemsFailed),
		zap.String("artifact_sha256", res.ArtifactSHA256),
	)
	return res, nil
}

func (a *App) fail(rec *progress.Recorder, err error) error {
	rec.Fail(err)
	if !errors.Is(err, ErrConnectionLost) {
		a.view.Fail(err)
	}
	return err
}

func (a *App) resolveDownload(raw string) string {
	if raw == "" {
		return ""
	}
	return a.submitter.ResolveURL(raw)
}

// ensureConnected starts the session on first use and waits, at most one
// dial timeout, for the handshake to settle. A failed handshake is not fatal:
// the submit still goes out and the channel keeps retrying in the background.
func (a *App) ensureConnected(ctx context.Context, w *watcher, logger *zap.Logger) {
	if err := a.channel.Connect(); err != nil {
		if !errors.Is(err, channel.ErrAlreadyConnected) {
			logger.Warn("progress channel unavailable", zap.Error(err))
		}
		return
	}
	timer := time.NewTimer(a.cfg.DialTimeout())
	defer timer.Stop()
	for {
		if st := a.channel.State(); st != channel.StateConnecting {
			if st != channel.StateOpen {
				logger.Warn("submitting without live progress", zap.Stringer("state", st))
			}
			return
		}
		select {
		case <-w.stateChanged:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// await blocks until the bound job reports its terminal progress frame, the
// channel gives up, or ctx ends.
func (a *App) await(ctx context.Context, w *watcher) error {
	if a.channel.State() == channel.StateExhausted {
		return ErrConnectionLost
	}
	select {
	case <-w.terminal:
		return nil
	case <-w.exhausted:
		return ErrConnectionLost
	case <-ctx.Done():
		return fmt.Errorf("waiting for job: %w", ctx.Err())
	}
}

// archive downloads the converted artifact (or takes the inline content),
// writes it to the configured blob store, and returns its URI, local path,
// and digest.
func (a *App) archive(ctx context.Context, receipt convert.Receipt) (uri, saved, digest string, err error) {
	if a.blobs == nil {
		return "", "", "", nil
	}
	var (
		name        string
		contentType string
		body        *sha256.Reader
	)
	switch {
	case receipt.DownloadURL != "":
		rc, ct, err := a.submitter.Download(ctx, receipt.DownloadURL)
		if err != nil {
			return "", "", "", err
		}
		defer rc.Close() //nolint:errcheck // read-only body
		body = sha256.NewReader(rc)
		defer func() { a.metrics.ObserveDownload(a.cfg.Backend.BaseURL, body.Size()) }()
		name = artifactName(receipt.Filename, receipt.DownloadURL, receipt.Handle.Source)
		contentType = ct
	case receipt.Content != "":
		name = artifactName(receipt.Filename, "", receipt.Handle.Source)
		contentType = "text/markdown; charset=utf-8"
		body = sha256.NewReader(strings.NewReader(receipt.Content))
	default:
		return "", "", "", nil
	}

	uri, err = a.blobs.PutObject(ctx, name, contentType, body)
	if err != nil {
		return "", "", "", fmt.Errorf("archive artifact: %w", err)
	}
	saved, _ = local.FilePath(uri)
	return uri, saved, body.Sum(), nil
}

// artifactName picks the stored object name: the backend's filename, else the
// last segment of the download URL, else the source name with a
// "_processed" suffix.
func artifactName(filename, downloadURL, source string) string {
	if name := path.Base(strings.TrimSpace(filename)); name != "" && name != "." && name != "/" {
		return name
	}
	if downloadURL != "" {
		if u, err := url.Parse(downloadURL); err == nil {
			if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	base := filepath.Base(source)
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" {
		base = "document.md"
	}
	ext := path.Ext(base)
	if ext == "" {
		ext = ".md"
	}
	return strings.TrimSuffix(base, path.Ext(base)) + "_processed" + ext
}

// watcher turns channel callbacks into signals for one run. It never blocks
// the channel's dispatch goroutine.
type watcher struct {
	terminal     chan struct{}
	exhausted    chan struct{}
	stateChanged chan struct{}

	termOnce sync.Once
	exhOnce  sync.Once

	mu        sync.Mutex
	lastTotal int
}

func newWatcher() *watcher {
	return &watcher{
		terminal:     make(chan struct{}),
		exhausted:    make(chan struct{}),
		stateChanged: make(chan struct{}, 1),
	}
}

func (w *watcher) OnProgress(evt channel.ProgressEvent) {
	w.mu.Lock()
	w.lastTotal = evt.Total
	w.mu.Unlock()
	if evt.Terminal {
		w.termOnce.Do(func() { close(w.terminal) })
	}
}

func (w *watcher) OnResult(channel.ResultEvent) {}

func (w *watcher) OnStateChange(change channel.StateChange) {
	if change.To == channel.StateExhausted {
		w.exhOnce.Do(func() { close(w.exhausted) })
	}
	select {
	case w.stateChanged <- struct{}{}:
	default:
	}
}

func (w *watcher) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTotal
}
