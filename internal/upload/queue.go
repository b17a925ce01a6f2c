// Package upload stages file attachments for an outgoing message and runs
// their uploads concurrently. The queue is bounded: at most MaxFiles tasks
// may be staged at once, system-wide, and only files whose upload succeeded
// are ever handed to a send.
package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"courier/internal/api"
	"courier/internal/models"
)

// MaxFiles is the queue capacity. Adding beyond it fails with ErrQueueFull.
const MaxFiles = 5

var (
	// ErrQueueFull is returned by Add when the batch would exceed MaxFiles.
	// The queue is left unchanged.
	ErrQueueFull = errors.New("upload queue full")

	// ErrUploadInFlight is returned by UploadAll while a previous drain is
	// still running. The queue must not be shared across overlapping sends.
	ErrUploadInFlight = errors.New("upload already in flight")
)

// File is an opaque handle to local content staged for upload.
type File struct {
	Name     string
	Mimetype string
	Content  io.Reader
}

// Task tracks one file through the queue. Result transitions once from nil
// to the server-assigned attachment; Err is set instead when the upload
// failed. Progress is the last reported transfer percentage.
type Task struct {
	File     File
	Result   *models.Attachment
	Err      error
	Progress int
}

// Uploader is the content-API dependency of the queue.
type Uploader interface {
	UploadFile(ctx context.Context, filename, mimetype string, r io.Reader, onProgress api.ProgressFunc) (*models.Attachment, error)
}

// Callbacks receive per-task events during UploadAll. Any field may be nil.
type Callbacks struct {
	OnProgress func(t *Task, percent int)
	OnComplete func(t *Task)
	OnError    func(t *Task, err error)
}

// Queue holds up to MaxFiles pending attachments for a single outgoing
// message.
type Queue struct {
	mu        sync.Mutex
	uploader  Uploader
	tasks     []*Task
	uploading bool
	log       *slog.Logger
}

// NewQueue creates an empty queue backed by the given uploader.
func NewQueue(uploader Uploader, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{uploader: uploader, log: log}
}

// Add stages files for upload. When the batch would exceed MaxFiles it
// returns ErrQueueFull and stages nothing.
func (q *Queue) Add(files ...File) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks)+len(files) > MaxFiles {
		return nil, ErrQueueFull
	}
	added := make([]*Task, 0, len(files))
	for _, f := range files {
		t := &Task{File: f}
		q.tasks = append(q.tasks, t)
		added = append(added, t)
	}
	return added, nil
}

// Len returns the number of staged tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// CanAdd reports whether n more files fit in the queue.
func (q *Queue) CanAdd(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)+n <= MaxFiles
}

// Uploading reports whether a drain is in progress.
func (q *Queue) Uploading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.uploading
}

// UploadAll uploads every pending task concurrently: all uploads start
// before any is waited on, so batch duration tracks the slowest upload, not
// the sum. A failing task never cancels its siblings; failures are reported
// per task through cb.OnError and recorded on the task itself.
func (q *Queue) UploadAll(ctx context.Context, cb Callbacks) error {
	q.mu.Lock()
	if q.uploading {
		q.mu.Unlock()
		return ErrUploadInFlight
	}
	q.uploading = true
	pending := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.Result == nil && t.Err == nil {
			pending = append(pending, t)
		}
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range pending {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			res, err := q.uploader.UploadFile(ctx, t.File.Name, t.File.Mimetype, t.File.Content, func(pct int) {
				q.mu.Lock()
				t.Progress = pct
				q.mu.Unlock()
				if cb.OnProgress != nil {
					cb.OnProgress(t, pct)
				}
			})

			q.mu.Lock()
			if err != nil {
				t.Err = err
			} else {
				t.Result = res
				t.Progress = 100
			}
			q.mu.Unlock()

			if err != nil {
				q.log.Warn("upload failed",
					slog.String("filename", t.File.Name),
					slog.String("error", err.Error()))
				if cb.OnError != nil {
					cb.OnError(t, err)
				}
			} else if cb.OnComplete != nil {
				cb.OnComplete(t)
			}
		}(t)
	}
	wg.Wait()

	q.mu.Lock()
	q.uploading = false
	q.mu.Unlock()
	return nil
}

// Ready returns the attachments whose upload succeeded, in enqueue order.
// Completion order is deliberately not reflected here.
func (q *Queue) Ready() []models.Attachment {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]models.Attachment, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.Result != nil {
			ready = append(ready, *t.Result)
		}
	}
	return ready
}

// Remove drops a staged task from the queue.
func (q *Queue) Remove(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t == task {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// Clear empties the queue. Callers must clear after every send, successful
// or not, so stale tasks never leak into the next message.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
}

// Progress returns how many staged tasks have completed successfully out of
// the total staged.
func (q *Queue) Progress() (completed, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Result != nil {
			completed++
		}
	}
	return completed, len(q.tasks)
}
