package workers

import (
	"context"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/camden-git/facededupe/media"
	"github.com/camden-git/facededupe/realtime"
)

// ImageSource loads stored images for the workers
type ImageSource interface {
	ReadAll(relativePath string) ([]byte, error)
	URL(relativePath string) string
}

// ImageIngester is the workflow run for every stored original
type ImageIngester interface {
	ProcessImage(ctx context.Context, imageBytes []byte, imageLocation string)
}

// Notifier receives ingestion progress. realtime.Hub satisfies it.
type Notifier interface {
	Broadcast(event realtime.Event)
}

type IngestJob struct {
	RelativePath string
}

// IngestQueue feeds newly stored originals to a pool of ingestion workers
type IngestQueue struct {
	JobQueue chan IngestJob
	Source   ImageSource
	Ingester ImageIngester
	Notifier Notifier
	Wg       sync.WaitGroup
	StopChan chan struct{}
	Pending  map[string]bool
	Mutex    sync.Mutex

	stopOnce sync.Once
}

func NewIngestQueue(source ImageSource, ingester ImageIngester, queueSize, numWorkers int) *IngestQueue {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	q := &IngestQueue{
		JobQueue: make(chan IngestJob, queueSize),
		Source:   source,
		Ingester: ingester,
		StopChan: make(chan struct{}),
		Pending:  make(map[string]bool),
	}
	q.Wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go q.worker(i)
	}
	log.Printf("Started %d ingestion worker(s) with queue size %d", numWorkers, queueSize)
	return q
}

// HandleStored is registered as a media store listener. Only originals
// trigger ingestion; anything under a thumbnail directory was written by the
// workflow itself and is ignored.
func (q *IngestQueue) HandleStored(assetType media.AssetType, relativePath string) {
	if assetType != media.AssetTypeOriginal {
		return
	}
	if isThumbnailPath(relativePath) {
		log.Printf("ingest.queue: Ignoring thumbnail path %s", relativePath)
		return
	}
	q.QueueJob(IngestJob{RelativePath: relativePath})
}

func isThumbnailPath(relativePath string) bool {
	for _, part := range strings.Split(path.Clean(strings.ReplaceAll(relativePath, "\\", "/")), "/") {
		if strings.EqualFold(part, media.ThumbnailDirName) {
			return true
		}
	}
	return false
}

// QueueJob reports whether the job was queued. a job already pending for the
// same path is not queued twice; a full queue drops the job.
func (q *IngestQueue) QueueJob(job IngestJob) bool {
	q.Mutex.Lock()
	if q.Pending[job.RelativePath] {
		q.Mutex.Unlock()
		return false
	}
	q.Pending[job.RelativePath] = true
	q.Mutex.Unlock()

	select {
	case q.JobQueue <- job:
		log.Printf("Queued ingestion for: %s", job.RelativePath)
		q.notify(job.RelativePath, realtime.StatusQueued, nil)
		return true
	default:
		log.Printf("WARNING: Ingestion job queue full. Dropping: %s", job.RelativePath)
		q.clearPending(job.RelativePath)
		q.notify(job.RelativePath, realtime.StatusDropped, nil)
		return false
	}
}

func (q *IngestQueue) notify(relativePath, status string, err error) {
	if q.Notifier == nil {
		return
	}
	event := realtime.Event{Type: "ingest", Path: relativePath, Status: status}
	if err != nil {
		event.Error = err.Error()
	}
	q.Notifier.Broadcast(event)
}

func (q *IngestQueue) clearPending(relativePath string) {
	q.Mutex.Lock()
	delete(q.Pending, relativePath)
	q.Mutex.Unlock()
}

func (q *IngestQueue) worker(id int) {
	defer q.Wg.Done()

	log.Printf("Ingestion worker %d started", id)
	for {
		select {
		case job, ok := <-q.JobQueue:
			if !ok {
				log.Printf("Ingestion worker %d stopping: Job queue closed", id)
				return
			}
			q.process(id, job)
			q.clearPending(job.RelativePath)

		case <-q.StopChan:
			log.Printf("Ingestion worker %d stopping: Stop signal received", id)
			return
		}
	}
}

func (q *IngestQueue) process(id int, job IngestJob) {
	data, err := q.Source.ReadAll(job.RelativePath)
	if err != nil {
		log.Printf("Worker %d: ERROR reading %s: %v. Skipping job.", id, job.RelativePath, err)
		q.notify(job.RelativePath, realtime.StatusFailed, err)
		return
	}
	log.Printf("Worker %d: Ingesting %s (%d bytes)", id, job.RelativePath, len(data))
	q.notify(job.RelativePath, realtime.StatusProcessing, nil)
	q.Ingester.ProcessImage(context.Background(), data, q.Source.URL(job.RelativePath))
	q.notify(job.RelativePath, realtime.StatusDone, nil)
}

// Stop signals the workers and waits for in-flight jobs. queued jobs that
// were not started are dropped.
func (q *IngestQueue) Stop() {
	q.stopOnce.Do(func() {
		log.Println("Stopping ingestion workers...")
		close(q.StopChan)
		q.Wg.Wait()
		log.Printf("All ingestion workers stopped (%d queued job(s) dropped)", len(q.JobQueue))
	})
}
