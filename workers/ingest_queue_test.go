package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camden-git/facededupe/media"
	"github.com/camden-git/facededupe/realtime"
)

type stubSource struct {
	files map[string][]byte
}

func (s *stubSource) ReadAll(relativePath string) ([]byte, error) {
	data, ok := s.files[relativePath]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *stubSource) URL(relativePath string) string {
	return "http://assets.test/" + relativePath
}

type ingestCall struct {
	data     string
	location string
}

type stubIngester struct {
	mu      sync.Mutex
	calls   []ingestCall
	started chan string
	release chan struct{}
	done    chan struct{}
}

func newStubIngester() *stubIngester {
	return &stubIngester{
		started: make(chan string, 10),
		done:    make(chan struct{}, 10),
	}
}

func (s *stubIngester) ProcessImage(ctx context.Context, imageBytes []byte, imageLocation string) {
	s.started <- imageLocation
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.calls = append(s.calls, ingestCall{data: string(imageBytes), location: imageLocation})
	s.mu.Unlock()
	s.done <- struct{}{}
}

func waitFor(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestHandleStoredIngestsOriginals(t *testing.T) {
	source := &stubSource{files: map[string][]byte{"faces/a.jpg": []byte("jpeg-a")}}
	ingester := newStubIngester()
	q := NewIngestQueue(source, ingester, 10, 2)
	defer q.Stop()

	q.HandleStored(media.AssetTypeOriginal, "faces/a.jpg")
	waitFor(t, ingester.done, 1)

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	if len(ingester.calls) != 1 {
		t.Fatalf("expected one ingestion, got %d", len(ingester.calls))
	}
	if ingester.calls[0].data != "jpeg-a" || ingester.calls[0].location != "http://assets.test/faces/a.jpg" {
		t.Errorf("unexpected call %+v", ingester.calls[0])
	}
}

func TestHandleStoredIgnoresThumbnails(t *testing.T) {
	tests := []struct {
		name      string
		assetType media.AssetType
		path      string
	}{
		{name: "thumbnail asset type", assetType: media.AssetTypeThumbnail, path: "faces/thumbnail/x.png"},
		{name: "thumbnail path component", assetType: media.AssetTypeOriginal, path: "faces/thumbnail/x.png"},
		{name: "windows separators", assetType: media.AssetTypeOriginal, path: `faces\thumbnail\x.png`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := newStubIngester()
			q := NewIngestQueue(&stubSource{files: map[string][]byte{}}, ingester, 10, 1)

			q.HandleStored(tt.assetType, tt.path)
			q.Stop()

			if len(q.Pending) != 0 || len(q.JobQueue) != 0 || len(ingester.started) != 0 {
				t.Errorf("expected %s to be ignored", tt.path)
			}
		})
	}
}

func TestIsThumbnailPath(t *testing.T) {
	tests := map[string]bool{
		"faces/thumbnail/a.png":  true,
		"thumbnail/a.png":        true,
		"faces/a.jpg":            false,
		"faces/thumbnails.jpg":   false,
		"faces/my-thumbnail.jpg": false,
	}
	for p, want := range tests {
		if got := isThumbnailPath(p); got != want {
			t.Errorf("isThumbnailPath(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestQueueJobDedupesAndDropsWhenFull(t *testing.T) {
	source := &stubSource{files: map[string][]byte{
		"faces/a.jpg": []byte("a"),
		"faces/b.jpg": []byte("b"),
	}}
	ingester := newStubIngester()
	ingester.release = make(chan struct{})
	q := NewIngestQueue(source, ingester, 1, 1)
	defer q.Stop()

	if !q.QueueJob(IngestJob{RelativePath: "faces/a.jpg"}) {
		t.Fatal("expected first job to be queued")
	}
	select {
	case <-ingester.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first job")
	}

	if q.QueueJob(IngestJob{RelativePath: "faces/a.jpg"}) {
		t.Error("expected a pending path to be rejected")
	}
	if !q.QueueJob(IngestJob{RelativePath: "faces/b.jpg"}) {
		t.Error("expected second path to fill the queue")
	}
	if q.QueueJob(IngestJob{RelativePath: "faces/c.jpg"}) {
		t.Error("expected job to be dropped on a full queue")
	}

	close(ingester.release)
	waitFor(t, ingester.done, 2)

	if !q.QueueJob(IngestJob{RelativePath: "faces/c.jpg"}) {
		t.Error("dropped job should be queueable again")
	}
}

func TestUnreadableImageIsSkipped(t *testing.T) {
	ingester := newStubIngester()
	q := NewIngestQueue(&stubSource{files: map[string][]byte{}}, ingester, 10, 1)

	q.QueueJob(IngestJob{RelativePath: "faces/missing.jpg"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		q.Mutex.Lock()
		pending := len(q.Pending)
		q.Mutex.Unlock()
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Stop()

	if len(ingester.started) != 0 {
		t.Error("ingester must not run for unreadable images")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	q := NewIngestQueue(&stubSource{}, newStubIngester(), 1, 3)
	q.Stop()
	q.Stop()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (n *recordingNotifier) Broadcast(event realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Status)
	}
	return out
}

func TestNotifierReceivesProgress(t *testing.T) {
	source := &stubSource{files: map[string][]byte{"faces/a.jpg": []byte("a")}}
	ingester := newStubIngester()
	notifier := &recordingNotifier{}
	q := NewIngestQueue(source, ingester, 10, 1)
	q.Notifier = notifier

	q.HandleStored(media.AssetTypeOriginal, "faces/a.jpg")
	waitFor(t, ingester.done, 1)
	q.Stop()

	want := []string{realtime.StatusQueued, realtime.StatusProcessing, realtime.StatusDone}
	got := notifier.statuses()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
