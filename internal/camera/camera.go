// Package camera models photo capture as a capability that yields a
// PhotoRef. The workflow only needs the reference to exist.
package camera

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Capturer takes one photo.
type Capturer interface {
	Capture(ctx context.Context) (domain.PhotoRef, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (domain.PhotoRef, error)

// Capture calls f.
func (f CapturerFunc) Capture(ctx context.Context) (domain.PhotoRef, error) {
	return f(ctx)
}

// MockCapturer returns synthetic file references. It is used when the
// device has no camera integration, and in tests.
type MockCapturer struct {
	SizeBytes int64
	Now       func() time.Time
	seq       atomic.Int64
}

// Capture implements Capturer.
func (m *MockCapturer) Capture(ctx context.Context) (domain.PhotoRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.PhotoRef{}, err
	}
	n := m.seq.Add(1)
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	size := m.SizeBytes
	if size == 0 {
		size = 1_500_000
	}
	return domain.PhotoRef{
		Ref:       fmt.Sprintf("file://capture-%d.jpg", n),
		Timestamp: now().UTC(),
		SizeBytes: size,
	}, nil
}

// SlotCapturer serializes captures per slot key (for example
// "inspection/tracks/after") so a second capture for the same slot waits
// for the first. Every successful capture is added to the Album.
type SlotCapturer struct {
	Camera Capturer
	Album  *Album

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

// NewSlotCapturer wraps c with a fresh album.
func NewSlotCapturer(c Capturer) *SlotCapturer {
	return &SlotCapturer{Camera: c, Album: &Album{}, slots: make(map[string]*sync.Mutex)}
}

func (s *SlotCapturer) slot(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.slots[key]
	if !ok {
		m = &sync.Mutex{}
		s.slots[key] = m
	}
	return m
}

// Capture takes a photo for slot.
func (s *SlotCapturer) Capture(ctx context.Context, slot string) (domain.PhotoRef, error) {
	m := s.slot(slot)
	m.Lock()
	defer m.Unlock()

	ref, err := s.Camera.Capture(ctx)
	if err != nil {
		return domain.PhotoRef{}, domain.WrapEngineError(domain.ErrCaptureFailed.Code, "capture "+slot, err)
	}
	if ref.Empty() {
		return domain.PhotoRef{}, domain.NewEngineError(domain.ErrCaptureFailed.Code, "capture "+slot+": empty reference")
	}
	s.Album.Add(ref)
	return ref, nil
}

// Album keeps the photos taken during a shift. It is safe for concurrent use.
type Album struct {
	mu     sync.Mutex
	photos []domain.PhotoRef
}

// Add appends a photo.
func (a *Album) Add(ref domain.PhotoRef) {
	a.mu.Lock()
	a.photos = append(a.photos, ref)
	a.mu.Unlock()
}

// Remove drops the photo with the given reference and reports whether it existed.
func (a *Album) Remove(ref string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.photos, func(p domain.PhotoRef) bool { return p.Ref == ref })
	if i < 0 {
		return false
	}
	a.photos = slices.Delete(a.photos, i, i+1)
	return true
}

// Clear drops every photo.
func (a *Album) Clear() {
	a.mu.Lock()
	a.photos = nil
	a.mu.Unlock()
}

// Photos returns a copy of the album.
func (a *Album) Photos() []domain.PhotoRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.photos)
}

// TotalSize sums SizeBytes over the album.
func (a *Album) TotalSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, p := range a.photos {
		n += p.SizeBytes
	}
	return n
}

// TotalSizeMB formats TotalSize in mebibytes with two decimals.
func (a *Album) TotalSizeMB() string {
	return fmt.Sprintf("%.2f", float64(a.TotalSize())/1024/1024)
}
