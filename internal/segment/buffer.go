package segment

import "sync"

// Buffer is the ordered frame store shared by ingestion and the processing
// cycle. Frames are never mutated after Append. Appends only ever go to the
// tail and only the processing cycle removes from the head, so indices taken
// from a Snapshot stay valid until that cycle drops them.
type Buffer struct {
	mu     sync.Mutex
	frames [][]byte
	size   int
}

// Append takes ownership of frame.
func (b *Buffer) Append(frame []byte) {
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	b.size += len(frame)
	b.mu.Unlock()
}

// Snapshot returns the current frames. The slice is a copy; the frames are
// shared read-only.
func (b *Buffer) Snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.frames...)
}

// DropFront removes the oldest n frames.
func (b *Buffer) DropFront(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= len(b.frames) {
		b.frames = nil
		b.size = 0
		return
	}
	for _, f := range b.frames[:n] {
		b.size -= len(f)
	}
	b.frames = append([][]byte(nil), b.frames[n:]...)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.frames = nil
	b.size = 0
	b.mu.Unlock()
}

// Len is the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Size is the number of buffered bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func windowBytes(frames [][]byte) int {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	return total
}
