package supervisor

import (
	"strings"
	"sync"
)

// infoMarker prefixes informational lines in the backend's output.
const infoMarker = "INFO:"

// Source is the stream a line was read from.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Level is the severity assigned to a line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Line is one classified line of backend output.
type Line struct {
	Level  Level
	Text   string
	Source Source
}

// Classify assigns a level to a raw output line. Lines starting with the
// INFO: marker are Info with the marker stripped. Any other stderr line is
// an Error. Unmarked stdout lines are not kept, and ok is false.
func Classify(src Source, raw string) (line Line, ok bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Line{}, false
	}
	if rest, found := strings.CutPrefix(text, infoMarker); found {
		return Line{Level: LevelInfo, Text: strings.TrimSpace(rest), Source: src}, true
	}
	if src == Stderr {
		return Line{Level: LevelError, Text: text, Source: src}, true
	}
	return Line{}, false
}

// lineQueue is a bounded FIFO that never blocks its producers. When full, the
// oldest line is evicted to make room.
type lineQueue struct {
	ch      chan Line
	mu      sync.Mutex
	dropped func()
}

func newLineQueue(size int, dropped func()) *lineQueue {
	if size < 1 {
		size = 1
	}
	return &lineQueue{ch: make(chan Line, size), dropped: dropped}
}

func (q *lineQueue) push(l Line) {
	// Producers serialize so an eviction always frees the slot it is for.
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- l:
			return
		default:
		}
		select {
		case <-q.ch:
			if q.dropped != nil {
				q.dropped()
			}
		default:
		}
	}
}
