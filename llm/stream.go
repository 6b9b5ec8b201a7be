package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
)

// Stream is a lazy, single-consumer sequence of completion fragments.
//
// The producer runs in its own goroutine and hands fragments over an
// unbuffered channel, so it blocks until the consumer asks for the next
// one. Close, or cancelling the context the stream was created with,
// aborts the backend call. A stream cannot be restarted.
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	frags  chan string
	result chan error
	cancel context.CancelFunc

	cur    string
	err    error
	done   bool
	closed bool
	once   sync.Once
}

// Produce writes fragments through emit and returns when the completion is
// finished. emit returns an error once the stream has been closed; the
// producer must stop and return it.
type Produce func(ctx context.Context, emit func(string) error) error

// NewStream starts produce in a goroutine and returns the consuming end.
func NewStream(ctx context.Context, produce Produce) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frags:  make(chan string),
		result: make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.frags)
		emit := func(frag string) error {
			if frag == "" {
				return nil
			}
			select {
			case s.frags <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.result <- produce(ctx, emit)
	}()
	return s
}

// StaticStream returns a stream that yields the given fragments.
func StaticStream(frags ...string) *Stream {
	return NewStream(context.Background(), func(_ context.Context, emit func(string) error) error {
		for _, f := range frags {
			if err := emit(f); err != nil {
				return err
			}
		}
		return nil
	})
}

// Next advances to the next fragment. It returns false when the stream is
// exhausted, failed, or closed.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	frag, ok := <-s.frags
	if ok {
		s.cur = frag
		return true
	}
	s.finish()
	return false
}

// Text returns the current fragment.
func (s *Stream) Text() string { return s.cur }

// Err returns the terminal error of the stream, if any. It is only
// meaningful after Next has returned false.
func (s *Stream) Err() error { return s.err }

// Close stops the producer and releases the backend connection. It is safe
// to call more than once and after the stream is exhausted.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closed = true
		s.cancel()
		for range s.frags {
		}
		if !s.done {
			s.finish()
		}
	})
	return nil
}

func (s *Stream) finish() {
	s.done = true
	s.cur = ""
	err := <-s.result
	if s.closed && errors.Is(err, context.Canceled) {
		err = nil
	}
	s.err = err
	s.cancel()
}

// All adapts the stream to a range-over-func iterator. A failure is yielded
// as a final ("", err) pair. Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Text(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield("", err)
		}
	}
}

// Collect consumes the whole stream and returns the joined text.
func (s *Stream) Collect() (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Text())
	}
	return b.String(), s.Err()
}

// StreamFrom returns a stream from c. Backends without native streaming
// produce their whole completion as one fragment.
func StreamFrom(ctx context.Context, c Chatter, req ChatRequest) (*Stream, error) {
	if sc, ok := c.(StreamChatter); ok {
		return sc.ChatStream(ctx, req)
	}
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		resp, err := c.Chat(ctx, req)
		if err != nil {
			return err
		}
		return emit(resp.Content)
	}), nil
}
