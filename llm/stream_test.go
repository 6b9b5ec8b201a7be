package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamYieldsFragmentsInOrder(t *testing.T) {
	s := StaticStream("Bob ", "works ", "with ", "Alice.")
	var got []string
	for s.Next() {
		got = append(got, s.Text())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"Bob ", "works ", "with ", "Alice."}, got)
	assert.False(t, s.Next(), "stream must not restart")
}

func TestStreamCollect(t *testing.T) {
	text, err := StaticStream("a", "b", "c").Collect()
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestStreamTerminalError(t *testing.T) {
	boom := errors.New("backend went away")
	s := NewStream(context.Background(), func(ctx context.Context, emit func(string) error) error {
		if err := emit("partial "); err != nil {
			return err
		}
		return boom
	})

	require.True(t, s.Next())
	assert.Equal(t, "partial ", s.Text())
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStreamAllYieldsErrorLast(t *testing.T) {
	boom := errors.New("boom")
	s := NewStream(context.Background(), func(ctx context.Context, emit func(string) error) error {
		_ = emit("x")
		return boom
	})
	var frags []string
	var last error
	for frag, err := range s.All() {
		if err != nil {
			last = err
			continue
		}
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"x"}, frags)
	assert.ErrorIs(t, last, boom)
}

func TestStreamBackpressure(t *testing.T) {
	produced := make(chan int, 10)
	s := NewStream(context.Background(), func(ctx context.Context, emit func(string) error) error {
		for i := 0; i < 5; i++ {
			if err := emit("f"); err != nil {
				return err
			}
			produced <- i
		}
		return nil
	})
	defer s.Close()

	require.True(t, s.Next())
	// The producer may be at most one fragment ahead of the consumer.
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, len(produced), 1)
}

func TestStreamCloseCancelsProducer(t *testing.T) {
	stopped := make(chan error, 1)
	s := NewStream(context.Background(), func(ctx context.Context, emit func(string) error) error {
		for {
			if err := emit("tick "); err != nil {
				stopped <- err
				return err
			}
		}
	})

	require.True(t, s.Next())
	require.NoError(t, s.Close())

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer still running after Close")
	}
	assert.NoError(t, s.Err(), "closing is not a stream failure")
	assert.False(t, s.Next())
	assert.NoError(t, s.Close(), "Close is idempotent")
}

func TestStreamFromPlainChatter(t *testing.T) {
	c := chatFunc(func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Content: "whole answer"}, nil
	})
	s, err := StreamFrom(context.Background(), c, ChatRequest{})
	require.NoError(t, err)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "whole answer", text)
}

type chatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

func (f chatFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}
