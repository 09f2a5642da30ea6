package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCommandPassesTextAsLastArgument(t *testing.T) {
	c, err := NewCommand([]string{"say", "-v", "en"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var got []string
	c.run = func(ctx context.Context, argv []string) error {
		got = argv
		return nil
	}
	if err := c.Speak(context.Background(), "Knees out!"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	want := []string{"say", "-v", "en", "Knees out!"}
	if len(got) != len(want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv = %v, want %v", got, want)
		}
	}
}

func TestCommandDefaultsToEspeak(t *testing.T) {
	c, err := NewCommand(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.argv[0] != "espeak-ng" {
		t.Fatalf("program = %q", c.argv[0])
	}
	if _, err := NewCommand([]string{""}); err == nil {
		t.Fatal("expected error for empty program")
	}
}

func TestCommandWrapsFailure(t *testing.T) {
	c, _ := NewCommand([]string{"tts"})
	boom := errors.New("boom")
	c.run = func(ctx context.Context, argv []string) error { return boom }

	err := c.Speak(context.Background(), "Chest up")
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if de.Text != "Chest up" || !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCommandNewUtteranceInterruptsPrevious(t *testing.T) {
	c, _ := NewCommand([]string{"tts"})
	started := make(chan struct{})
	var mu sync.Mutex
	var spoken []string
	c.run = func(ctx context.Context, argv []string) error {
		text := argv[len(argv)-1]
		if text == "first" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		mu.Lock()
		spoken = append(spoken, text)
		mu.Unlock()
		return nil
	}

	firstErr := make(chan error, 1)
	go func() { firstErr <- c.Speak(context.Background(), "first") }()
	<-started

	if err := c.Speak(context.Background(), "second"); err != nil {
		t.Fatalf("second: %v", err)
	}
	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("first err = %v, want interrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first utterance was not interrupted")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 1 || spoken[0] != "second" {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestCommandCloseRejectsAndInterrupts(t *testing.T) {
	c, _ := NewCommand([]string{"tts"})
	started := make(chan struct{})
	c.run = func(ctx context.Context, argv []string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() { done <- c.Speak(context.Background(), "long") }()
	<-started
	_ = c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not interrupt playback")
	}
	if err := c.Speak(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close err = %v", err)
	}
}

func TestLogSpeakerHonoursContext(t *testing.T) {
	if err := (Log{}).Speak(context.Background(), "Knees out!"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Log{}).Speak(ctx, "Knees out!"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
