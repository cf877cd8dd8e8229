package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(LogUpdate{ProjectID: "p1", TaskID: "t1", Chunk: "hello"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			lu, ok := e.(LogUpdate)
			if !ok || lu.Chunk != "hello" {
				t.Errorf("subscriber %d got %#v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestFullSubscriberDropsOldest(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.SubscribeBuffered(2)
	defer cancel()

	b.Publish(LogUpdate{Chunk: "one"})
	b.Publish(LogUpdate{Chunk: "two"})
	b.Publish(LogUpdate{Chunk: "three"})

	got := []string{
		(<-ch).(LogUpdate).Chunk,
		(<-ch).(LogUpdate).Chunk,
	}
	if got[0] != "two" || got[1] != "three" {
		t.Errorf("buffered chunks = %v, want [two three]", got)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancelSlow := b.SubscribeBuffered(1)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(StateChanged{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on slow subscriber")
	}

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publish after cancel must not panic.
	b.Publish(StateChanged{})
}

func TestCloseDrainsSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel open after bus close")
	}
	cancel() // must not panic after close
	b.Publish(StateChanged{})
}

func TestEventWireNames(t *testing.T) {
	cases := []struct {
		e    Event
		want string
	}{
		{StateChanged{}, "state:changed"},
		{LogUpdate{}, "log:update"},
		{OrchestratorLog{}, "orchestrator:log"},
		{WorkspaceLogsChanged{}, "workspace:logsChanged"},
	}
	for _, c := range cases {
		if got := c.e.Type(); got != c.want {
			t.Errorf("%T.Type() = %q, want %q", c.e, got, c.want)
		}
	}
}
