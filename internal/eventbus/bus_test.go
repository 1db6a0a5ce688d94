package eventbus

import "testing"

func TestFanoutAndDrop(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, CycleStarted, "s1")
	Publish(b, CycleFinished, "s1")

	if e := <-a; e.Type != CycleStarted || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("full subscriber should have dropped, got %+v", e)
	default:
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel must be closed after unsubscribe")
	}
	Publish(b, CycleFailed, nil)
	Publish(nil, CycleFailed, nil)
}
