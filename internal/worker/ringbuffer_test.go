package worker

import "testing"

func TestRingBufferTailWithinCapacity(t *testing.T) {
	rb := newRingBuffer(5)
	rb.append("a")
	rb.append("b")
	rb.append("c")

	got := rb.tail(10)
	want := "a\nb\nc"
	if got != want {
		t.Fatalf("tail = %q, want %q", got, want)
	}
}

func TestRingBufferDiscardsOldestOverCapacity(t *testing.T) {
	rb := newRingBuffer(3)
	for _, l := range []string{"1", "2", "3", "4", "5"} {
		rb.append(l)
	}
	got := rb.tail(10)
	want := "3\n4\n5"
	if got != want {
		t.Fatalf("tail = %q, want %q", got, want)
	}
}

func TestRingBufferTailLimitsToN(t *testing.T) {
	rb := newRingBuffer(10)
	for _, l := range []string{"1", "2", "3", "4"} {
		rb.append(l)
	}
	got := rb.tail(2)
	want := "3\n4"
	if got != want {
		t.Fatalf("tail(2) = %q, want %q", got, want)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := newRingBuffer(3)
	if got := rb.tail(5); got != "" {
		t.Fatalf("expected empty tail, got %q", got)
	}
}
