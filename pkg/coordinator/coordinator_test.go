package coordinator

import "testing"

func TestTryAcquireIsExclusive(t *testing.T) {
	c := &Coordinator{slot: make(chan struct{}, 1)}

	if err := c.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if err := c.TryAcquire(); err != ErrBusy {
		t.Fatalf("second TryAcquire: got %v, want ErrBusy", err)
	}

	c.Release()
	if err := c.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
}
