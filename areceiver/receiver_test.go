package areceiver

import "testing"

func TestReceiverLifecycle(t *testing.T) {
	r := New()
	if !r.Alive() {
		t.Fatal("freshly created receiver should be alive")
	}
	select {
	case <-r.Done():
		t.Fatal("Done should not be closed yet")
	default:
	}

	r.Close()
	if r.Alive() {
		t.Fatal("receiver should be dead after Close")
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}

	// Close must be idempotent.
	r.Close()
}

func TestNilReceiverIsAlwaysAlive(t *testing.T) {
	var r *Receiver
	if !r.Alive() {
		t.Fatal("nil receiver should report alive")
	}
	if r.Done() != nil {
		t.Fatal("nil receiver's Done channel should be nil")
	}
	r.Close() // must not panic
}
