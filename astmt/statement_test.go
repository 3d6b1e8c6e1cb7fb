package astmt

import "testing"

func TestNewAutoID(t *testing.T) {
	a := New("SELECT 1")
	b := New("SELECT 2")
	if a.ID == b.ID {
		t.Fatalf("expected distinct auto-generated ids, got %q twice", a.ID)
	}
	if a.Text != "SELECT 1" {
		t.Fatalf("unexpected text %q", a.Text)
	}
}

func TestNewExplicitID(t *testing.T) {
	s := New("SELECT 1", "my_stmt")
	if s.ID != "my_stmt" {
		t.Fatalf("expected explicit id to be kept, got %q", s.ID)
	}
}

func TestStatementIsValueType(t *testing.T) {
	a := New("SELECT 1", "shared")
	b := a
	b.Text = "SELECT 2"
	if a.Text == b.Text {
		t.Fatal("copies should not alias")
	}
	if a.ID != b.ID {
		t.Fatal("copy should keep the same id")
	}
}
