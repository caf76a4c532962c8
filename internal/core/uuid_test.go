package core

import "testing"

func TestNewUUIDv7(t *testing.T) {
	id := NewUUIDv7()
	if id == "" {
		t.Fatal("NewUUIDv7() returned empty string")
	}
	if !IsValidUUIDv7(id) {
		t.Errorf("NewUUIDv7() = %q, not a valid UUIDv7", id)
	}
}

func TestIsValidUUIDv7(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{NewUUIDv7(), true},
		{"01908a9c-e4a5-7c8b-8d3e-0a1b2c3d4e5f", true},
		// version nibble is 4
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"", false},
		{"not-a-uuid", false},
	}

	for _, tt := range tests {
		got := IsValidUUIDv7(tt.input)
		if got != tt.want {
			t.Errorf("IsValidUUIDv7(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestHandle_Identity(t *testing.T) {
	a, b := NewHandle(), NewHandle()
	if a.Equal(b) {
		t.Errorf("distinct handles %s and %s compare equal", a, b)
	}
	if !a.Equal(a) {
		t.Error("handle does not equal itself")
	}
	var none *Handle
	if none.Equal(a) || a.Equal(none) {
		t.Error("nil handle should only equal nil")
	}
	if !IsValidUUIDv7(a.ID()) {
		t.Errorf("handle id %q is not a UUIDv7", a.ID())
	}
}

func TestHandle_Stop(t *testing.T) {
	h := NewHandle()
	if !h.IsObserving() {
		t.Fatal("new handle should be observing")
	}
	h.Stop()
	h.Stop()
	if h.IsObserving() {
		t.Error("stopped handle still observing")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}
