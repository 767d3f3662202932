package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("Get returned %q, want %q", got, "v")
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}

	ok, err := s.Has([]byte("missing"))
	if err != nil || ok {
		t.Errorf("Has = %v, %v; want false, nil", ok, err)
	}
}

func TestApply(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("gone"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := s.Apply([]Op{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("gone"), Delete: true},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for key, want := range map[string]string{"a": "1", "b": "2"} {
		got, _ := s.Get([]byte(key))
		if string(got) != want {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}

	if ok, _ := s.Has([]byte("gone")); ok {
		t.Error("deleted key still present")
	}
}

func TestIterateAndDeletePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"x/1", "x/2", "x/3", "y/1"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var seen []string
	err := s.IteratePrefix([]byte("x/"), func(key, _ []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(seen) != 3 || seen[0] != "x/1" || seen[2] != "x/3" {
		t.Errorf("unexpected keys %v", seen)
	}

	if err := s.DeletePrefix([]byte("x/")); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	if ok, _ := s.Has([]byte("x/2")); ok {
		t.Error("prefix key survived DeletePrefix")
	}
	if ok, _ := s.Has([]byte("y/1")); !ok {
		t.Error("DeletePrefix removed a key outside the prefix")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("a"), []byte("b")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Set([]byte("durable"), []byte("yes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, _ := s.Get([]byte("durable"))
	if string(got) != "yes" {
		t.Errorf("value lost across reopen: %q", got)
	}
}
