package storage

import (
	"testing"
)

// ===== threads =====

func TestCreateThreadIsStable(t *testing.T) {
	th := NewThreads(newTestStorage(t))

	if _, ok, err := th.ThreadID("contact", "05aa"); ok || err != nil {
		t.Fatalf("fresh thread = %v, %v; want absent", ok, err)
	}

	a, err := th.CreateThread("contact", "05aa")
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	b, _ := th.CreateThread("community", "https://og.example/lobby")
	again, _ := th.CreateThread("contact", "05aa")

	if a != 1 || b != 2 || again != a {
		t.Errorf("ids = %d, %d, %d; want 1, 2, 1", a, b, again)
	}

	got, ok, err := th.ThreadID("contact", "05aa")
	if err != nil || !ok || got != a {
		t.Errorf("ThreadID = %d, %v, %v; want %d", got, ok, err, a)
	}
}

func TestThreadFieldsAndMessages(t *testing.T) {
	th := NewThreads(newTestStorage(t))
	tid, _ := th.CreateThread("contact", "05aa")

	if v, err := th.Field(tid, ThreadUnread); v != 0 || err != nil {
		t.Fatalf("unset field = %d, %v", v, err)
	}
	if err := th.SetField(tid, ThreadUnread, 3); err != nil {
		t.Fatal(err)
	}
	if v, _ := th.Field(tid, ThreadUnread); v != 3 {
		t.Errorf("unread = %d, want 3", v)
	}

	for _, k := range []string{"b", "a", "c"} {
		if err := th.PutMessage(tid, k, []byte("m"+k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := th.DeleteMessage(tid, "c"); err != nil {
		t.Fatal(err)
	}

	var keys []string
	err := th.Messages(tid, func(key string, content []byte) error {
		if string(content) != "m"+key {
			t.Errorf("content of %s = %q", key, content)
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("keys = %v, want [a b]", keys)
	}
}
