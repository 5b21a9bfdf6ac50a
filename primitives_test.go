package loom

import "testing"

// S1, Simple Just.
func TestJustEmitsOneTokenAndNeverRemoves(t *testing.T) {
	r, err := Just(42).operate(&Context{})
	if err != nil {
		t.Fatal(err)
	}

	var adds []int
	r.Added.Subscribe(func(tok Token[int]) { adds = append(adds, tok.Value) })
	removes := 0
	r.Removed.Subscribe(func(Token[int]) { removes++ })

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if len(adds) != 1 || adds[0] != 42 {
		t.Fatalf("added = %v, want [42]", adds)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if removes != 0 {
		t.Fatalf("removed fired %d times, want 0", removes)
	}
}

func TestNothingNeverEmits(t *testing.T) {
	r, err := Nothing[int]().operate(&Context{})
	if err != nil {
		t.Fatal(err)
	}
	fired := false
	r.Added.Subscribe(func(Token[int]) { fired = true })
	r.Removed.Subscribe(func(Token[int]) { fired = true })
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Fatal("Nothing() emitted a token")
	}
}

func TestOnCloseInvokesActionOnce(t *testing.T) {
	calls := 0
	r, err := OnClose(func() error {
		calls++
		return nil
	}).operate(&Context{})
	if err != nil {
		t.Fatal(err)
	}
	var adds int
	r.Added.Subscribe(func(Token[Unit]) { adds++ })

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if adds != 1 {
		t.Fatalf("added fired %d times, want 1", adds)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("action invoked %d times, want 1", calls)
	}
}
