package container

import (
	"errors"
	"sync"
	"testing"
)

type widget struct {
	id int
}

func TestResolveInstance(t *testing.T) {
	c := New()
	w := &widget{id: 1}
	c.RegisterInstance("widget", w)

	got, err := c.Resolve("widget")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != w {
		t.Error("expected the registered instance back")
	}
}

func TestResolveSingleton(t *testing.T) {
	c := New()
	calls := 0
	c.RegisterSingleton("widget", func() (interface{}, error) {
		calls++
		return &widget{id: calls}, nil
	})

	first, err := c.Resolve("widget")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := c.Resolve("widget")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if first != second {
		t.Error("singleton must resolve to the same instance")
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}

func TestResolveTransient(t *testing.T) {
	c := New()
	calls := 0
	c.RegisterTransient("widget", func() (interface{}, error) {
		calls++
		return &widget{id: calls}, nil
	})

	first, _ := c.Resolve("widget")
	second, _ := c.Resolve("widget")

	if first == second {
		t.Error("transient must construct a fresh instance per resolution")
	}
	if calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
}

func TestResolveOrder(t *testing.T) {
	c := New()
	inst := &widget{id: 100}
	c.RegisterInstance("widget", inst)
	c.RegisterSingleton("widget", func() (interface{}, error) {
		return &widget{id: 200}, nil
	})

	got, err := c.Resolve("widget")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != inst {
		t.Error("instance registration must take precedence over factories")
	}
}

func TestResolveNotFound(t *testing.T) {
	c := New()

	_, err := c.Resolve("ghost")
	if err == nil {
		t.Fatal("expected error for unknown service")
	}

	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
	if nf.Service != "ghost" {
		t.Errorf("expected service name in error, got %q", nf.Service)
	}
}

func TestResolveFactoryError(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	c.RegisterSingleton("widget", func() (interface{}, error) {
		return nil, boom
	})

	_, err := c.Resolve("widget")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped factory error, got %v", err)
	}
}

func TestHasNeverConstructs(t *testing.T) {
	c := New()
	calls := 0
	c.RegisterSingleton("widget", func() (interface{}, error) {
		calls++
		return &widget{}, nil
	})

	if !c.Has("widget") {
		t.Error("expected Has to report registered service")
	}
	if c.Has("ghost") {
		t.Error("Has must be false for unknown service")
	}
	if calls != 0 {
		t.Errorf("Has constructed the singleton (%d calls)", calls)
	}
}

func TestConcurrentSingletonResolution(t *testing.T) {
	c := New()
	c.RegisterSingleton("widget", func() (interface{}, error) {
		return &widget{}, nil
	})

	const goroutines = 16
	results := make([]interface{}, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			got, err := c.Resolve("widget")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent resolutions produced different instances")
		}
	}
}

func TestMustResolvePanics(t *testing.T) {
	c := New()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown service")
		}
	}()
	c.MustResolve("ghost")
}
