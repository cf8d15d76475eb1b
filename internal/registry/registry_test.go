package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/fluxline/fluxline/pkg/types"
)

func testDef(name string) *types.TaskDefinition {
	return &types.TaskDefinition{
		Name:      name,
		Type:      types.TaskTypeCoding,
		AgentType: "coder",
		Queue:     "default",
		Required:  true,
	}
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()

	t.Run("register and get", func(t *testing.T) {
		if err := reg.Register(ctx, testDef("build")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		def, err := reg.Get(ctx, "build")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if def.AgentType != "coder" {
			t.Errorf("expected agent type %q, got %q", "coder", def.AgentType)
		}
		if def.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
	})

	t.Run("overwrite by name keeps created timestamp", func(t *testing.T) {
		first, _ := reg.Get(ctx, "build")

		updated := testDef("build")
		updated.RetryAttempts = 5
		if err := reg.Register(ctx, updated); err != nil {
			t.Fatalf("re-Register failed: %v", err)
		}

		def, err := reg.Get(ctx, "build")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if def.RetryAttempts != 5 {
			t.Errorf("overwrite not applied, retries = %d", def.RetryAttempts)
		}
		if !def.CreatedAt.Equal(first.CreatedAt) {
			t.Error("CreatedAt should survive overwrite")
		}
	})

	t.Run("get missing returns ErrTaskNotFound", func(t *testing.T) {
		if _, err := reg.Get(ctx, "ghost"); err != ErrTaskNotFound {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := reg.Exists(ctx, "build")
		if err != nil || !ok {
			t.Errorf("expected build to exist, ok=%v err=%v", ok, err)
		}
		ok, err = reg.Exists(ctx, "ghost")
		if err != nil || ok {
			t.Errorf("expected ghost to be absent, ok=%v err=%v", ok, err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		bad := testDef("")
		if err := reg.Register(ctx, bad); err == nil {
			t.Error("expected error for empty name")
		}
		bad = testDef("x")
		bad.Type = "cooking"
		if err := reg.Register(ctx, bad); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("returned definitions are copies", func(t *testing.T) {
		def, _ := reg.Get(ctx, "build")
		def.Queue = "mutated"
		again, _ := reg.Get(ctx, "build")
		if again.Queue == "mutated" {
			t.Error("registry storage leaked through Get")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := reg.Register(ctx, testDef("doomed")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := reg.Delete(ctx, "doomed"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := reg.Delete(ctx, "doomed"); err != ErrTaskNotFound {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})
}

func TestCachedRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("write-through and cached read", func(t *testing.T) {
		backend := NewMemoryRegistry()
		reg := NewCachedRegistry(backend)
		defer reg.Close()

		if err := reg.Register(ctx, testDef("plan")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		// Present in the backend, not only the cache.
		if ok, _ := backend.Exists(ctx, "plan"); !ok {
			t.Error("definition not written through to backend")
		}

		def, err := reg.Get(ctx, "plan")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if def.Name != "plan" {
			t.Errorf("unexpected definition %+v", def)
		}
	})

	t.Run("hydrate pre-loads backend entries", func(t *testing.T) {
		backend := NewMemoryRegistry()
		if err := backend.Register(ctx, testDef("a")); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if err := backend.Register(ctx, testDef("b")); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		reg := NewCachedRegistry(backend)
		if err := reg.Hydrate(ctx); err != nil {
			t.Fatalf("Hydrate failed: %v", err)
		}
		for _, name := range []string{"a", "b"} {
			if ok, _ := reg.Exists(ctx, name); !ok {
				t.Errorf("expected %q after hydrate", name)
			}
		}
	})

	t.Run("negative cache", func(t *testing.T) {
		backend := NewMemoryRegistry()
		reg := NewCachedRegistry(backend)

		if _, err := reg.Get(ctx, "ghost"); err != ErrTaskNotFound {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
		// Registering clears the negative entry.
		if err := reg.Register(ctx, testDef("ghost")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if _, err := reg.Get(ctx, "ghost"); err != nil {
			t.Errorf("expected definition after register, got %v", err)
		}
	})

	t.Run("concurrent register and get", func(t *testing.T) {
		backend := NewMemoryRegistry()
		reg := NewCachedRegistry(backend)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = reg.Register(ctx, testDef("shared"))
				_, _ = reg.Get(ctx, "shared")
			}()
		}
		wg.Wait()

		def, err := reg.Get(ctx, "shared")
		if err != nil {
			t.Fatalf("Get after concurrent writes failed: %v", err)
		}
		if def.Name != "shared" {
			t.Errorf("unexpected definition %+v", def)
		}
	})
}
