package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	id := ServerID{Source: "docker", ID: "abc123"}
	server := ActiveServer{
		Hostnames: []string{"one.example", "two.example"},
		Upstream:  Upstream{Host: "10.0.0.5", Port: 25565},
	}

	if err := r.Insert(id, server); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for _, h := range server.Hostnames {
		u, ok := r.Lookup(h)
		if !ok {
			t.Fatalf("Lookup(%q): not found", h)
		}
		if u != server.Upstream {
			t.Fatalf("Lookup(%q): want %v got %v", h, server.Upstream, u)
		}
	}

	removed, ok := r.Remove(id)
	if !ok {
		t.Fatal("Remove: not found")
	}
	if len(removed.Hostnames) != 2 {
		t.Fatalf("Remove returned unexpected server: %+v", removed)
	}
	for _, h := range server.Hostnames {
		if _, ok := r.Lookup(h); ok {
			t.Fatalf("Lookup(%q) succeeded after Remove", h)
		}
	}
}

func TestInsertDuplicateServerID(t *testing.T) {
	r := New()
	id := ServerID{Source: "docker", ID: "x"}
	server := ActiveServer{Hostnames: []string{"a.example"}, Upstream: Upstream{Host: "h", Port: 1}}

	if err := r.Insert(id, server); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	err := r.Insert(id, server)
	if !errors.Is(err, ErrServerIDExists) {
		t.Fatalf("want ErrServerIDExists, got %v", err)
	}
}

func TestInsertHostnameConflictRollsBack(t *testing.T) {
	r := New()
	first := ServerID{Source: "docker", ID: "first"}
	if err := r.Insert(first, ActiveServer{
		Hostnames: []string{"shared.example"},
		Upstream:  Upstream{Host: "a", Port: 1},
	}); err != nil {
		t.Fatalf("Insert first: %v", err)
	}

	second := ServerID{Source: "docker", ID: "second"}
	err := r.Insert(second, ActiveServer{
		Hostnames: []string{"unique.example", "shared.example"},
		Upstream:  Upstream{Host: "b", Port: 2},
	})

	var conflictErr *HostnameExistsError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("want HostnameExistsError, got %v", err)
	}
	if conflictErr.Hostname != "shared.example" || conflictErr.Owner != first {
		t.Fatalf("unexpected conflict details: %+v", conflictErr)
	}

	// unique.example must have been rolled back: it belonged to the
	// rejected insert and must not remain claimed.
	if _, ok := r.Lookup("unique.example"); ok {
		t.Fatal("unique.example should have been rolled back after conflict")
	}
	// second must not exist as a server either.
	if _, ok := r.Get(second); ok {
		t.Fatal("second server should not have been committed")
	}
	// first's claim on shared.example must be untouched.
	u, ok := r.Lookup("shared.example")
	if !ok || u != (Upstream{Host: "a", Port: 1}) {
		t.Fatalf("first server's hostname claim was disturbed: %v %v", u, ok)
	}
}

func TestRemoveUnknownServer(t *testing.T) {
	r := New()
	if _, ok := r.Remove(ServerID{Source: "docker", ID: "missing"}); ok {
		t.Fatal("Remove of unknown id should report false")
	}
}

func TestRegistryConcurrentInsertRemove(t *testing.T) {
	r := New()
	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := ServerID{Source: "docker", ID: fmt.Sprintf("srv-%d", i)}
			server := ActiveServer{
				Hostnames: []string{fmt.Sprintf("host-%d.example", i)},
				Upstream:  Upstream{Host: "10.0.0.1", Port: uint16(20000 + i)},
			}
			if err := r.Insert(id, server); err != nil {
				t.Errorf("Insert(%d): %v", i, err)
				return
			}
			if u, ok := r.Lookup(server.Hostnames[0]); !ok || u != server.Upstream {
				t.Errorf("Lookup(%d): got %v, %v", i, u, ok)
			}
			if _, ok := r.Remove(id); !ok {
				t.Errorf("Remove(%d): not found", i)
			}
		}(i)
	}
	wg.Wait()

	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected empty registry after concurrent remove, got %d entries", len(r.Snapshot()))
	}
}

func TestResolverStaticTakesPriority(t *testing.T) {
	dyn := New()
	id := ServerID{Source: "docker", ID: "d1"}
	if err := dyn.Insert(id, ActiveServer{
		Hostnames: []string{"shared.example", "dynamic-only.example"},
		Upstream:  Upstream{Host: "dynamic-host", Port: 1},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	static := StaticRoutes{"shared.example": {Host: "static-host", Port: 2}}
	resolver := NewResolver(static, dyn)

	u, ok := resolver.Resolve("shared.example")
	if !ok || u.Host != "static-host" {
		t.Fatalf("static route should win: got %v, %v", u, ok)
	}

	u, ok = resolver.Resolve("dynamic-only.example")
	if !ok || u.Host != "dynamic-host" {
		t.Fatalf("dynamic fallback should apply: got %v, %v", u, ok)
	}

	if _, ok := resolver.Resolve("unknown.example"); ok {
		t.Fatal("unknown hostname should not resolve")
	}
}
