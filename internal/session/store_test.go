package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStores(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cookies, err := NewCookieStore("https://api.example.com/prod", "")
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json")),
		"cookie": cookies,
		"redis":  NewRedisStore(rdb, "test:"),
	}
	token := testToken(t, map[string]any{"cognito:groups": []string{"admins"}, "pad": "a=b; c"})

	for name, store := range stores {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if v, err := store.Get(ctx, KeyIDToken); err != nil || v != "" {
				t.Fatalf("missing key: got %q, %v", v, err)
			}
			if err := store.Set(ctx, KeyIDToken, token); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := store.Set(ctx, KeyRole, "admin"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if v, err := store.Get(ctx, KeyIDToken); err != nil || v != token {
				t.Fatalf("Get after Set: got %q, %v", v, err)
			}
			if err := store.Delete(ctx, KeyIDToken, KeyAccessToken); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if v, _ := store.Get(ctx, KeyIDToken); v != "" {
				t.Fatalf("Get after Delete: got %q", v)
			}
			if v, _ := store.Get(ctx, KeyRole); v != "admin" {
				t.Fatalf("unrelated key removed: got %q", v)
			}
		})
	}

	if !mr.Exists("test:" + KeyRole) {
		t.Fatalf("redis key not prefixed")
	}
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewFileStore(path)
	ctx := context.Background()
	if err := store.Set(ctx, KeyAccessToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode = %o, want 600", perm)
	}
	if err := store.Delete(ctx, Keys...); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected empty store to remove the file, stat err = %v", err)
	}
}

func TestNewCookieStoreRejectsBadOrigin(t *testing.T) {
	if _, err := NewCookieStore("not a url", ""); err == nil {
		t.Fatal("expected error for origin without host")
	}
}

func TestCookieStoreSurvivesAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	ctx := context.Background()

	first, err := NewCookieStore("https://api.example.com/prod", path)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	token := testToken(t, map[string]any{"cognito:groups": []string{"lifeguards"}})
	if err := first.Set(ctx, KeyIDToken, token); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Set(ctx, KeyRole, "lifeguard"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode = %o, want 600", perm)
	}

	second, err := NewCookieStore("https://api.example.com/prod", path)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	if v, err := second.Get(ctx, KeyIDToken); err != nil || v != token {
		t.Fatalf("token in second store = %q, %v", v, err)
	}
	if v, _ := second.Get(ctx, KeyRole); v != "lifeguard" {
		t.Fatalf("role in second store = %q", v)
	}

	if err := second.Delete(ctx, Keys...); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	third, err := NewCookieStore("https://api.example.com/prod", path)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	if v, _ := third.Get(ctx, KeyIDToken); v != "" {
		t.Fatalf("token survived logout: %q", v)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected cleared jar to remove the file, stat err = %v", err)
	}
}

func TestManagerWithPersistedCookiesSeesEarlierLogin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	ctx := context.Background()
	token := testToken(t, map[string]any{"cognito:groups": []string{"admins"}})

	login, err := NewCookieStore("https://api.example.com", path)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	if err := login.Set(ctx, KeyIDToken, token); err != nil {
		t.Fatalf("Set: %v", err)
	}

	later, err := NewCookieStore("https://api.example.com", path)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	m, err := NewManager("https://api.example.com", WithStore(later))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.BearerToken(ctx); got != token {
		t.Fatalf("BearerToken = %q", got)
	}
}
