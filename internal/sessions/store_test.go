package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// storeUnderTest builds each Store implementation against the same suite.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	jsonl, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatalf("jsonl store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"jsonl":  jsonl,
	}
}

func TestStoreCreateGetDelete(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := store.Create(ctx, "main", models.KindMain, "Main", map[string]any{"tz": "UTC"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.Key != "main" || created.Kind != models.KindMain {
				t.Errorf("created = %+v", created)
			}

			got, err := store.Get(ctx, "main")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Label != "Main" || got.Metadata["tz"] != "UTC" {
				t.Errorf("get = %+v", got)
			}

			// Create is idempotent per key.
			again, err := store.Create(ctx, "main", models.KindMain, "Other", nil)
			if err != nil {
				t.Fatalf("create again: %v", err)
			}
			if again.Label != "Main" {
				t.Errorf("second create replaced session: %+v", again)
			}

			if err := store.Delete(ctx, "main"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "main"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get after delete = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "main"); !errors.Is(err, ErrNotFound) {
				t.Errorf("double delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreMessagesAppendOnlyAscending(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Create(ctx, "main", models.KindMain, "", nil); err != nil {
				t.Fatalf("create: %v", err)
			}

			for _, text := range []string{"one", "two", "three"} {
				if _, err := store.AddMessage(ctx, "main", models.RoleUser,
					[]models.Block{models.NewTextBlock(text)}, nil); err != nil {
					t.Fatalf("add %q: %v", text, err)
				}
			}

			messages, err := store.GetMessages(ctx, "main", MessageQuery{})
			if err != nil {
				t.Fatalf("get messages: %v", err)
			}
			if len(messages) != 3 {
				t.Fatalf("got %d messages, want 3", len(messages))
			}
			for i, want := range []string{"one", "two", "three"} {
				if messages[i].Text() != want {
					t.Errorf("messages[%d] = %q, want %q", i, messages[i].Text(), want)
				}
				if i > 0 && messages[i].Timestamp.Before(messages[i-1].Timestamp) {
					t.Errorf("messages out of timestamp order at %d", i)
				}
			}

			limited, err := store.GetMessages(ctx, "main", MessageQuery{Limit: 2})
			if err != nil {
				t.Fatalf("limited: %v", err)
			}
			if len(limited) != 2 || limited[0].Text() != "two" {
				t.Errorf("limit kept wrong slice: %v", limited)
			}
		})
	}
}

func TestStoreUnknownSession(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.AddMessage(ctx, "ghost", models.RoleUser, nil, nil); !errors.Is(err, ErrNotFound) {
				t.Errorf("AddMessage = %v, want ErrNotFound", err)
			}
			if _, err := store.GetMessages(ctx, "ghost", MessageQuery{}); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetMessages = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListFilters(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keys := map[string]models.SessionKind{
				"main":            models.KindMain,
				"cron:daily:100":  models.KindCron,
				"cron:weekly:200": models.KindCron,
				"webhook:deploy":  models.KindWebhook,
			}
			for key, kind := range keys {
				if _, err := store.Create(ctx, key, kind, "", nil); err != nil {
					t.Fatalf("create %s: %v", key, err)
				}
			}

			crons, err := store.List(ctx, ListFilter{Kind: models.KindCron})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(crons) != 2 {
				t.Errorf("kind filter returned %d, want 2", len(crons))
			}

			prefixed, err := store.List(ctx, ListFilter{Prefix: "cron:daily"})
			if err != nil {
				t.Fatalf("list prefix: %v", err)
			}
			if len(prefixed) != 1 || prefixed[0].Key != "cron:daily:100" {
				t.Errorf("prefix filter = %v", prefixed)
			}

			limited, err := store.List(ctx, ListFilter{Limit: 2})
			if err != nil {
				t.Fatalf("list limit: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("limit returned %d, want 2", len(limited))
			}
		})
	}
}

func TestMemoryStoreCloneBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Create(ctx, "main", models.KindMain, "", map[string]any{"a": "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := store.AddMessage(ctx, "main", models.RoleUser, []models.Block{models.NewTextBlock("hi")}, nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Mutating returned values must not leak into the store.
	msg.Content[0].Text.Text = "mutated"
	session, _ := store.Get(ctx, "main")
	session.Metadata["a"] = "mutated"

	stored, _ := store.GetMessages(ctx, "main", MessageQuery{})
	if stored[0].Text() != "hi" {
		t.Error("message mutation leaked into store")
	}
	fresh, _ := store.Get(ctx, "main")
	if fresh.Metadata["a"] != "b" {
		t.Error("session metadata mutation leaked into store")
	}
}

func TestJSONLStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Create(ctx, "cron:daily:1", models.KindCron, "Daily", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.AddMessage(ctx, "cron:daily:1", models.RoleUser,
		[]models.Block{models.NewTextBlock("run the report")}, map[string]any{"type": "task"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	session, err := reopened.Get(ctx, "cron:daily:1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if session.Kind != models.KindCron || session.Label != "Daily" {
		t.Errorf("session = %+v", session)
	}
	messages, err := reopened.GetMessages(ctx, "cron:daily:1", MessageQuery{})
	if err != nil {
		t.Fatalf("messages after reopen: %v", err)
	}
	if len(messages) != 1 || messages[0].Text() != "run the report" {
		t.Errorf("messages = %v", messages)
	}
	if messages[0].Metadata["type"] != "task" {
		t.Errorf("metadata lost: %v", messages[0].Metadata)
	}
}

func TestGetOrCreateDerivesKind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session, err := GetOrCreate(ctx, store, "webhook:deploy", "", nil)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if session.Kind != models.KindWebhook {
		t.Errorf("kind = %s, want webhook", session.Kind)
	}

	again, err := GetOrCreate(ctx, store, "webhook:deploy", "", nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !again.CreatedAt.Equal(session.CreatedAt) {
		t.Error("second call created a new session")
	}
}
