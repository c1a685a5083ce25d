package kernel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/yodoca/yodoca"
)

func loadedContext(t *testing.T, f *fixture, id string) *extContext {
	t.Helper()
	rec := f.k.record(id)
	if rec == nil || rec.ec == nil {
		t.Fatalf("extension %s has no context", id)
	}
	return rec.ec
}

func TestContextGetConfigLayering(t *testing.T) {
	f := newFixture(t)
	f.k.cfg.Extensions = map[string]map[string]any{
		"notes": {"poll_interval": 30},
	}
	f.k.AddBuiltin(&yodoca.Manifest{
		ID:     "notes",
		Config: map[string]any{"poll_interval": 10, "folder": "inbox"},
	}, &stubExt{id: "notes"})
	f.load(t, nil)

	ec := loadedContext(t, f, "notes")
	if got := ec.GetConfig("poll_interval", 5); got != 30 {
		t.Errorf("settings override = %v, want 30", got)
	}
	if got := ec.GetConfig("folder", "x"); got != "inbox" {
		t.Errorf("manifest value = %v, want inbox", got)
	}
	if got := ec.GetConfig("absent", "fallback"); got != "fallback" {
		t.Errorf("default = %v, want fallback", got)
	}
}

func TestContextSecretsAndID(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "mail"}, &stubExt{id: "mail"})
	f.load(t, nil)

	ec := loadedContext(t, f, "mail")
	if ec.ExtensionID() != "mail" {
		t.Errorf("ExtensionID = %q", ec.ExtensionID())
	}
	if v, ok := ec.GetSecret("API_KEY"); !ok || v != "sk-test" {
		t.Errorf("GetSecret = %q, %v", v, ok)
	}
	if _, ok := ec.GetSecret("MISSING"); ok {
		t.Error("missing secret reported present")
	}
}

func TestContextDataDir(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "notes"}, &stubExt{id: "notes"})
	f.load(t, nil)

	ec := loadedContext(t, f, "notes")
	dir, err := ec.DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	want := filepath.Join(f.cfg.DataDir(), "notes")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}

	// Second call is idempotent.
	if again, err := ec.DataDir(); err != nil || again != dir {
		t.Errorf("second DataDir = %q, %v", again, err)
	}
}

func TestContextEmitSetsSource(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "notes"}, &stubExt{id: "notes"})
	f.load(t, nil)

	ec := loadedContext(t, f, "notes")
	if err := ec.Emit(context.Background(), "note.created", map[string]string{"id": "n1"}, "corr"); err != nil {
		t.Fatal(err)
	}

	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	var found bool
	for _, e := range f.bus.events {
		if e.topic == "note.created" {
			found = true
			if e.source != "notes" {
				t.Errorf("source = %q, want notes", e.source)
			}
		}
	}
	if !found {
		t.Fatal("event not published")
	}
}

func TestContextNotifyUserPublishes(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "notes"}, &stubExt{id: "notes"})
	f.load(t, nil)

	ec := loadedContext(t, f, "notes")
	if err := ec.NotifyUser(context.Background(), "heads up", "term"); err != nil {
		t.Fatal(err)
	}

	payloads := f.bus.topicPayloads(yodoca.TopicUserNotify)
	if len(payloads) != 1 {
		t.Fatalf("notify events = %d, want 1", len(payloads))
	}
	var p yodoca.NotifyPayload
	if err := json.Unmarshal(payloads[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Text != "heads up" || p.ChannelID != "term" {
		t.Errorf("payload = %+v", p)
	}
}

func TestContextSubscribeEventReleasedOnStop(t *testing.T) {
	f := newFixture(t)
	ext := &stubExt{id: "notes"}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "notes"}, ext)
	f.load(t, nil)

	ec := loadedContext(t, f, "notes")
	var calls int
	var mu sync.Mutex
	ec.SubscribeEvent("note.created", func(context.Context, yodoca.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	if _, err := f.bus.Publish(ctx, "note.created", "test", nil, ""); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	before := calls
	mu.Unlock()
	if before != 1 {
		t.Fatalf("handler calls = %d, want 1", before)
	}

	f.k.Stop(ctx)
	if _, err := f.bus.Publish(ctx, "note.created", "test", nil, ""); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	after := calls
	mu.Unlock()
	if after != before {
		t.Error("handler fired after release")
	}
}

func TestContextHookNamespacing(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "first"}, &stubExt{id: "first"})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "second"}, &stubExt{id: "second"})
	f.load(t, nil)

	var mu sync.Mutex
	var fired []string
	hook := func(name string) yodoca.HookFunc {
		return func(context.Context, yodoca.MessagePayload) error {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
			return nil
		}
	}

	// Same local id from two extensions must not collide.
	firstEC := loadedContext(t, f, "first")
	secondEC := loadedContext(t, f, "second")
	firstEC.Subscribe(yodoca.HookUserMessage, "watch", hook("first"))
	secondEC.Subscribe(yodoca.HookUserMessage, "watch", hook("second"))

	if err := f.rt.SetAgent(&plainAgent{output: "ok"}); err != nil {
		t.Fatal(err)
	}
	f.rt.RegisterChannel("cli", &channelStub{}, "")

	ctx := context.Background()
	if _, err := f.rt.HandleUserMessage(ctx, "hello", "u1", "cli"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	n := len(fired)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("hooks fired = %v, want both extensions", fired)
	}

	// Releasing one extension must leave the other's hook in place.
	firstEC.release()
	if _, err := f.rt.HandleUserMessage(ctx, "again", "u1", "cli"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 || fired[2] != "second" {
		t.Errorf("fired = %v, want one more 'second'", fired)
	}
}

func TestContextRequestRestart(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "updater"}, &stubExt{id: "updater"})
	f.load(t, nil)

	ec := loadedContext(t, f, "updater")
	if err := ec.RequestRestart(); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}

	data, err := os.ReadFile(f.cfg.RestartFlagPath())
	if err != nil {
		t.Fatalf("flag not written: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "updater" {
		t.Errorf("flag content = %q, want the requesting extension id", got)
	}
}

func TestContextRequestShutdown(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "ctl"}, &stubExt{id: "ctl"})
	f.load(t, nil)

	loadedContext(t, f, "ctl").RequestShutdown()
	select {
	case <-f.k.ShutdownRequested():
	default:
		t.Error("shutdown not requested")
	}
}

func TestContextInvokeAgent(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "caller"}, &stubExt{id: "caller"})
	f.load(t, nil)

	agent := &plainAgent{output: "routed"}
	if err := f.rt.SetAgent(agent); err != nil {
		t.Fatal(err)
	}

	out, err := loadedContext(t, f, "caller").InvokeAgent(context.Background(), "do it", "")
	if err != nil {
		t.Fatalf("InvokeAgent: %v", err)
	}
	if out != "routed" {
		t.Errorf("out = %q", out)
	}
}
