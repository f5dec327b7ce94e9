package settings

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"linkd/cmd/internal/transport"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	svc, err := NewService(st)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Load(context.Background(), "alice"); err != nil {
		t.Fatalf("load: %v", err)
	}
	return svc, st
}

func TestParseFeature(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Feature
		wantErr bool
	}{
		{in: "autoread", want: FeatureAutoRead},
		{in: " FakeTyping ", want: FeatureFakeTyping},
		{in: "AUTOREACT", want: FeatureAutoReact},
		{in: "autoview", want: FeatureAutoView},
		{in: "antidelete", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseFeature(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownFeature) {
				t.Fatalf("ParseFeature(%q) err=%v want ErrUnknownFeature", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseFeature(%q)=%q,%v want=%q", tc.in, got, err, tc.want)
		}
	}
}

func TestSetFeatureRejectsUnknownName(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	before := svc.Features("alice")

	err := svc.SetFeature(context.Background(), "alice", "__proto__", true)
	if !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("SetFeature(unknown) err=%v want ErrUnknownFeature", err)
	}
	if after := svc.Features("alice"); !reflect.DeepEqual(before, after) {
		t.Fatalf("features changed: before=%v after=%v", before, after)
	}
	if _, ok := svc.Features("alice")["__proto__"]; ok {
		t.Fatalf("unknown feature was added")
	}
}

func TestToggleTwiceRestoresValue(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()

	orig := svc.Enabled("alice", FeatureAutoReact)
	first, err := svc.Toggle(ctx, "alice", "autoreact")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if first == orig {
		t.Fatalf("toggle did not flip: %v", first)
	}
	second, err := svc.Toggle(ctx, "alice", "autoreact")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if second != orig || svc.Enabled("alice", FeatureAutoReact) != orig {
		t.Fatalf("toggle twice=%v want=%v", second, orig)
	}

	rec, err := st.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("store load: %v", err)
	}
	if rec.Features[FeatureAutoReact] != orig {
		t.Fatalf("persisted autoreact=%v want=%v", rec.Features[FeatureAutoReact], orig)
	}
}

func TestBlocklistAddRemove(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	jid := transport.JID("15551230001@s.whatsapp.net")

	added, err := svc.AddBlocked(ctx, "alice", jid)
	if err != nil || !added {
		t.Fatalf("AddBlocked=%v,%v want=true,nil", added, err)
	}
	added, err = svc.AddBlocked(ctx, "alice", jid)
	if err != nil || added {
		t.Fatalf("second AddBlocked=%v,%v want=false,nil", added, err)
	}
	if got := svc.Blocklist("alice"); len(got) != 1 || got[0] != jid {
		t.Fatalf("Blocklist()=%v want=[%s]", got, jid)
	}
	if !svc.IsBlocked("alice", jid) {
		t.Fatalf("IsBlocked=false after block")
	}

	rec, err := st.Load(ctx, "alice")
	if err != nil || len(rec.Blocklist) != 1 {
		t.Fatalf("persisted blocklist=%v err=%v", rec.Blocklist, err)
	}

	removed, err := svc.RemoveBlocked(ctx, "alice", jid)
	if err != nil || !removed {
		t.Fatalf("RemoveBlocked=%v,%v want=true,nil", removed, err)
	}
	removed, err = svc.RemoveBlocked(ctx, "alice", jid)
	if err != nil || removed {
		t.Fatalf("second RemoveBlocked=%v,%v want=false,nil", removed, err)
	}
	if svc.IsBlocked("alice", jid) {
		t.Fatalf("IsBlocked=true after unblock")
	}
}

func TestPersistFailureLeavesSnapshot(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	boom := errors.New("disk full")
	st.SetFailWrites(boom)

	_, err := svc.AddBlocked(ctx, "alice", "1@s.whatsapp.net")
	var pe *PersistError
	if !errors.As(err, &pe) || !errors.Is(err, boom) {
		t.Fatalf("AddBlocked err=%v want PersistError wrapping %v", err, boom)
	}
	if svc.IsBlocked("alice", "1@s.whatsapp.net") {
		t.Fatalf("failed block became visible")
	}

	before := svc.Enabled("alice", FeatureFakeTyping)
	if _, err := svc.Toggle(ctx, "alice", "faketyping"); !errors.As(err, &pe) {
		t.Fatalf("Toggle err=%v want PersistError", err)
	}
	if svc.Enabled("alice", FeatureFakeTyping) != before {
		t.Fatalf("failed toggle became visible")
	}
}

func TestLoadRestoresPersistedState(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	if err := st.SaveBlocklist(ctx, "bob", []transport.JID{"9@s.whatsapp.net"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := DefaultFeatures()
	f[FeatureAutoRead] = false
	if err := st.SaveFeatures(ctx, "bob", f); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc, err := NewService(st)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Load(ctx, "bob"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if svc.Enabled("bob", FeatureAutoRead) {
		t.Fatalf("autoread=true want=false")
	}
	if !svc.IsBlocked("bob", "9@s.whatsapp.net") {
		t.Fatalf("blocklist not restored")
	}

	if err := svc.Erase(ctx, "bob"); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if _, err := st.Load(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("store Load after erase err=%v want ErrNotFound", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	if _, err := st.Load(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load empty err=%v want ErrNotFound", err)
	}

	f := DefaultFeatures()
	f[FeatureAutoReact] = true
	if err := st.SaveFeatures(ctx, "carol", f); err != nil {
		t.Fatalf("save features: %v", err)
	}
	if err := st.SaveBlocklist(ctx, "carol", []transport.JID{"5@s.whatsapp.net"}); err != nil {
		t.Fatalf("save blocklist: %v", err)
	}

	rec, err := st.Load(ctx, "carol")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !rec.Features[FeatureAutoReact] || len(rec.Blocklist) != 1 || rec.Blocklist[0] != "5@s.whatsapp.net" {
		t.Fatalf("Load()=%+v", rec)
	}

	if err := st.Delete(ctx, "carol"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "carol"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := st.Load(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete err=%v want ErrNotFound", err)
	}
}
