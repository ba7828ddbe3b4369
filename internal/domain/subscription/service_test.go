package subscription

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wahub/wahub/internal/domain/connection"
	"github.com/wahub/wahub/internal/platform/uazapi"
)

// -- Mock Repository --

type syncRecord struct {
	synced     bool
	upstreamID string
}

type mockSubRepo struct {
	store   map[uuid.UUID]*Subscription
	routes  map[string]bool // code -> live
	syncs   []syncRecord
	deleted []uuid.UUID
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{
		store:  make(map[uuid.UUID]*Subscription),
		routes: make(map[string]bool),
	}
}

func (m *mockSubRepo) Create(_ context.Context, s *Subscription) error {
	if _, taken := m.routes[s.Code]; taken {
		return errors.New("duplicate code")
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.store[s.ID] = &cp
	m.routes[s.Code] = true
	return nil
}

func (m *mockSubRepo) GetByID(_ context.Context, connectionID, id uuid.UUID) (*Subscription, error) {
	s, ok := m.store[id]
	if !ok || s.ConnectionID != connectionID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSubRepo) ListByConnection(_ context.Context, connectionID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	var all []*Subscription
	for _, s := range m.store {
		if s.ConnectionID == connectionID {
			cp := *s
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*Subscription{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockSubRepo) ListSynced(_ context.Context, connectionID uuid.UUID) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range m.store {
		if s.ConnectionID == connectionID && s.Synced && s.UpstreamID != "" {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSubRepo) Update(_ context.Context, s *Subscription) error {
	existing, ok := m.store[s.ID]
	if !ok {
		return ErrNotFound
	}
	existing.DestinationURL = s.DestinationURL
	existing.Enabled = s.Enabled
	existing.Events = s.Events
	existing.ExcludeEvents = s.ExcludeEvents
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *mockSubRepo) RecordSync(_ context.Context, id uuid.UUID, synced bool, upstreamID string, at time.Time) error {
	s, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	s.Synced = synced
	s.UpstreamID = upstreamID
	s.SyncedAt = &at
	m.syncs = append(m.syncs, syncRecord{synced: synced, upstreamID: upstreamID})
	return nil
}

func (m *mockSubRepo) Delete(_ context.Context, id uuid.UUID) error {
	s, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	m.routes[s.Code] = false
	delete(m.store, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// -- Fakes --

type fakeConns struct {
	conns map[uuid.UUID]*connection.Connection
}

func (f *fakeConns) GetByID(_ context.Context, id uuid.UUID) (*connection.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, connection.ErrNotFound
	}
	return c, nil
}

type providerCall struct {
	action string
	id     string
	url    string
	events []string
	token  string
}

type fakeProvider struct {
	calls  []providerCall
	result uazapi.SyncResult
	nextID string
}

func (f *fakeProvider) reply(id string) uazapi.SyncResult {
	res := f.result
	if res.Success && res.WebhookID == "" {
		res.WebhookID = id
	}
	return res
}

func (f *fakeProvider) AddWebhook(_ context.Context, inst uazapi.Instance, url string, events []string) uazapi.SyncResult {
	f.calls = append(f.calls, providerCall{action: uazapi.ActionAdd, url: url, events: events, token: inst.Token})
	return f.reply(f.nextID)
}

func (f *fakeProvider) UpdateWebhook(_ context.Context, inst uazapi.Instance, id, url string, events []string) uazapi.SyncResult {
	f.calls = append(f.calls, providerCall{action: uazapi.ActionUpdate, id: id, url: url, events: events, token: inst.Token})
	return f.reply(id)
}

func (f *fakeProvider) DeleteWebhook(_ context.Context, inst uazapi.Instance, id string) uazapi.SyncResult {
	f.calls = append(f.calls, providerCall{action: uazapi.ActionDelete, id: id, token: inst.Token})
	return f.reply(id)
}

type countingObserver struct {
	counts map[string]int
}

func (o *countingObserver) ObserveSync(action string, success bool) {
	key := action
	if !success {
		key += "_failed"
	}
	o.counts[key]++
}

type fixture struct {
	svc      *Service
	repo     *mockSubRepo
	provider *fakeProvider
	observer *countingObserver
	conn     *connection.Connection
}

func relayURL(code string) string {
	return "https://panel.example.com/webhooks/relay/" + code
}

func newFixture() *fixture {
	conn := &connection.Connection{ID: uuid.New(), Name: "Sales", InstanceID: "inst-1", Token: "tok-1"}
	repo := newMockSubRepo()
	prov := &fakeProvider{result: uazapi.SyncResult{Success: true, Message: "ok"}, nextID: "wh-1"}
	obs := &countingObserver{counts: map[string]int{}}
	svc := NewService(repo, &fakeConns{conns: map[uuid.UUID]*connection.Connection{conn.ID: conn}},
		prov, relayURL, zerolog.Nop())
	svc.SetObserver(obs)
	return &fixture{svc: svc, repo: repo, provider: prov, observer: obs, conn: conn}
}

func boolPtr(b bool) *bool { return &b }

func TestCreate_SyncSuccess(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.Create(context.Background(), f.conn.ID, &Input{
		DestinationURL: "https://client.example/hook",
		Events:         []string{"messages", " messages ", "connection"},
		ExcludeEvents:  []string{"presence"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub.Code) != 32 || strings.Trim(sub.Code, "0123456789abcdef") != "" {
		t.Errorf("expected generated code, got %q", sub.Code)
	}
	if !sub.Enabled {
		t.Error("expected enabled by default")
	}
	if len(sub.Events) != 2 {
		t.Errorf("expected deduplicated events, got %v", sub.Events)
	}
	if !sub.Synced || sub.UpstreamID != "wh-1" || sub.SyncedAt == nil {
		t.Errorf("expected synced with upstream id, got %+v", sub)
	}
	if sub.RelayURL != relayURL(sub.Code) {
		t.Errorf("unexpected relay url %q", sub.RelayURL)
	}

	if len(f.provider.calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(f.provider.calls))
	}
	call := f.provider.calls[0]
	if call.action != uazapi.ActionAdd || call.url != relayURL(sub.Code) {
		t.Errorf("expected add with relay url, got %+v", call)
	}
	if call.token != "tok-1" {
		t.Errorf("expected connection token, got %q", call.token)
	}
	for _, e := range call.events {
		if e == "presence" {
			t.Error("exclude list must not be sent upstream")
		}
	}

	stored := f.repo.store[sub.ID]
	if !stored.Synced || stored.UpstreamID != "wh-1" {
		t.Errorf("sync outcome not persisted: %+v", stored)
	}
	if f.observer.counts[uazapi.ActionAdd] != 1 {
		t.Errorf("expected add observed, got %v", f.observer.counts)
	}
}

func TestCreate_DestinationNeverDisclosed(t *testing.T) {
	f := newFixture()
	sub, _ := f.svc.Create(context.Background(), f.conn.ID, &Input{DestinationURL: "https://secret.example/hook"})
	for _, call := range f.provider.calls {
		if call.url == sub.DestinationURL {
			t.Fatal("destination url was sent to the provider")
		}
	}
}

func TestCreate_SyncFailureKeepsRecord(t *testing.T) {
	f := newFixture()
	f.provider.result = uazapi.SyncResult{Message: "provider request failed: timeout"}

	sub, err := f.svc.Create(context.Background(), f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})
	if err != nil {
		t.Fatalf("sync failure must not fail create: %v", err)
	}
	if sub.Synced {
		t.Error("expected synced=false")
	}
	if sub.SyncMessage == "" {
		t.Error("expected the provider message to be reported")
	}
	if _, ok := f.repo.store[sub.ID]; !ok {
		t.Error("record must exist after failed sync")
	}
	if !f.repo.routes[sub.Code] {
		t.Error("relay route must exist after failed sync")
	}
	if f.observer.counts[uazapi.ActionAdd+"_failed"] != 1 {
		t.Errorf("expected failed add observed, got %v", f.observer.counts)
	}
}

func TestCreate_Disabled(t *testing.T) {
	f := newFixture()
	sub, _ := f.svc.Create(context.Background(), f.conn.ID, &Input{
		DestinationURL: "https://client.example/hook", Enabled: boolPtr(false),
	})
	if sub.Enabled {
		t.Error("expected disabled subscription")
	}
}

func TestCreate_UnknownConnection(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), uuid.New(), &Input{DestinationURL: "https://client.example/hook"})
	if !errors.Is(err, connection.ErrNotFound) {
		t.Errorf("expected connection.ErrNotFound, got %v", err)
	}
	if len(f.provider.calls) != 0 || len(f.repo.store) != 0 {
		t.Error("nothing should happen for an unknown connection")
	}
}

func TestCreate_UniqueCodes(t *testing.T) {
	f := newFixture()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		sub, err := f.svc.Create(context.Background(), f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[sub.Code] {
			t.Fatalf("duplicate code %s", sub.Code)
		}
		seen[sub.Code] = true
	}
}

func TestUpdate_RoundTripReflectsLatestSync(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})
	if !sub.Synced {
		t.Fatal("precondition: expected synced after create")
	}

	f.provider.result = uazapi.SyncResult{Message: "provider returned HTTP 500"}
	if _, err := f.svc.Update(ctx, f.conn.ID, sub.ID, &Input{DestinationURL: "https://client.example/v2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := f.svc.Get(ctx, f.conn.ID, sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DestinationURL != "https://client.example/v2" {
		t.Errorf("expected new url, got %q", got.DestinationURL)
	}
	if got.Synced {
		t.Error("expected synced=false after failed re-sync")
	}
	if got.UpstreamID != "wh-1" {
		t.Errorf("expected upstream id kept, got %q", got.UpstreamID)
	}
	last := f.provider.calls[len(f.provider.calls)-1]
	if last.action != uazapi.ActionUpdate || last.id != "wh-1" {
		t.Errorf("expected update of wh-1, got %+v", last)
	}
}

func TestUpdate_AddsWhenNoUpstreamID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.result = uazapi.SyncResult{Message: "down"}
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})

	f.provider.result = uazapi.SyncResult{Success: true}
	updated, err := f.svc.Update(ctx, f.conn.ID, sub.ID, &Input{DestinationURL: "https://client.example/hook"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := f.provider.calls[len(f.provider.calls)-1]
	if last.action != uazapi.ActionAdd {
		t.Errorf("expected add, got %s", last.action)
	}
	if !updated.Synced || updated.UpstreamID != "wh-1" {
		t.Errorf("expected synced with new upstream id, got %+v", updated)
	}
}

func TestUpdate_KeepsOmittedFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{
		DestinationURL: "https://client.example/hook",
		Events:         []string{"messages"},
		Enabled:        boolPtr(false),
	})

	updated, _ := f.svc.Update(ctx, f.conn.ID, sub.ID, &Input{DestinationURL: "https://client.example/v2"})
	if updated.Enabled {
		t.Error("enabled should be kept when omitted")
	}
	if len(updated.Events) != 1 || updated.Events[0] != "messages" {
		t.Errorf("events should be kept when omitted, got %v", updated.Events)
	}
	if updated.Code != sub.Code {
		t.Error("code must not change on update")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Update(context.Background(), f.conn.ID, uuid.New(), &Input{DestinationURL: "https://x.example"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResync(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.result = uazapi.SyncResult{Message: "down"}
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})

	f.provider.result = uazapi.SyncResult{Success: true}
	got, err := f.svc.Resync(ctx, f.conn.ID, sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Synced {
		t.Error("expected synced after manual resync")
	}
	if len(f.repo.syncs) != 2 {
		t.Errorf("expected 2 recorded sync attempts, got %d", len(f.repo.syncs))
	}
}

func TestDelete_SyncedCallsUpstreamFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})

	if err := f.svc.Delete(ctx, f.conn.ID, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := f.provider.calls[len(f.provider.calls)-1]
	if last.action != uazapi.ActionDelete || last.id != "wh-1" {
		t.Errorf("expected upstream delete of wh-1, got %+v", last)
	}
	if _, ok := f.repo.store[sub.ID]; ok {
		t.Error("expected local delete")
	}
	if f.repo.routes[sub.Code] {
		t.Error("expected relay route tombstoned")
	}
}

func TestDelete_UpstreamFailureStillDeletesLocally(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})

	f.provider.result = uazapi.SyncResult{Message: "provider returned HTTP 502"}
	if err := f.svc.Delete(ctx, f.conn.ID, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.repo.deleted) != 1 {
		t.Error("expected local delete despite upstream failure")
	}
}

func TestDelete_UnsyncedSkipsUpstream(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.result = uazapi.SyncResult{Message: "down"}
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})
	before := len(f.provider.calls)

	if err := f.svc.Delete(ctx, f.conn.ID, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.provider.calls) != before {
		t.Error("unsynced subscription should not be deleted upstream")
	}
}

func TestDelete_OtherConnection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})

	other := &connection.Connection{ID: uuid.New(), Token: "t2"}
	f.svc.conns.(*fakeConns).conns[other.ID] = other
	if err := f.svc.Delete(ctx, other.ID, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across connections, got %v", err)
	}
}

func TestConnectionDeleting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.nextID = "wh-a"
	f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/a"})
	f.provider.nextID = "wh-b"
	f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/b"})
	f.provider.result = uazapi.SyncResult{Message: "down"}
	f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/c"})

	f.provider.calls = nil
	f.svc.ConnectionDeleting(ctx, f.conn)

	deleted := map[string]bool{}
	for _, call := range f.provider.calls {
		if call.action == uazapi.ActionDelete {
			deleted[call.id] = true
		}
	}
	if len(deleted) != 2 || !deleted["wh-a"] || !deleted["wh-b"] {
		t.Errorf("expected upstream deletes for wh-a and wh-b, got %v", deleted)
	}
}

func TestConnectionChanged_MovesRegistrations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.nextID = "wh-a"
	a, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/a"})
	f.provider.nextID = "wh-b"
	b, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/b"})

	after := *f.conn
	after.InstanceID = "inst-2"
	after.Token = "tok-2"
	f.provider.calls = nil
	f.provider.nextID = "wh-new"
	f.svc.ConnectionChanged(ctx, f.conn, &after)

	deleted := map[string]string{}
	adds := 0
	for _, call := range f.provider.calls {
		switch call.action {
		case uazapi.ActionDelete:
			deleted[call.id] = call.token
		case uazapi.ActionAdd:
			adds++
			if call.token != "tok-2" {
				t.Errorf("expected add with new token, got %q", call.token)
			}
		case uazapi.ActionUpdate:
			t.Errorf("stale upstream id %q must not be updated on the new instance", call.id)
		}
	}
	if len(deleted) != 2 || deleted["wh-a"] != "tok-1" || deleted["wh-b"] != "tok-1" {
		t.Errorf("expected old registrations deleted with the old token, got %v", deleted)
	}
	if adds != 2 {
		t.Errorf("expected 2 adds, got %d", adds)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got := f.repo.store[id]
		if !got.Synced || got.UpstreamID != "wh-new" {
			t.Errorf("expected %s synced as wh-new, got synced=%v upstream=%q", id, got.Synced, got.UpstreamID)
		}
	}
}

func TestConnectionChanged_FailedAddDropsStaleID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.nextID = "wh-a"
	sub, _ := f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/a"})

	after := *f.conn
	after.BaseURL = "https://other.uazapi.com"
	f.provider.result = uazapi.SyncResult{Message: "instance offline"}
	f.svc.ConnectionChanged(ctx, f.conn, &after)

	got := f.repo.store[sub.ID]
	if got.Synced || got.UpstreamID != "" {
		t.Errorf("expected unsynced with no upstream id, got synced=%v upstream=%q", got.Synced, got.UpstreamID)
	}
}

func TestList(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.svc.Create(ctx, f.conn.ID, &Input{DestinationURL: "https://client.example/hook"})
	}
	items, total, err := f.svc.List(ctx, f.conn.ID, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}
	for _, s := range items {
		if s.RelayURL == "" {
			t.Error("expected relay url on listed items")
		}
	}

	if _, _, err := f.svc.List(ctx, uuid.New(), 10, 0); !errors.Is(err, connection.ErrNotFound) {
		t.Errorf("expected connection.ErrNotFound, got %v", err)
	}
}
