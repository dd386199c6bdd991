package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/dockmon/dockmon/internal/logging"
)

func TestResolveChannelsIDPreferredOverType(t *testing.T) {
	all := []Channel{
		{ID: 1, Type: "discord", Enabled: true},
		{ID: 2, Type: "discord", Enabled: true},
		{ID: 3, Type: "webhook", Enabled: true},
	}
	got := ResolveChannels([]string{"2", "discord"}, all)
	if len(got) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(got))
	}
	if got[0].ID != 2 {
		t.Fatalf("expected explicit ID 2 first, got %d", got[0].ID)
	}
	// legacy "discord" fallback resolves to the first enabled discord channel (ID 1),
	// and is NOT deduped against the already-selected ID 2 since they're distinct IDs.
	if got[1].ID != 1 {
		t.Fatalf("expected legacy type fallback to resolve to channel 1, got %d", got[1].ID)
	}
}

func TestResolveChannelsSkipsDisabled(t *testing.T) {
	all := []Channel{{ID: 1, Type: "discord", Enabled: false}}
	got := ResolveChannels([]string{"1", "discord"}, all)
	if len(got) != 0 {
		t.Fatalf("expected no channels resolved, got %d", len(got))
	}
}

type fakeTransport struct {
	err error
}

func (f *fakeTransport) Send(ctx context.Context, channel Channel, alert Alert) error {
	return f.err
}

func TestDispatcherSendClassifiesTransportError(t *testing.T) {
	d := New(logging.Nop())
	d.Register("webhook", &fakeTransport{err: errors.New("connection refused")})

	err := d.Send(context.Background(), Channel{Type: "webhook", Name: "c1"}, Alert{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatcherSendNoTransportRegistered(t *testing.T) {
	d := New(logging.Nop())
	err := d.Send(context.Background(), Channel{Type: "unknown"}, Alert{})
	if err == nil {
		t.Fatal("expected error for unregistered channel type")
	}
}

func TestDispatcherSendRateLimitsPerChannel(t *testing.T) {
	d := New(logging.Nop())
	d.Register("webhook", &fakeTransport{})
	ch := Channel{ID: 42, Type: "webhook", Name: "c1"}

	for i := 0; i < perChannelBurst; i++ {
		if err := d.Send(context.Background(), ch, Alert{}); err != nil {
			t.Fatalf("unexpected error within burst: %v", err)
		}
	}
	if err := d.Send(context.Background(), ch, Alert{}); err == nil {
		t.Fatal("expected rate limit error once burst is exhausted")
	}
}
