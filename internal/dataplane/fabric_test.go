package dataplane

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFabricCounterReply(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFabric(WithClock(func() time.Time { return at }))
	f.AddSwitch(1, 1, 2)
	if err := f.AddBytes(1, 2, 1000, 10); err != nil {
		t.Fatal(err)
	}

	var got CounterReply
	f.SetReplyHandler(func(ctx context.Context, r CounterReply) { got = r })

	if err := f.RequestPortCounters(context.Background(), 1); err != nil {
		t.Fatalf("RequestPortCounters: %v", err)
	}
	if got.SwitchID != 1 || !got.ReceivedAt.Equal(at) {
		t.Fatalf("reply = %+v", got)
	}
	// two data ports plus LOCAL
	if len(got.Ports) != 3 {
		t.Fatalf("ports = %d, want 3", len(got.Ports))
	}
	if got.Ports[1].PortNo != 2 || got.Ports[1].RxBytes != 1000 {
		t.Errorf("port 2 = %+v", got.Ports[1])
	}
	if !IsReservedPort(got.Ports[2].PortNo) {
		t.Errorf("last port %d should be reserved", got.Ports[2].PortNo)
	}
}

func TestFabricDisconnected(t *testing.T) {
	f := NewFabric()
	f.AddSwitch(5, 1)
	f.Disconnect(5)

	ctx := context.Background()
	if err := f.RequestPortCounters(ctx, 5); !errors.Is(err, ErrSwitchDisconnected) {
		t.Errorf("request error = %v", err)
	}
	if err := f.InstallDropRule(ctx, 5, 1, DefaultDropPriority); !errors.Is(err, ErrSwitchDisconnected) {
		t.Errorf("install error = %v", err)
	}
	if err := f.RemoveDropRule(ctx, 99, 1); !errors.Is(err, ErrSwitchDisconnected) {
		t.Errorf("remove on unknown switch error = %v", err)
	}
}

func TestFabricRulesAndFailures(t *testing.T) {
	f := NewFabric()
	f.AddSwitch(1, 1)
	ctx := context.Background()

	boom := errors.New("rejected")
	f.FailNext(OpInstall, 1, 1, boom)
	if err := f.InstallDropRule(ctx, 1, 1, 2); !errors.Is(err, boom) {
		t.Fatalf("first install = %v, want injected error", err)
	}
	if err := f.InstallDropRule(ctx, 1, 1, 2); err != nil {
		t.Fatalf("second install = %v", err)
	}
	if !f.HasDropRule(1, 1) {
		t.Fatal("rule not installed")
	}
	if f.Calls(OpInstall) != 2 {
		t.Errorf("install calls = %d", f.Calls(OpInstall))
	}

	f.Buffer(1, 1)
	if err := f.DiscardBuffered(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	if f.Buffered(1, 1) != 0 {
		t.Error("buffer not flushed")
	}

	if err := f.RemoveDropRule(ctx, 1, 1); err != nil {
		t.Fatal(err)
	}
	if len(f.DropRules()) != 0 {
		t.Errorf("rules = %v", f.DropRules())
	}
}

func TestFabricAdvance(t *testing.T) {
	f := NewFabric()
	f.AddSwitch(1, 1)
	if err := f.SetRate(1, 1, 1500.5, 10); err != nil {
		t.Fatal(err)
	}
	f.Advance(2 * time.Second)

	var got CounterReply
	f.SetReplyHandler(func(ctx context.Context, r CounterReply) { got = r })
	f.RequestPortCounters(context.Background(), 1)

	if got.Ports[0].RxBytes != 3001 || got.Ports[0].TxBytes != 20 {
		t.Errorf("counters = %+v", got.Ports[0])
	}
}

func TestParseSwitchID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1", 1, false},
		{"0x1f", 0x1f, false},
		{"00:00:00:00:00:00:00:0a", 10, false},
		{"000000000000001A", 0x1a, false},
		{"", 0, true},
		{"switch-1", 0, true},
		{"1ffffffffffffffff", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSwitchID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSwitchID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSwitchID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
