package relay

import (
	"reflect"
	"testing"

	"relaychat/internal/wire"
)

func TestPresenceJoinAndLeave(t *testing.T) {
	presence := NewPresence()

	if _, ok := presence.ApplyControl(wire.NewJoin("alice")); !ok {
		t.Fatal("join alice produced no snapshot")
	}
	snapshot, ok := presence.ApplyControl(wire.NewJoin("bob"))
	if !ok {
		t.Fatal("join bob produced no snapshot")
	}
	want := map[string]string{"alice": wire.StatusOnline, "bob": wire.StatusOnline}
	if snapshot.Kind() != wire.KindPresence || !reflect.DeepEqual(snapshot.Presence.Snapshot, want) {
		t.Fatalf("snapshot = %+v, want %v", snapshot.Presence, want)
	}

	snapshot, ok = presence.ApplyControl(wire.NewLeave("alice", "127.0.0.1:5000"))
	if !ok {
		t.Fatal("leave produced no snapshot")
	}
	want = map[string]string{"bob": wire.StatusOnline}
	if !reflect.DeepEqual(snapshot.Presence.Snapshot, want) {
		t.Errorf("after leave = %v, want %v", snapshot.Presence.Snapshot, want)
	}
}

func TestPresenceRepeatedJoinIsIdempotent(t *testing.T) {
	presence := NewPresence()
	presence.ApplyControl(wire.NewJoin("alice"))
	snapshot, _ := presence.ApplyControl(wire.NewJoin("alice"))

	if _, ok := snapshot.Presence.Snapshot["alice"]; !ok {
		t.Error("second join removed alice")
	}
}

func TestPresenceLeaveUnknownIsNoop(t *testing.T) {
	presence := NewPresence()
	presence.ApplyControl(wire.NewJoin("bob"))

	snapshot, ok := presence.ApplyControl(wire.NewLeave("nobody", ""))
	if !ok {
		t.Fatal("leave should still yield a snapshot")
	}
	if !reflect.DeepEqual(snapshot.Presence.Snapshot, map[string]string{"bob": wire.StatusOnline}) {
		t.Errorf("snapshot = %v", snapshot.Presence.Snapshot)
	}
}

func TestPresenceIgnoresNonControl(t *testing.T) {
	presence := NewPresence()
	for _, env := range []wire.Envelope{
		wire.NewChat("alice", "hi", nil, nil),
		wire.NewNotice("hello"),
		wire.NewPresence(map[string]string{"mallory": wire.StatusOnline}),
		{},
	} {
		if _, ok := presence.ApplyControl(env); ok {
			t.Errorf("%v produced a snapshot", env.Kind())
		}
	}
	if len(presence.Snapshot()) != 0 {
		t.Errorf("table mutated: %v", presence.Snapshot())
	}
}

func TestPresenceSnapshotIsCopy(t *testing.T) {
	presence := NewPresence()
	snapshot, _ := presence.ApplyControl(wire.NewJoin("alice"))
	snapshot.Presence.Snapshot["mallory"] = wire.StatusOnline

	copied := presence.Snapshot()
	copied["eve"] = wire.StatusOnline

	if len(presence.Snapshot()) != 1 {
		t.Errorf("table leaked through a snapshot: %v", presence.Snapshot())
	}
}

func TestPresenceRemove(t *testing.T) {
	presence := NewPresence()
	presence.ApplyControl(wire.NewJoin("alice"))
	presence.ApplyControl(wire.NewJoin("bob"))

	if _, ok := presence.Remove("carol"); ok {
		t.Error("removing an absent name reported a change")
	}
	snapshot, ok := presence.Remove("alice", "carol")
	if !ok {
		t.Fatal("Remove(alice) reported no change")
	}
	if !reflect.DeepEqual(snapshot.Presence.Snapshot, map[string]string{"bob": wire.StatusOnline}) {
		t.Errorf("snapshot = %v", snapshot.Presence.Snapshot)
	}
}
