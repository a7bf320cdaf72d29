package types

import "testing"

func qi(uuid string) QueueItem {
	return QueueItem{UUID: uuid, Climb: Climb{UUID: "climb-" + uuid}}
}

func qiPtr(uuid string) *QueueItem {
	i := qi(uuid)
	return &i
}

func uuids(queue []QueueItem) []string {
	out := make([]string, len(queue))
	for i := range queue {
		out[i] = queue[i].UUID
	}
	return out
}

func assertOrder(t *testing.T, queue []QueueItem, want ...string) {
	t.Helper()
	got := uuids(queue)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestApplyAddAppendsAndInserts(t *testing.T) {
	queue := []QueueItem{qi("a"), qi("b")}

	added := &QueueEvent{Type: EventQueueItemAdded, Item: qiPtr("c")}
	out, _ := added.Apply(queue, nil)
	assertOrder(t, out, "a", "b", "c")

	position := 1
	spliced := &QueueEvent{Type: EventQueueItemAdded, Item: qiPtr("x"), Position: &position}
	out, _ = spliced.Apply(queue, nil)
	assertOrder(t, out, "a", "x", "b")

	// The input slice is never mutated.
	assertOrder(t, queue, "a", "b")
}

func TestApplyAddIsIdempotent(t *testing.T) {
	queue := []QueueItem{qi("a")}
	event := &QueueEvent{Type: EventQueueItemAdded, Item: qiPtr("a")}
	out, _ := event.Apply(queue, nil)
	assertOrder(t, out, "a")
}

func TestApplyRemoveClearsMatchingCurrent(t *testing.T) {
	queue := []QueueItem{qi("a"), qi("b")}
	current := qiPtr("b")

	event := &QueueEvent{Type: EventQueueItemRemoved, UUID: "b"}
	out, outCurrent := event.Apply(queue, current)
	assertOrder(t, out, "a")
	if outCurrent != nil {
		t.Errorf("current must clear when its item is removed, got %+v", outCurrent)
	}

	// Removing a different item keeps current.
	other := &QueueEvent{Type: EventQueueItemRemoved, UUID: "a"}
	out, outCurrent = other.Apply(queue, current)
	assertOrder(t, out, "b")
	if outCurrent == nil || outCurrent.UUID != "b" {
		t.Errorf("current must survive unrelated removal, got %+v", outCurrent)
	}
}

func TestApplyReorderBounds(t *testing.T) {
	queue := []QueueItem{qi("a"), qi("b"), qi("c")}

	event := &QueueEvent{Type: EventQueueReordered, OldIndex: 2, NewIndex: 0}
	out, _ := event.Apply(queue, nil)
	assertOrder(t, out, "c", "a", "b")

	for _, bad := range []*QueueEvent{
		{Type: EventQueueReordered, OldIndex: -1, NewIndex: 0},
		{Type: EventQueueReordered, OldIndex: 0, NewIndex: 3},
		{Type: EventQueueReordered, OldIndex: 5, NewIndex: 1},
	} {
		out, _ := bad.Apply(queue, nil)
		assertOrder(t, out, "a", "b", "c")
	}
}

func TestApplyCurrentClimbChangedWithAppend(t *testing.T) {
	queue := []QueueItem{qi("a")}

	event := &QueueEvent{Type: EventCurrentClimbChanged, Item: qiPtr("b"), AddedToQueue: true}
	out, current := event.Apply(queue, nil)
	assertOrder(t, out, "a", "b")
	if current == nil || current.UUID != "b" {
		t.Errorf("expected current b, got %+v", current)
	}

	// Without the flag the queue is untouched.
	plain := &QueueEvent{Type: EventCurrentClimbChanged, Item: qiPtr("c")}
	out, current = plain.Apply(queue, nil)
	assertOrder(t, out, "a")
	if current == nil || current.UUID != "c" {
		t.Errorf("expected current c, got %+v", current)
	}
}

func TestApplyMirrorSyncsQueueAndCurrent(t *testing.T) {
	queue := []QueueItem{qi("a"), qi("b")}
	current := qiPtr("a")

	event := &QueueEvent{Type: EventClimbMirrored, UUID: "a", Mirrored: true}
	out, outCurrent := event.Apply(queue, current)

	if !out[0].Climb.Mirrored || out[1].Climb.Mirrored {
		t.Errorf("only the named item may mirror: %+v", out)
	}
	if outCurrent == nil || !outCurrent.Climb.Mirrored {
		t.Errorf("current must mirror in step, got %+v", outCurrent)
	}
	// Inputs untouched.
	if queue[0].Climb.Mirrored || current.Climb.Mirrored {
		t.Error("Apply mutated its inputs")
	}
}

func TestApplyFullSyncAdoptsSnapshot(t *testing.T) {
	queue := []QueueItem{qi("old")}
	event := &QueueEvent{
		Type:         EventFullSync,
		Queue:        []QueueItem{qi("x"), qi("y")},
		CurrentClimb: qiPtr("x"),
	}
	out, current := event.Apply(queue, qiPtr("old"))
	assertOrder(t, out, "x", "y")
	if current == nil || current.UUID != "x" {
		t.Errorf("expected current x, got %+v", current)
	}
}

func TestStateHashSensitivity(t *testing.T) {
	queue := []QueueItem{qi("a"), qi("b")}
	base := ComputeStateHash(queue, "a")

	if got := ComputeStateHash(queue, "a"); got != base {
		t.Error("hash must be deterministic")
	}
	if got := ComputeStateHash(queue, "b"); got == base {
		t.Error("hash must depend on current climb")
	}
	if got := ComputeStateHash([]QueueItem{qi("b"), qi("a")}, "a"); got == base {
		t.Error("hash must depend on queue order")
	}

	mirrored := []QueueItem{qi("a"), qi("b")}
	mirrored[0].Climb.Mirrored = true
	if got := ComputeStateHash(mirrored, "a"); got == base {
		t.Error("hash must depend on mirror flags")
	}

	if len(base) != 16 {
		t.Errorf("expected 16-char hash, got %q", base)
	}
}

func TestValidation(t *testing.T) {
	if !IsValidSessionID("tuesday-session_42") {
		t.Error("expected valid session id")
	}
	for _, bad := range []string{"", "has space", "emoji-🧗", string(make([]byte, 70))} {
		if IsValidSessionID(bad) {
			t.Errorf("expected invalid session id %q", bad)
		}
	}

	if !IsValidUsername("alice") {
		t.Error("expected valid username")
	}
	if IsValidUsername("") {
		t.Error("empty username must be invalid")
	}

	if !IsValidBoardPath("kilter/8/25/12x12/40") {
		t.Error("expected valid board path")
	}
	if IsValidBoardPath("kilter/../../etc") {
		t.Error("dots must be invalid in board paths")
	}
}
