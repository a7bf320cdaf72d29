package queue

import (
	"errors"
	"testing"

	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

func item(uuid string) types.QueueItem {
	return types.QueueItem{UUID: uuid, Climb: types.Climb{UUID: "climb-" + uuid, Name: uuid}}
}

func itemPtr(uuid string) *types.QueueItem {
	i := item(uuid)
	return &i
}

func stateWith(current *types.QueueItem, uuids ...string) *types.QueueState {
	state := types.EmptyQueueState()
	for _, uuid := range uuids {
		state.Queue = append(state.Queue, item(uuid))
	}
	state.CurrentClimb = current
	return state
}

// commit applies the event the way the handler does and returns the
// resulting queue and current climb.
func commit(state *types.QueueState, event *types.QueueEvent) ([]types.QueueItem, *types.QueueItem) {
	return event.Apply(state.Queue, state.CurrentClimb)
}

func TestAddQueueItem(t *testing.T) {
	state := stateWith(nil, "a")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeAddQueueItem,
		Item: itemPtr("b"),
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event == nil || event.Type != types.EventQueueItemAdded {
		t.Fatalf("expected queue-item-added, got %+v", event)
	}

	queue, _ := commit(state, event)
	if len(queue) != 2 || queue[1].UUID != "b" {
		t.Errorf("expected b appended, got %+v", queue)
	}
}

func TestAddQueueItemAtPosition(t *testing.T) {
	state := stateWith(nil, "a", "b", "c")
	position := 1
	event, err := applyMutation(state, &types.ClientMessage{
		Type:     types.MessageTypeAddQueueItem,
		Item:     itemPtr("x"),
		Position: &position,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}

	queue, _ := commit(state, event)
	want := []string{"a", "x", "b", "c"}
	for i, uuid := range want {
		if queue[i].UUID != uuid {
			t.Fatalf("position %d: expected %s, got %s", i, uuid, queue[i].UUID)
		}
	}
}

func TestAddDuplicateIsNoOp(t *testing.T) {
	state := stateWith(nil, "a", "b")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeAddQueueItem,
		Item: itemPtr("a"),
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event != nil {
		t.Errorf("duplicate add must be a no-op, got %+v", event)
	}
}

func TestAddWithoutItemIsInvalid(t *testing.T) {
	_, err := applyMutation(types.EmptyQueueState(), &types.ClientMessage{
		Type: types.MessageTypeAddQueueItem,
	})
	if !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}
}

func TestRemoveQueueItem(t *testing.T) {
	state := stateWith(nil, "a", "b", "c")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeRemoveQueueItem,
		UUID: "b",
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}

	queue, _ := commit(state, event)
	if len(queue) != 2 || queue[0].UUID != "a" || queue[1].UUID != "c" {
		t.Errorf("expected [a c], got %+v", queue)
	}
}

func TestRemoveCurrentClimbClearsIt(t *testing.T) {
	state := stateWith(itemPtr("b"), "a", "b")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeRemoveQueueItem,
		UUID: "b",
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}

	_, current := commit(state, event)
	if current != nil {
		t.Errorf("removing the current climb must clear it, got %+v", current)
	}
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	state := stateWith(nil, "a")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeRemoveQueueItem,
		UUID: "zz",
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event != nil {
		t.Errorf("removing an absent item must be a no-op, got %+v", event)
	}
}

func TestReorderQueueItem(t *testing.T) {
	state := stateWith(nil, "a", "b", "c")
	event, err := applyMutation(state, &types.ClientMessage{
		Type:     types.MessageTypeReorderQueueItem,
		OldIndex: 2,
		NewIndex: 0,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}

	queue, _ := commit(state, event)
	want := []string{"c", "a", "b"}
	for i, uuid := range want {
		if queue[i].UUID != uuid {
			t.Fatalf("position %d: expected %s, got %s", i, uuid, queue[i].UUID)
		}
	}
}

func TestReorderOutOfBoundsIsNoOp(t *testing.T) {
	state := stateWith(nil, "a", "b")
	for _, msg := range []*types.ClientMessage{
		{Type: types.MessageTypeReorderQueueItem, OldIndex: 0, NewIndex: 5},
		{Type: types.MessageTypeReorderQueueItem, OldIndex: 0, NewIndex: -1},
		{Type: types.MessageTypeReorderQueueItem, OldIndex: 9, NewIndex: 0},
		{Type: types.MessageTypeReorderQueueItem, OldIndex: -1, NewIndex: 1},
		// A valid uuid never rescues an out-of-range index.
		{Type: types.MessageTypeReorderQueueItem, UUID: "a", OldIndex: 7, NewIndex: 1},
	} {
		event, err := applyMutation(state, msg)
		if err != nil {
			t.Fatalf("applyMutation(%+v): %v", msg, err)
		}
		if event != nil {
			t.Errorf("expected no-op for %+v, got %+v", msg, event)
		}
	}
	if state.Queue[0].UUID != "a" || state.Queue[1].UUID != "b" {
		t.Errorf("rejected reorders must leave the queue unchanged: %+v", state.Queue)
	}
}

func TestUpdateQueueCommitsFullSync(t *testing.T) {
	state := stateWith(itemPtr("a"), "a", "b")
	replacement := []types.QueueItem{item("x"), item("y")}
	event, err := applyMutation(state, &types.ClientMessage{
		Type:         types.MessageTypeUpdateQueue,
		Queue:        replacement,
		CurrentClimb: itemPtr("x"),
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event.Type != types.EventFullSync {
		t.Fatalf("bulk update must commit as full-sync, got %s", event.Type)
	}

	queue, current := commit(state, event)
	if len(queue) != 2 || queue[0].UUID != "x" {
		t.Errorf("expected replacement queue, got %+v", queue)
	}
	if current == nil || current.UUID != "x" {
		t.Errorf("expected replacement current climb, got %+v", current)
	}
}

func TestUpdateCurrentClimb(t *testing.T) {
	state := stateWith(nil, "a")
	event, err := applyMutation(state, &types.ClientMessage{
		Type:         types.MessageTypeUpdateCurrentClimb,
		CurrentClimb: itemPtr("a"),
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event.AddedToQueue {
		t.Error("item already queued must not be re-added")
	}

	queue, current := commit(state, event)
	if len(queue) != 1 {
		t.Errorf("queue must be unchanged, got %+v", queue)
	}
	if current == nil || current.UUID != "a" {
		t.Errorf("expected current a, got %+v", current)
	}
}

func TestUpdateCurrentClimbWithAdd(t *testing.T) {
	state := stateWith(nil, "a")
	event, err := applyMutation(state, &types.ClientMessage{
		Type:             types.MessageTypeUpdateCurrentClimb,
		CurrentClimb:     itemPtr("b"),
		ShouldAddToQueue: true,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if !event.AddedToQueue {
		t.Fatal("expected event to record the queue append")
	}

	queue, current := commit(state, event)
	if len(queue) != 2 || queue[1].UUID != "b" {
		t.Errorf("expected b appended to queue, got %+v", queue)
	}
	if current == nil || current.UUID != "b" {
		t.Errorf("expected current b, got %+v", current)
	}
}

func TestClearCurrentClimbWhenAlreadyEmpty(t *testing.T) {
	event, err := applyMutation(types.EmptyQueueState(), &types.ClientMessage{
		Type: types.MessageTypeUpdateCurrentClimb,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event != nil {
		t.Errorf("clearing an already-empty current climb must be a no-op, got %+v", event)
	}
}

func TestMirrorCurrentClimb(t *testing.T) {
	state := stateWith(itemPtr("a"), "a")
	event, err := applyMutation(state, &types.ClientMessage{
		Type:     types.MessageTypeMirrorCurrentClimb,
		Mirrored: true,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}

	queue, current := commit(state, event)
	if current == nil || !current.Climb.Mirrored {
		t.Errorf("expected mirrored current climb, got %+v", current)
	}
	// The queue entry for the same item stays in step.
	if !queue[0].Climb.Mirrored {
		t.Errorf("queue entry must mirror too, got %+v", queue[0])
	}
}

func TestMirrorWithoutCurrentIsNoOp(t *testing.T) {
	event, err := applyMutation(stateWith(nil, "a"), &types.ClientMessage{
		Type:     types.MessageTypeMirrorCurrentClimb,
		Mirrored: true,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event != nil {
		t.Errorf("mirroring with no current climb must be a no-op, got %+v", event)
	}
}

func TestReplaceQueueItem(t *testing.T) {
	state := stateWith(itemPtr("b"), "a", "b")
	replacement := itemPtr("b2")
	event, err := applyMutation(state, &types.ClientMessage{
		Type: types.MessageTypeReplaceQueueItem,
		UUID: "b",
		Item: replacement,
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event.Type != types.EventFullSync {
		t.Fatalf("replace must commit as full-sync, got %s", event.Type)
	}

	queue, current := commit(state, event)
	if queue[1].UUID != "b2" {
		t.Errorf("expected item replaced in place, got %+v", queue)
	}
	// Replacing the current climb updates it too.
	if current == nil || current.UUID != "b2" {
		t.Errorf("expected current updated to replacement, got %+v", current)
	}
}

func TestReplaceAbsentIsNoOp(t *testing.T) {
	event, err := applyMutation(stateWith(nil, "a"), &types.ClientMessage{
		Type: types.MessageTypeReplaceQueueItem,
		UUID: "missing",
		Item: itemPtr("x"),
	})
	if err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if event != nil {
		t.Errorf("replacing an absent item must be a no-op, got %+v", event)
	}
}

func TestUnknownMutationIsInvalid(t *testing.T) {
	_, err := applyMutation(types.EmptyQueueState(), &types.ClientMessage{Type: "no-such-op"})
	if !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}
}
