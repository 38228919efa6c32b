package history

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/session"
)

type startCall struct {
	conv conversation.ID
	msg  conversation.MessageID
}

// fakeRunner applies updates to store and records the turns it would run.
type fakeRunner struct {
	store  *conversation.Store
	stops  []conversation.ID
	starts []startCall
}

func (f *fakeRunner) Restart(_ context.Context, id conversation.ID, u conversation.Updater, msg conversation.MessageID) (*session.Session, error) {
	f.stops = append(f.stops, id)
	if _, err := f.store.Apply(id, u); err != nil {
		return nil, err
	}
	f.starts = append(f.starts, startCall{id, msg})
	return nil, nil
}

func assistant(text string) conversation.Message {
	return conversation.Message{ID: conversation.NewMessageID(), Role: conversation.RoleAssistant, VisibleText: text}
}

// seed creates [U1, A1, U2, A2].
func seed(t *testing.T) (*conversation.Store, conversation.Conversation) {
	t.Helper()
	store := conversation.NewStore()
	c, err := store.Create(conversation.Conversation{
		Title: "Trip",
		Messages: []conversation.Message{
			conversation.NewUserMessage("U1"),
			assistant("A1"),
			conversation.NewUserMessage("U2"),
			assistant("A2"),
		},
		ModelID:   "m",
		PersonaID: "bestie",
	})
	require.NoError(t, err)
	return store, c
}

func TestBranch_CopiesPrefixAndLeavesSourceAlone(t *testing.T) {
	store, src := seed(t)
	ctl := NewController(store, &fakeRunner{})

	_, err := store.Apply(src.ID, conversation.Set(conversation.Patch{
		PinnedMessageID: conversation.Ptr(src.Messages[0].ID),
		Reminders: map[conversation.MessageID]conversation.Reminder{
			src.Messages[0].ID: {Text: "kept"},
			src.Messages[3].ID: {Text: "dropped"},
		},
	}))
	require.NoError(t, err)
	before, err := store.Get(src.ID)
	require.NoError(t, err)

	fork, err := ctl.Branch(src.ID, src.Messages[1].ID)
	require.NoError(t, err)

	require.NotEqual(t, src.ID, fork.ID)
	require.Equal(t, "Trip (branch)", fork.Title)
	require.Equal(t, "bestie", fork.PersonaID)
	if diff := cmp.Diff(src.Messages[:2], fork.Messages); diff != "" {
		t.Errorf("branch prefix mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, src.Messages[0].ID, fork.PinnedMessageID)
	require.Len(t, fork.Reminders, 1)
	require.Equal(t, "kept", fork.Reminders[src.Messages[0].ID].Text)

	after, err := store.Get(src.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("source changed (-before +after):\n%s", diff)
	}
}

func TestBranch_FromStreamingMessageFreezesCopy(t *testing.T) {
	store := conversation.NewStore()
	a := conversation.NewAssistantPlaceholder()
	a.VisibleText = "half"
	src, err := store.Create(conversation.Conversation{Messages: []conversation.Message{conversation.NewUserMessage("q"), a}})
	require.NoError(t, err)

	fork, err := NewController(store, &fakeRunner{}).Branch(src.ID, a.ID)
	require.NoError(t, err)
	require.False(t, fork.Messages[1].IsStreaming)
	require.Equal(t, "half", fork.Messages[1].VisibleText)

	still, err := store.Get(src.ID)
	require.NoError(t, err)
	require.True(t, still.Messages[1].IsStreaming)
}

func TestBranch_Errors(t *testing.T) {
	store, src := seed(t)
	ctl := NewController(store, &fakeRunner{})

	_, err := ctl.Branch(src.ID, "ghost")
	require.ErrorIs(t, err, conversation.ErrMessageNotFound)

	_, err = ctl.Branch("nope", src.Messages[0].ID)
	require.ErrorIs(t, err, conversation.ErrNotFound)
	require.Len(t, store.List(), 1)
}

func TestRegenerate_TruncatesToLastUserTurn(t *testing.T) {
	store, src := seed(t)
	runner := &fakeRunner{store: store}
	ctl := NewController(store, runner)

	_, err := ctl.Regenerate(context.Background(), src.ID)
	require.NoError(t, err)

	got, err := store.Get(src.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	if diff := cmp.Diff(src.Messages[:3], got.Messages[:3]); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	placeholder := got.Messages[3]
	require.NotEqual(t, src.Messages[3].ID, placeholder.ID)
	require.Equal(t, conversation.RoleAssistant, placeholder.Role)
	require.True(t, placeholder.IsStreaming)
	require.Empty(t, placeholder.VisibleText)

	require.Equal(t, []conversation.ID{src.ID}, runner.stops)
	require.Equal(t, []startCall{{src.ID, placeholder.ID}}, runner.starts)
}

func TestRegenerate_NoUserMessage(t *testing.T) {
	store := conversation.NewStore()
	c, err := store.Create(conversation.Conversation{Messages: []conversation.Message{assistant("hello")}})
	require.NoError(t, err)
	runner := &fakeRunner{store: store}

	_, err = NewController(store, runner).Regenerate(context.Background(), c.ID)
	require.ErrorIs(t, err, ErrNoUserMessage)
	require.Empty(t, runner.starts)

	got, err := store.Get(c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
}

func TestEditAndResubmit(t *testing.T) {
	store, src := seed(t)
	runner := &fakeRunner{store: store}
	ctl := NewController(store, runner)

	_, err := ctl.EditAndResubmit(context.Background(), src.ID, src.Messages[0].ID, "  U1 edited\n")
	require.NoError(t, err)

	got, err := store.Get(src.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.Equal(t, conversation.RoleUser, got.Messages[0].Role)
	require.Equal(t, "U1 edited", got.Messages[0].VisibleText)
	require.True(t, got.Messages[1].IsStreaming)
	require.Equal(t, []startCall{{src.ID, got.Messages[1].ID}}, runner.starts)
}

func TestEditAndResubmit_Errors(t *testing.T) {
	store, src := seed(t)
	runner := &fakeRunner{store: store}
	ctl := NewController(store, runner)

	_, err := ctl.EditAndResubmit(context.Background(), src.ID, src.Messages[1].ID, "x")
	require.ErrorIs(t, err, ErrNotUserMessage)

	_, err = ctl.EditAndResubmit(context.Background(), src.ID, "ghost", "x")
	require.ErrorIs(t, err, conversation.ErrMessageNotFound)

	_, err = ctl.EditAndResubmit(context.Background(), src.ID, src.Messages[2].ID, " \n\t ")
	require.ErrorIs(t, err, conversation.ErrEmptyMessage)

	require.Empty(t, runner.starts)
	got, err := store.Get(src.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(src.Messages, got.Messages); diff != "" {
		t.Errorf("messages changed (-want +got):\n%s", diff)
	}
}

func TestEditAndResubmit_EmptyTextKeepsAttachments(t *testing.T) {
	store := conversation.NewStore()
	u := conversation.NewUserMessage("look", conversation.Attachment{Path: "cat.png"})
	c, err := store.Create(conversation.Conversation{Messages: []conversation.Message{u, assistant("a cat")}})
	require.NoError(t, err)
	runner := &fakeRunner{store: store}

	_, err = NewController(store, runner).EditAndResubmit(context.Background(), c.ID, u.ID, "")
	require.NoError(t, err)

	got, err := store.Get(c.ID)
	require.NoError(t, err)
	require.Empty(t, got.Messages[0].VisibleText)
	require.Equal(t, []conversation.Attachment{{Path: "cat.png"}}, got.Messages[0].Attachments)
}
