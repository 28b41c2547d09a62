package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/facet/internal/integrity"
	"github.com/aurelia-ai/facet/internal/model"
)

func TestMemoryAppendGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Append(ctx, "u1", Write{AttributeID: "KnowsCapital", Value: model.NumberValue(80), Observer: "u1"})
	require.NoError(t, err)
	_, err = m.Append(ctx, "u1", Write{AttributeID: "KnowsCapital", Value: model.NumberValue(90), Observer: model.ObserverBot})
	require.NoError(t, err)

	attr, err := m.GetAttribute(ctx, "u1", "KnowsCapital")
	require.NoError(t, err)
	assert.True(t, attr.Value.Equal(model.NumberValue(90)))
	require.Len(t, attr.History, 2)
	assert.True(t, attr.History[0].Value.Equal(model.NumberValue(80)))
	assert.True(t, attr.History[1].Value.Equal(model.NumberValue(90)))
	assert.NoError(t, attr.Validate())
}

func TestMemoryGetNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetAttribute(ctx, "u1", "KnowsCapital")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = m.History(ctx, "u1", "KnowsCapital")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryEstablishedKindEnforced(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Append(ctx, "u1", Write{AttributeID: "Score", Value: model.NumberValue(1), Observer: "u1"})
	require.NoError(t, err)

	_, err = m.Append(ctx, "u1", Write{AttributeID: "Score", Value: model.StringValue("one"), Observer: "u1"})
	assert.ErrorIs(t, err, model.ErrTypeMismatch)

	// Same attribute for a different user establishes its own kind.
	_, err = m.Append(ctx, "u2", Write{AttributeID: "Score", Value: model.StringValue("one"), Observer: "u2"})
	assert.NoError(t, err)
}

func TestMemoryAppendBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Append(ctx, "u1", Write{AttributeID: "b", Value: model.BoolValue(true), Observer: "u1"})
	require.NoError(t, err)

	// Second write conflicts with b's established kind; the first must not land.
	_, err = m.AppendBatch(ctx, "u1", []Write{
		{AttributeID: "a", Value: model.NumberValue(1), Observer: model.ObserverBot},
		{AttributeID: "b", Value: model.NumberValue(2), Observer: model.ObserverBot},
	})
	require.ErrorIs(t, err, model.ErrTypeMismatch)

	_, err = m.GetAttribute(ctx, "u1", "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	attr, err := m.GetAttribute(ctx, "u1", "b")
	require.NoError(t, err)
	assert.Len(t, attr.History, 1)
}

func TestMemoryHistoryHashChainVerifies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := range 5 {
		_, err := m.Append(ctx, "u1", Write{
			AttributeID: "QuizScore",
			Value:       model.NumberValue(float64(i * 10)),
			Observer:    model.ObserverBot,
			Blame:       &model.Blame{Source: model.BlameScript, ID: "quiz-score"},
		})
		require.NoError(t, err)
	}

	history, err := m.History(ctx, "u1", "QuizScore")
	require.NoError(t, err)
	assert.Equal(t, -1, integrity.VerifyHistory("u1", history))
}

func TestMemoryConcurrentAppendsAllLand(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Append(ctx, "u1", Write{
				AttributeID: "Counter",
				Value:       model.NumberValue(float64(i)),
				Observer:    model.ObserverBot,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := m.History(ctx, "u1", "Counter")
	require.NoError(t, err)
	require.Len(t, history, writers)

	for i, s := range history {
		assert.Equal(t, int64(i+1), s.Seq)
		if i > 0 {
			assert.False(t, s.RecordedAt.Before(history[i-1].RecordedAt))
		}
	}
	assert.Equal(t, -1, integrity.VerifyHistory("u1", history))
}

func TestMemoryHistoryCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Append(ctx, "u1", Write{AttributeID: "a", Value: model.StringValue("x"), Observer: "u1"})
	require.NoError(t, err)

	h1, err := m.History(ctx, "u1", "a")
	require.NoError(t, err)
	h1[0].Value = model.StringValue("tampered")

	h2, err := m.History(ctx, "u1", "a")
	require.NoError(t, err)
	assert.True(t, h2[0].Value.Equal(model.StringValue("x")))
}

func TestMemoryListAttributeIDsSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ids, err := m.ListAttributeIDs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, attr := range []string{"Zeta", "Alpha", "Mid"} {
		_, err := m.Append(ctx, "u1", Write{AttributeID: attr, Value: model.BoolValue(true), Observer: "u1"})
		require.NoError(t, err)
	}

	ids, err = m.ListAttributeIDs(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Mid", "Zeta"}, ids)
}

func TestMemoryDeleteUserCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutUser(ctx, model.User{ID: "u1", Name: "Ada"}))
	for _, attr := range []string{"a", "b"} {
		_, err := m.Append(ctx, "u1", Write{AttributeID: attr, Value: model.BoolValue(true), Observer: "u1"})
		require.NoError(t, err)
	}

	result, err := m.DeleteUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Snapshots)
	assert.Equal(t, int64(1), result.Users)

	_, err = m.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = m.GetAttribute(ctx, "u1", "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = m.DeleteUser(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryListScriptsByTag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, tags := range []model.Tags{{"quiz": true}, {"quiz": true, "beta": true}, {"profile": true}} {
		d := model.ScriptDefinition{
			ID:      fmt.Sprintf("s%d", i),
			Name:    fmt.Sprintf("Script %d", i),
			Tags:    tags,
			Outputs: []model.IOSlot{{AttributeID: "out"}},
			Source:  "func Derive(input string) (string, error) { return input, nil }",
		}
		require.NoError(t, m.PutScriptDefinition(ctx, d))
	}

	quiz, err := m.ListScripts(ctx, "quiz")
	require.NoError(t, err)
	require.Len(t, quiz, 2)
	assert.Equal(t, "s0", quiz[0].ID)
	assert.Equal(t, "s1", quiz[1].ID)

	all, err := m.ListScripts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
