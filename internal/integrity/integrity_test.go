package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/facet/internal/model"
)

func chainedHistory(t *testing.T, userID string, values ...model.Value) []model.Snapshot {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	prev := ChainSeed
	history := make([]model.Snapshot, 0, len(values))
	for i, v := range values {
		s := model.Snapshot{
			AttributeID: "QuizScore",
			Value:       v,
			Observer:    model.ObserverBot,
			RecordedAt:  base.Add(time.Duration(i) * time.Second),
			Seq:         int64(i + 1),
		}
		s.ContentHash = SnapshotHash(userID, s, prev)
		prev = s.ContentHash
		history = append(history, s)
	}
	return history
}

func TestSnapshotHashDeterministic(t *testing.T) {
	s := model.Snapshot{
		AttributeID: "QuizScore",
		Value:       model.NumberValue(70),
		Observer:    model.ObserverBot,
		Blame:       &model.Blame{Source: model.BlameScript, ID: "quiz-score"},
		RecordedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, SnapshotHash("u1", s, ChainSeed), SnapshotHash("u1", s, ChainSeed))
	assert.NotEqual(t, SnapshotHash("u1", s, ChainSeed), SnapshotHash("u2", s, ChainSeed))
	assert.NotEqual(t, SnapshotHash("u1", s, ChainSeed), SnapshotHash("u1", s, "deadbeef"))
}

func TestSnapshotHashFieldBoundaries(t *testing.T) {
	// Length-prefixed encoding must distinguish ("ab","c") from ("a","bc").
	a := model.Snapshot{AttributeID: "ab", Observer: "c", Value: model.StringValue("x")}
	b := model.Snapshot{AttributeID: "a", Observer: "bc", Value: model.StringValue("x")}
	assert.NotEqual(t, SnapshotHash("u", a, ChainSeed), SnapshotHash("u", b, ChainSeed))
}

func TestVerifyHistory(t *testing.T) {
	history := chainedHistory(t, "u1",
		model.NumberValue(60), model.NumberValue(70), model.NumberValue(80))
	assert.Equal(t, -1, VerifyHistory("u1", history))
}

func TestVerifyHistoryDetectsRewrite(t *testing.T) {
	history := chainedHistory(t, "u1",
		model.NumberValue(60), model.NumberValue(70), model.NumberValue(80))

	tampered := make([]model.Snapshot, len(history))
	copy(tampered, history)
	tampered[1].Value = model.NumberValue(99)

	assert.Equal(t, 1, VerifyHistory("u1", tampered))
}

func TestVerifyHistoryDetectsReorder(t *testing.T) {
	history := chainedHistory(t, "u1", model.NumberValue(60), model.NumberValue(70))
	swapped := []model.Snapshot{history[1], history[0]}
	assert.Equal(t, 0, VerifyHistory("u1", swapped))
}

func TestVerifyHistoryEmpty(t *testing.T) {
	assert.Equal(t, -1, VerifyHistory("u1", nil))
}

func TestMerkleRoot(t *testing.T) {
	require.Equal(t, "", MerkleRoot(nil))
	require.Equal(t, "aa", MerkleRoot([]string{"aa"}))

	root := MerkleRoot([]string{"aa", "bb", "cc"})
	assert.NotEmpty(t, root)
	assert.Equal(t, root, MerkleRoot([]string{"aa", "bb", "cc"}))
	assert.NotEqual(t, root, MerkleRoot([]string{"aa", "bb"}))
	assert.NotEqual(t, root, MerkleRoot([]string{"bb", "aa", "cc"}))
}
