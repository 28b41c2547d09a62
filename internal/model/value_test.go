package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    Value
		wantErr bool
	}{
		{name: "string", in: "hello", want: StringValue("hello")},
		{name: "bool", in: true, want: BoolValue(true)},
		{name: "float64", in: 70.0, want: NumberValue(70)},
		{name: "int", in: 42, want: NumberValue(42)},
		{name: "json.Number", in: json.Number("3.5"), want: NumberValue(3.5)},
		{name: "nil rejected", in: nil, wantErr: true},
		{name: "slice rejected", in: []any{1}, wantErr: true},
		{name: "map rejected", in: map[string]any{"a": 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueOf(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	for _, v := range []Value{
		StringValue("Lisbon"),
		NumberValue(70),
		NumberValue(0.25),
		BoolValue(false),
	} {
		data, err := json.Marshal(v)
		require.NoError(t, err)

		var back Value
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, v.Equal(back), "round trip changed %v to %v", v, back)
		assert.Equal(t, v.Kind(), back.Kind())
	}
}

func TestValueMarshalZeroValueFails(t *testing.T) {
	_, err := json.Marshal(Value{})
	require.Error(t, err)
}

func TestValueDisplay(t *testing.T) {
	assert.Equal(t, "70", NumberValue(70).Display())
	assert.Equal(t, "0.5", NumberValue(0.5).Display())
	assert.Equal(t, "true", BoolValue(true).Display())
	assert.Equal(t, "Lisbon", StringValue("Lisbon").Display())
}

func TestValueEqualDistinguishesKinds(t *testing.T) {
	assert.False(t, StringValue("true").Equal(BoolValue(true)))
	assert.False(t, NumberValue(1).Equal(BoolValue(true)))
}
