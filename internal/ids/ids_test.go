package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAtMillisOrdersByTimestamp(t *testing.T) {
	a := NewAtMillis(1000)
	b := NewAtMillis(2000)
	assert.True(t, a.Before(b))
	assert.Equal(t, -1, a.Compare(b))
}

func TestParseRoundTrip(t *testing.T) {
	original := New()
	parsed, err := Parse(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseInvalidReturnsError(t *testing.T) {
	_, err := Parse("not-a-valid-ulid")
	assert.Error(t, err)
}

func TestMinMaxSentinelsBoundAllIDs(t *testing.T) {
	id := New()
	assert.True(t, Min.Before(id))
	assert.True(t, id.Before(Max))
}

func TestIsZero(t *testing.T) {
	var id ID
	assert.True(t, id.IsZero())
	assert.False(t, New().IsZero())
}

func TestTypedIDConstructorsYieldDistinctValues(t *testing.T) {
	room := NewRoomID()
	channel := NewChannelID()
	assert.NotEqual(t, room.String(), channel.String())
}

func TestJSONMarshalRoundTrip(t *testing.T) {
	id := New()
	b, err := json.Marshal(id)
	require.NoError(t, err)

	var out ID
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id, out)
}

func TestScanFromStringAndBytes(t *testing.T) {
	id := New()

	var fromString ID
	require.NoError(t, fromString.Scan(id.String()))
	assert.Equal(t, id, fromString)

	var fromBytes ID
	require.NoError(t, fromBytes.Scan([]byte(id.String())))
	assert.Equal(t, id, fromBytes)

	var bad ID
	assert.Error(t, bad.Scan(42))
}

func TestSystemUserIDIsStable(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000", SystemUserID.String())
}
