package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Names(t *testing.T) {
	assert.Equal(t, "pool_transcribable_campaign", TranscribableCampaign.TableName())
	assert.Equal(t, "pool_reviewable_topic", ReviewableTopic.TableName())
	assert.Equal(t, "transcribable/topic", TranscribableTopic.String())
	for _, kind := range Kinds {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}
	_, err := ParseKind("transcribable/galaxy")
	assert.Error(t, err)
}

func TestIDSet(t *testing.T) {
	set := IDSet{7, 8}
	assert.True(t, set.Contains(7))
	assert.False(t, set.Contains(9))

	value, err := set.Value()
	require.NoError(t, err)
	assert.JSONEq(t, "[7,8]", string(value.([]byte)))
	value, err = IDSet(nil).Value()
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(value.([]byte)))

	var decoded IDSet
	require.NoError(t, decoded.Scan([]byte("[7,8]")))
	assert.Equal(t, set, decoded)
	require.NoError(t, decoded.Scan(nil))
	assert.Nil(t, decoded)
}
