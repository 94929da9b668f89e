package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionMessageJSON(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 0, 0, 500000000, time.UTC)

	payload, err := json.Marshal(positionMessage{
		ID: 3,
		X:  1000,
		Y:  -2000,
		Z:  1500,
		QF: 92,
		At: at.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": 3,
		"x": 1000,
		"y": -2000,
		"z": 1500,
		"qf": 92,
		"at": "2025-03-14T09:00:00.5Z"
	}`, string(payload))
}

func TestTopicPerDevice(t *testing.T) {
	p := Publisher{prefix: "uwb/position/"}

	assert.Equal(t, "uwb/position/7", p.topic(7))
}
