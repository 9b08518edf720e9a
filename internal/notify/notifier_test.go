package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryKey(t *testing.T) {
	assert.Equal(t, "drawingextract:notifications:session:s1", historyKey("drawingextract:notifications", "s1"))
}

func TestDecodeNotifications_SkipsGarbage(t *testing.T) {
	good, err := json.Marshal(&Notification{
		Event:     "notification",
		SessionID: "s1",
		Kind:      KindError,
		Title:     "Insufficient AI Credits",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	got := decodeNotifications([]string{string(good), "{not json"})

	require.Len(t, got, 1)
	assert.Equal(t, KindError, got[0].Kind)
	assert.Equal(t, "Insufficient AI Credits", got[0].Title)
}

func TestNotificationWireShape(t *testing.T) {
	raw, err := json.Marshal(&Notification{Event: "notification", SessionID: "s1", Kind: KindInfo, Title: "t", Description: "d"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Equal(t, "info", m["kind"])
	assert.Equal(t, "s1", m["sessionId"])
	assert.Contains(t, m, "timestamp")
}
