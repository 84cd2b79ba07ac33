package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-gateway/internal/config"
)

func TestNewWithOutputWritesJSONWithComponent(t *testing.T) {
	var buffer bytes.Buffer
	logger := NewWithOutput(config.Log{Level: "debug", Format: "json"}, &buffer)

	Component(logger, "Orchestrator").WithField(FieldNotificationID, "n-1").Debug("status saved")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "Orchestrator", entry[FieldComponent])
	assert.Equal(t, "n-1", entry[FieldNotificationID])
	assert.Equal(t, "status saved", entry["msg"])
}

func TestNewWithOutputFallsBackToInfo(t *testing.T) {
	logger := NewWithOutput(config.Log{Level: "loud", Format: "text"}, &bytes.Buffer{})

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
