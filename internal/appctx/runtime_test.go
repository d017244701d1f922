package appctx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/clock"
	"channelgate/internal/tracing"
)

func TestNew_Defaults(t *testing.T) {
	var buf bytes.Buffer
	rt := New(Options{LogLevel: "bogus", Output: &buf, Tracing: tracing.DefaultTracingConfig()})

	assert.Equal(t, logrus.InfoLevel, rt.Logger.GetLevel())
	assert.NotEmpty(t, rt.InstanceID)
	assert.NotNil(t, rt.Metrics)
	assert.NotNil(t, rt.Clock)

	require.NoError(t, rt.Init(context.Background()))
	rt.Component("manager").Info("hello")
	require.NoError(t, rt.Close(context.Background()))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.Split(buf.Bytes(), []byte("\n"))[1], &line))
	assert.Equal(t, "manager", line["component"])
	assert.Equal(t, rt.InstanceID, line["instance_id"])
}

func TestNewForTest_UsesGivenClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	rt := NewForTest(fake)

	assert.Equal(t, start, rt.Clock.Now())
	assert.NotNil(t, rt.Tracer("x"))
}
