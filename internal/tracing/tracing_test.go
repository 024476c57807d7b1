package tracing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	p, err := Setup("coven-relay-test", "test", &buf)
	require.NoError(t, err)

	_, span := Start(t.Context(), "relay.execute", AttrSessionID.String("s1"))
	span.End()

	require.NoError(t, p.Shutdown(t.Context()))
	assert.Contains(t, buf.String(), "relay.execute")
	assert.Contains(t, buf.String(), "s1")
}
