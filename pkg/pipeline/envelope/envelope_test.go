package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

func testPayload(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"object_key":"user/2025/09/doc.pdf","version":"v1"}`)
}

// TestNew verifies envelope creation and defaults.
func TestNew(t *testing.T) {
	env, err := envelope.New("trace-1", "tenant-a", "user/2025/09/doc.pdf::v1",
		envelope.StageParsed, testPayload(t))
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "trace-1", env.TraceID)
	assert.Equal(t, "tenant-a", env.Tenant)
	assert.Equal(t, 0, env.Generation)
	assert.Equal(t, 0, env.Attempt)
	assert.Empty(t, env.CausationID)
	assert.False(t, env.ProducedAt.IsZero())
}

// TestNewValidation verifies required-field enforcement.
func TestNewValidation(t *testing.T) {
	tests := []struct {
		name       string
		traceID    string
		tenant     string
		businessID string
		stage      envelope.Stage
		wantField  string
	}{
		{"missing trace", "", "tenant-a", "k::v1", envelope.StageParsed, "trace_id"},
		{"missing tenant", "trace-1", "", "k::v1", envelope.StageParsed, "tenant"},
		{"missing business id", "trace-1", "tenant-a", "", envelope.StageParsed, "business_id"},
		{"unknown stage", "trace-1", "tenant-a", "k::v1", envelope.Stage("bogus"), "stage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := envelope.New(tt.traceID, tt.tenant, tt.businessID, tt.stage, nil)
			require.Error(t, err)

			var valErr *perrors.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.wantField, valErr.Field)
		})
	}
}

// TestDeriveNext verifies lineage fields carry into the next stage.
func TestDeriveNext(t *testing.T) {
	parent, err := envelope.New("trace-1", "tenant-a", "k::v1",
		envelope.StageParsed, testPayload(t),
		envelope.WithGeneration(2))
	require.NoError(t, err)

	child, err := parent.DeriveNext(envelope.StageExtracted, json.RawMessage(`{"entities":[]}`))
	require.NoError(t, err)

	assert.NotEqual(t, parent.EventID, child.EventID)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.Tenant, child.Tenant)
	assert.Equal(t, parent.BusinessID, child.BusinessID)
	assert.Equal(t, parent.Generation, child.Generation)
	assert.Equal(t, parent.EventID, child.CausationID)
	assert.Equal(t, envelope.StageExtracted, child.Stage)
	assert.Equal(t, 0, child.Attempt)
}

// TestWithRetry verifies the redelivery instance.
func TestWithRetry(t *testing.T) {
	env, err := envelope.New("trace-1", "tenant-a", "k::v1",
		envelope.StageParsed, testPayload(t))
	require.NoError(t, err)

	retried := env.WithRetry()

	assert.NotEqual(t, env.EventID, retried.EventID)
	assert.Equal(t, env.EventID, retried.CausationID)
	assert.Equal(t, env.Attempt+1, retried.Attempt)
	assert.Equal(t, env.BusinessID, retried.BusinessID)
	assert.Equal(t, env.Generation, retried.Generation)

	// Original is untouched.
	assert.Equal(t, 0, env.Attempt)
}

// TestFingerprint verifies content hashing is stable and discriminating.
func TestFingerprint(t *testing.T) {
	a, err := envelope.New("trace-1", "tenant-a", "k::v1", envelope.StageParsed, testPayload(t))
	require.NoError(t, err)
	b, err := envelope.New("trace-2", "tenant-a", "k::v1", envelope.StageParsed, testPayload(t))
	require.NoError(t, err)

	// Same identity and payload: same fingerprint even across event ids.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c, err := envelope.New("trace-1", "tenant-a", "k::v1", envelope.StageParsed,
		json.RawMessage(`{"object_key":"other","version":"v1"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

// TestEncodeDecode verifies the wire round trip.
func TestEncodeDecode(t *testing.T) {
	env, err := envelope.New("trace-1", "tenant-a", "k::v1",
		envelope.StageExtracted, testPayload(t),
		envelope.WithGeneration(1))
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := envelope.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.Generation, decoded.Generation)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

// TestDecodePoison verifies malformed wire data classifies as poison.
func TestDecodePoison(t *testing.T) {
	_, err := envelope.Decode([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, perrors.IsPoison(err))
}

// TestStageTopology verifies the fixed subject and stage wiring.
func TestStageTopology(t *testing.T) {
	assert.Equal(t, "notevault.file.uploaded.v1", envelope.StageParsed.InputSubject())
	assert.Equal(t, "insight.file.parsed.v1", envelope.StageParsed.OutputSubject())
	assert.Equal(t, "insight.file.parsed.v1", envelope.StageExtracted.InputSubject())
	assert.Equal(t, "insight.file.extracted.v1", envelope.StageIndexed.InputSubject())
	assert.Equal(t, "insight.file.parsed.v1", envelope.StageCrawlerFetched.OutputSubject())
	assert.Empty(t, envelope.StageCrawlerActivity.OutputSubject())

	assert.Equal(t, envelope.StageExtracted, envelope.StageParsed.NextStage())
	assert.Equal(t, envelope.StageExtracted, envelope.StageCrawlerFetched.NextStage())
	assert.Equal(t, envelope.StageIndexed, envelope.StageExtracted.NextStage())
	assert.Empty(t, envelope.StageIndexed.NextStage())

	assert.Equal(t, "notevault.file.uploaded.v1.dlq", envelope.StageParsed.DLQSubject())
}

// TestBusinessIDHelpers verifies identity derivation.
func TestBusinessIDHelpers(t *testing.T) {
	assert.Equal(t, "user/2025/09/doc.pdf::v2",
		envelope.BusinessID("user/2025/09/doc.pdf", "v2"))

	day := time.Date(2025, 9, 14, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "user-7::2025-09-14",
		envelope.ActivityBusinessID("user-7", day))
}
