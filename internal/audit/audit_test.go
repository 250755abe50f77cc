package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/requestctx"
)

func testCtx() context.Context {
	rc := requestctx.System("req-audit", "00000000-0000-7000-8000-000000000555")
	rc.IPAddress = "10.0.0.9"
	rc.UserAgent = "portal-cli/1.0"
	return requestctx.With(context.Background(), rc)
}

func TestSplitOperation(t *testing.T) {
	tests := []struct {
		name       string
		targetType string
		operation  string
	}{
		{"user.created", "user", "created"},
		{"apikey.rotated", "apikey", "rotated"},
		{"login_failed", "security", "login_failed"},
		{".leading", "security", ".leading"},
		{"trailing.", "security", "trailing."},
	}
	for _, tc := range tests {
		targetType, operation := splitOperation(tc.name)
		assert.Equal(t, tc.targetType, targetType, tc.name)
		assert.Equal(t, tc.operation, operation, tc.name)
	}
}

func TestLogPersistsEntry(t *testing.T) {
	db := database.NewMemory()
	svc := New(db.Audit(), db.JobDLQ())

	before := json.RawMessage(`{"plan":"free"}`)
	after := json.RawMessage(`{"plan":"pro"}`)
	require.NoError(t, svc.Log(testCtx(), "app.upgraded", Options{
		Before:    before,
		After:     after,
		SubjectID: "app-1",
	}))

	entries := db.AuditEntries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "app", e.TargetType)
	assert.Equal(t, "upgraded", e.Operation)
	assert.Equal(t, "app-1", e.TargetID)
	assert.Equal(t, "req-audit", e.RequestID)
	assert.Equal(t, "10.0.0.9", e.ContextIP)
	assert.Equal(t, "portal-cli/1.0", e.ContextAgent)
	require.NotNil(t, e.Delta)
	assert.JSONEq(t, string(before), string(e.Delta.Old))
	assert.JSONEq(t, string(after), string(e.Delta.New))
}

func TestLogNoDeltaWithoutBothSides(t *testing.T) {
	db := database.NewMemory()
	svc := New(db.Audit(), db.JobDLQ())

	require.NoError(t, svc.Log(testCtx(), "app.touched", Options{
		After: json.RawMessage(`{"x":1}`),
	}))
	entries := db.AuditEntries()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Delta)
}

func TestSecurityEntryDeadLettersOnFailure(t *testing.T) {
	db := database.NewMemory()
	db.FailAudit = true
	svc := New(db.Audit(), db.JobDLQ())

	// Even silent security entries must survive.
	require.NoError(t, svc.Log(testCtx(), "login_failed", Options{Silent: true}))

	letters := db.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "audit.login_failed", letters[0].Type)
}

func TestSilentNonSecurityDroppedOnFailure(t *testing.T) {
	db := database.NewMemory()
	db.FailAudit = true
	svc := New(db.Audit(), db.JobDLQ())

	require.NoError(t, svc.Log(testCtx(), "app.viewed", Options{Silent: true}))
	assert.Empty(t, db.DeadLetters())
}

func TestNonSilentEntryDeadLettersOnFailure(t *testing.T) {
	db := database.NewMemory()
	db.FailAudit = true
	svc := New(db.Audit(), db.JobDLQ())

	require.NoError(t, svc.Log(testCtx(), "app.deleted", Options{}))
	letters := db.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "audit.deleted", letters[0].Type)
}

func TestReplayDeadLetters(t *testing.T) {
	ctx := testCtx()
	db := database.NewMemory()
	svc := New(db.Audit(), db.JobDLQ())

	valid, err := json.Marshal(&database.AuditEntry{
		ID: "e-1", AppID: "t-1", Operation: "created", TargetType: "user",
	})
	require.NoError(t, err)
	require.NoError(t, db.JobDLQ().Enqueue(ctx, &database.DeadLetter{
		ID: "dlq-1", Type: "audit.created", Payload: valid,
	}))
	require.NoError(t, db.JobDLQ().Enqueue(ctx, &database.DeadLetter{
		ID: "dlq-2", Type: "audit.created", Payload: json.RawMessage(`{"bad":true}`),
	}))

	result, err := svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1, Failed: 1, Skipped: false}, result)

	require.Len(t, db.AuditEntries(), 1)
	assert.Equal(t, "created", db.AuditEntries()[0].Operation)

	// The valid letter is consumed; the invalid one stays pending.
	size, err := db.JobDLQ().Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestReplayEmptyQueueSkips(t *testing.T) {
	db := database.NewMemory()
	svc := New(db.Audit(), db.JobDLQ())

	result, err := svc.ReplayDeadLetters(testCtx(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 0, Failed: 0, Skipped: true}, result)
}

func TestReplayOnlyTouchesAuditLetters(t *testing.T) {
	ctx := testCtx()
	db := database.NewMemory()
	svc := New(db.Audit(), db.JobDLQ())

	require.NoError(t, db.JobDLQ().Enqueue(ctx, &database.DeadLetter{
		ID: "dlq-job", Type: "job.export", Payload: json.RawMessage(`{}`),
	}))

	result, err := svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}
