package persistence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/pkg/record"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrediction(patient string) record.Envelope {
	return record.Envelope{Payload: map[string]any{
		"patient_id": patient,
		"prediction": "Ulcerative Colitis",
		"confidence": 0.91,
	}}
}

func ids(envs []record.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.ID
	}
	return out
}

func TestWrite_ReplicatesToBothStores(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()

	id := l.Write(ctx, record.CollectionPredictions, newPrediction("P-001"))
	require.NotEmpty(t, id)

	inPrimary, err := primary.Find(ctx, record.CollectionPredictions, 0)
	require.NoError(t, err)
	inShadow, err := shadow.Find(ctx, record.CollectionPredictions, 0)
	require.NoError(t, err)

	require.Len(t, inPrimary, 1)
	require.Len(t, inShadow, 1)
	assert.Equal(t, id, inPrimary[0].ID)
	assert.Equal(t, id, inShadow[0].ID, "both stores must hold the same id")
	assert.Equal(t, "P-001", inShadow[0].Payload["patient_id"])

	m := l.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues(record.CollectionPredictions, "primary", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues(record.CollectionPredictions, "shadow", "ok")))
}

func TestWrite_PrimaryOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(), redisTarget(mr, endpoint.KindPrimary, 0))
	ctx := context.Background()

	id := l.Write(ctx, record.CollectionEnsemble, record.Envelope{Payload: map[string]any{"vote": "majority"}})
	require.NotEmpty(t, id)

	envs := l.Read(ctx, record.CollectionEnsemble, 10)
	require.Len(t, envs, 1)
	assert.Equal(t, id, envs[0].ID)
	assert.Equal(t, record.CollectionEnsemble, envs[0].Collection)
}

func TestWrite_ShadowOnlyIsInvisibleToPrimaryRead(t *testing.T) {
	smr := miniredis.RunT(t)
	dialer := newRecordingDialer()
	dead := deadTarget("db1", 0)
	dialer.fail[dead.Address] = true

	l := startLayer(t, dialer, dead, redisTarget(smr, endpoint.KindShadow, 1))
	require.Equal(t, StatusUnavailable, l.Status().Primary)
	require.Equal(t, StatusConnected, l.Status().Shadow)
	ctx := context.Background()

	assert.Empty(t, l.Write(ctx, record.CollectionGrid, record.Envelope{Payload: map[string]any{"cell": "A1"}}),
		"no id is returned when the primary did not take the write")

	assert.Empty(t, l.Read(ctx, record.CollectionGrid, 10))
	all := l.ReadAll(ctx, record.CollectionGrid)
	require.Len(t, all, 1)
	for _, env := range all {
		assert.Equal(t, "A1", env.Payload["cell"])
	}
}

func TestWrite_ShadowFailureDoesNotAffectPrimary(t *testing.T) {
	pmr := miniredis.RunT(t)
	smr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(),
		redisTarget(pmr, endpoint.KindPrimary, 0),
		redisTarget(smr, endpoint.KindShadow, 1),
	)
	ctx := context.Background()

	smr.Close()

	id := l.Write(ctx, record.CollectionTraining, record.Envelope{Payload: map[string]any{"epochs": 20}})
	require.NotEmpty(t, id)

	envs := l.Read(ctx, record.CollectionTraining, 5)
	require.Len(t, envs, 1)
	assert.Equal(t, id, envs[0].ID)

	m := l.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues(record.CollectionTraining, "shadow", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadsTotal.WithLabelValues(record.CollectionTraining, "primary", "ok")))
}

func TestWrite_PrimaryFailureStillReachesShadow(t *testing.T) {
	l, _, shadow := dualLayer(t)
	ctx := context.Background()

	p, _, ok := l.primary.connected()
	require.True(t, ok)
	require.NoError(t, p.Close(ctx))

	assert.Empty(t, l.Write(ctx, record.CollectionXAI, record.Envelope{Payload: map[string]any{"method": "gradcam"}}))

	envs, err := shadow.Find(ctx, record.CollectionXAI, 0)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestWrite_KeyedCollectionRequiresID(t *testing.T) {
	l, primary, _ := dualLayer(t)
	ctx := context.Background()

	assert.Empty(t, l.Write(ctx, record.CollectionTrainedModels, record.Envelope{Payload: map[string]any{"accuracy": 0.9}}))

	envs, err := primary.Find(ctx, record.CollectionTrainedModels, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().DroppedTotal.WithLabelValues(record.CollectionTrainedModels, "malformed")))
}

func TestWrite_EmptyCollectionIsMalformed(t *testing.T) {
	l, _, _ := dualLayer(t)

	assert.Empty(t, l.Write(context.Background(), "", newPrediction("P-003")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().DroppedTotal.WithLabelValues("", "malformed")))
	assert.Zero(t, testutil.ToFloat64(l.Metrics().WritesTotal.WithLabelValues("", "primary", "ok")))
}

func TestWrite_DecodesBase64BinaryFields(t *testing.T) {
	l, primary, _ := dualLayer(t)
	ctx := context.Background()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	id := l.Write(ctx, record.CollectionDiagrams, record.Envelope{Payload: map[string]any{
		"circuit_name": "qsvc",
		"diagram":      base64.StdEncoding.EncodeToString(png),
	}})
	require.NotEmpty(t, id)

	envs, err := primary.Find(ctx, record.CollectionDiagrams, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, png, envs[0].Payload["diagram"])

	assert.Empty(t, l.Write(ctx, record.CollectionDiagrams, record.Envelope{Payload: map[string]any{"diagram": "%%%"}}),
		"invalid base64 is rejected")
}

func TestWrite_KeepsCallerTimestamp(t *testing.T) {
	l, _, _ := dualLayer(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 14, 15, 9, 26, 535897932, time.UTC)
	l.Write(ctx, record.CollectionCircuits, record.Envelope{Payload: map[string]any{}, CreatedAt: at})

	envs := l.Read(ctx, record.CollectionCircuits, 1)
	require.Len(t, envs, 1)
	assert.True(t, at.Truncate(time.Millisecond).Equal(envs[0].CreatedAt))
}

func TestUpsert_ReplacesInBothStores(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()

	require.Equal(t, "qsvc", l.Upsert(ctx, record.CollectionTrainedModels, "qsvc", map[string]any{"accuracy": 0.81}))
	require.Equal(t, "qsvc", l.Upsert(ctx, record.CollectionTrainedModels, "qsvc", map[string]any{"accuracy": 0.93}))

	for name, s := range map[string]interface {
		Find(context.Context, string, int) ([]record.Envelope, error)
	}{"primary": primary, "shadow": shadow} {
		envs, err := s.Find(ctx, record.CollectionTrainedModels, 0)
		require.NoError(t, err, name)
		require.Len(t, envs, 1, name)
		assert.Equal(t, 0.93, envs[0].Payload["accuracy"], name)
	}

	assert.Empty(t, l.Upsert(ctx, record.CollectionTrainedModels, "", map[string]any{}))
}

func TestWrite_WithIDUpserts(t *testing.T) {
	l, _, _ := dualLayer(t)
	ctx := context.Background()

	l.Write(ctx, record.CollectionActivities, record.Envelope{ID: "run-1", Payload: map[string]any{"step": 1}})
	l.Write(ctx, record.CollectionActivities, record.Envelope{ID: "run-1", Payload: map[string]any{"step": 2}})

	envs := l.Read(ctx, record.CollectionActivities, 0)
	require.Len(t, envs, 1)
	assert.Equal(t, int64(2), envs[0].Payload["step"])
}

func TestWriteAsync_CloseDrainsPendingWrites(t *testing.T) {
	pmr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(), redisTarget(pmr, endpoint.KindPrimary, 0))
	reader := directStore(t, pmr)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.WriteAsync(record.CollectionBatch, record.Envelope{Payload: map[string]any{"row": i}})
	}
	require.NoError(t, l.Close(ctx))

	envs, err := reader.Find(ctx, record.CollectionBatch, 0)
	require.NoError(t, err)
	assert.Len(t, envs, 20)

	l.WriteAsync(record.CollectionBatch, record.Envelope{Payload: map[string]any{"row": "late"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().DroppedTotal.WithLabelValues(record.CollectionBatch, "closed")))
}

func TestWrite_ConcurrentWritersGetDistinctSequence(t *testing.T) {
	l, _, _ := dualLayer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Write(ctx, record.CollectionEnsemble, record.Envelope{Payload: map[string]any{"i": i}})
		}(i)
	}
	wg.Wait()

	envs := l.Read(ctx, record.CollectionEnsemble, 0)
	require.Len(t, envs, 10)
	seen := map[int64]bool{}
	for _, env := range envs {
		assert.False(t, seen[env.Seq], "sequence %d reused", env.Seq)
		seen[env.Seq] = true
	}
}

func TestReadAll_PrimaryTakesPrecedence(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, primary.Upsert(ctx, record.Envelope{
		Collection: record.CollectionTrainedModels, ID: "m1", CreatedAt: now, Seq: 1,
		Payload: map[string]any{"source": "primary"},
	}))
	require.NoError(t, shadow.Upsert(ctx, record.Envelope{
		Collection: record.CollectionTrainedModels, ID: "m1", CreatedAt: now.Add(time.Hour), Seq: 2,
		Payload: map[string]any{"source": "shadow"},
	}))
	require.NoError(t, shadow.Upsert(ctx, record.Envelope{
		Collection: record.CollectionTrainedModels, ID: "m2", CreatedAt: now, Seq: 3,
		Payload: map[string]any{"source": "shadow"},
	}))

	all := l.ReadAll(ctx, record.CollectionTrainedModels)
	require.Len(t, all, 2)
	assert.Equal(t, "primary", all["m1"].Payload["source"])
	assert.Equal(t, "shadow", all["m2"].Payload["source"])

	merged := l.ReadMerged(ctx, record.CollectionTrainedModels, 10)
	require.Len(t, merged, 2)
	for _, env := range merged {
		if env.ID == "m1" {
			assert.Equal(t, "primary", env.Payload["source"])
		}
	}
}

func TestReadSplit_ReportsStoresSeparately(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, primary.Insert(ctx, record.Envelope{Collection: record.CollectionPredictions, ID: "p", CreatedAt: now, Seq: 1, Payload: map[string]any{}}))
	require.NoError(t, shadow.Insert(ctx, record.Envelope{Collection: record.CollectionPredictions, ID: "s", CreatedAt: now, Seq: 2, Payload: map[string]any{}}))

	split := l.ReadSplit(ctx, record.CollectionPredictions, 10)
	assert.Equal(t, []string{"p"}, ids(split.Primary))
	assert.Equal(t, []string{"s"}, ids(split.Shadow))

	assert.Equal(t, []string{"p"}, ids(l.Read(ctx, record.CollectionPredictions, 10)))
}

func TestReadMerged_OrdersByRecencyAndTruncates(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := func(s interface {
		Insert(context.Context, record.Envelope) error
	}, id string, offset time.Duration, seq int64) {
		require.NoError(t, s.Insert(ctx, record.Envelope{
			Collection: record.CollectionActivities, ID: id,
			CreatedAt: base.Add(offset), Seq: seq, Payload: map[string]any{},
		}))
	}

	seed(primary, "p-old", 0, 1)
	seed(primary, "p-new", 3*time.Minute, 2)
	seed(shadow, "s-mid", 2*time.Minute, 3)
	seed(shadow, "s-tie", 3*time.Minute, 4)
	seed(shadow, "s-oldest", -time.Minute, 5)

	merged := l.ReadMerged(ctx, record.CollectionActivities, 10)
	assert.Equal(t, []string{"p-new", "s-tie", "s-mid", "p-old", "s-oldest"}, ids(merged))

	top := l.ReadMerged(ctx, record.CollectionActivities, 3)
	assert.Equal(t, []string{"p-new", "s-tie", "s-mid"}, ids(top))
}

func TestRead_FailedStoreYieldsEmpty(t *testing.T) {
	pmr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(), redisTarget(pmr, endpoint.KindPrimary, 0))
	ctx := context.Background()

	l.Write(ctx, record.CollectionPredictions, newPrediction("P-009"))
	pmr.Close()

	assert.Empty(t, l.Read(ctx, record.CollectionPredictions, 10))
	assert.Empty(t, l.ReadMerged(ctx, record.CollectionPredictions, 10))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.Metrics().ReadsTotal.WithLabelValues(record.CollectionPredictions, "primary", "error")))
}

func TestSearch_PrimaryOnlyNewestFirst(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	insert := func(s interface {
		Insert(context.Context, record.Envelope) error
	}, id, patient, diagnosis string, offset time.Duration, seq int64) {
		require.NoError(t, s.Insert(ctx, record.Envelope{
			Collection: record.CollectionPredictions, ID: id,
			CreatedAt: base.Add(offset), Seq: seq,
			Payload: map[string]any{"patient_id": patient, "prediction": diagnosis},
		}))
	}

	insert(primary, "old", "P-001", "Ulcerative Colitis", 0, 1)
	insert(primary, "new", "P-002", "ulcerative colitis", time.Minute, 2)
	insert(primary, "other", "P-003", "Healthy", 2*time.Minute, 3)
	insert(shadow, "cloud", "P-004", "Ulcerative Colitis", 3*time.Minute, 4)

	assert.Equal(t, []string{"new", "old"}, ids(l.Search(ctx, record.CollectionPredictions, "COLITIS", 0)))
	assert.Equal(t, []string{"other"}, ids(l.Search(ctx, record.CollectionPredictions, "p-003", 0)))
	assert.Equal(t, []string{"new"}, ids(l.Search(ctx, record.CollectionPredictions, "colitis", 1)))

	assert.Empty(t, l.Search(ctx, record.CollectionPredictions, "", 0), "an empty query matches nothing")
	assert.Empty(t, l.Search(ctx, record.CollectionPredictions, "P-004", 0), "the shadow is not searched")
	assert.Empty(t, l.Search(ctx, record.CollectionGrid, "P-001", 0), "collections without search fields are not searched")

	assert.Equal(t, 4.0, testutil.ToFloat64(l.Metrics().ReadsTotal.WithLabelValues(record.CollectionPredictions, "primary", "ok")))
}

func TestSearch_DefaultLimit(t *testing.T) {
	pmr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(), redisTarget(pmr, endpoint.KindPrimary, 0))
	primary := directStore(t, pmr)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultSearchLimit+5; i++ {
		require.NoError(t, primary.Insert(ctx, record.Envelope{
			Collection: record.CollectionPredictions, ID: fmt.Sprintf("p%02d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second), Seq: int64(i + 1),
			Payload: map[string]any{"patient_id": fmt.Sprintf("P-%03d", i)},
		}))
	}

	found := l.Search(ctx, record.CollectionPredictions, "p-", 0)
	require.Len(t, found, DefaultSearchLimit)
	assert.Equal(t, fmt.Sprintf("p%02d", DefaultSearchLimit+4), found[0].ID)
}

func TestSearch_FailedStoreYieldsEmpty(t *testing.T) {
	pmr := miniredis.RunT(t)
	l := startLayer(t, newRecordingDialer(), redisTarget(pmr, endpoint.KindPrimary, 0))
	pmr.Close()

	assert.Empty(t, l.Search(context.Background(), record.CollectionPredictions, "P-001", 0))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.Metrics().ReadsTotal.WithLabelValues(record.CollectionPredictions, "primary", "error")))
}

func TestDelete_AcrossStores(t *testing.T) {
	l, primary, shadow := dualLayer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("replicated record counts both stores", func(t *testing.T) {
		id := l.Write(ctx, record.CollectionXAI, record.Envelope{Payload: map[string]any{"patient_id": "test_patient"}})
		require.NotEmpty(t, id)

		assert.Equal(t, DeleteResult{Success: true, Count: 2}, l.Delete(ctx, record.CollectionXAI, id))
		assert.Empty(t, l.ReadAll(ctx, record.CollectionXAI))
	})

	t.Run("shadow-only record", func(t *testing.T) {
		require.NoError(t, shadow.Insert(ctx, record.Envelope{
			Collection: record.CollectionXAI, ID: "only-shadow", CreatedAt: now, Seq: 1, Payload: map[string]any{},
		}))

		assert.Equal(t, DeleteResult{Success: true, Count: 1}, l.Delete(ctx, record.CollectionXAI, "only-shadow"))
	})

	t.Run("primary-only record", func(t *testing.T) {
		require.NoError(t, primary.Insert(ctx, record.Envelope{
			Collection: record.CollectionXAI, ID: "only-primary", CreatedAt: now, Seq: 2, Payload: map[string]any{},
		}))

		assert.Equal(t, DeleteResult{Success: true, Count: 1}, l.Delete(ctx, record.CollectionXAI, "only-primary"))
	})

	t.Run("absent record", func(t *testing.T) {
		assert.Equal(t, DeleteResult{}, l.Delete(ctx, record.CollectionXAI, "missing"))
	})

	t.Run("empty id", func(t *testing.T) {
		assert.Equal(t, DeleteResult{}, l.Delete(ctx, record.CollectionXAI, ""))
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(l.Metrics().DeletesTotal.WithLabelValues(record.CollectionXAI, "primary")))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.Metrics().DeletesTotal.WithLabelValues(record.CollectionXAI, "shadow")))
}

func TestLayer_ShadowAtPrimaryAddressIsNotDoubleCounted(t *testing.T) {
	mr := miniredis.RunT(t)
	primary := redisTarget(mr, endpoint.KindPrimary, 0)
	shadow := endpoint.Target{
		Kind:    endpoint.KindShadow,
		Address: "redis://localhost:" + mr.Port() + "/1",
		Source:  "MONGO_CLOUD_URL",
	}

	l := startLayer(t, newRecordingDialer(), primary, shadow)
	report := l.Status()
	require.Equal(t, StatusConnected, report.Primary)
	require.Equal(t, StatusUnavailable, report.Shadow, "a shadow on the primary's store is no backup")
	assert.Empty(t, report.ShadowAddress)
	assert.ErrorIs(t, l.shadow.Err(), errShadowIsPrimary)
	ctx := context.Background()

	id := l.Write(ctx, record.CollectionPredictions, newPrediction("P-002"))
	require.NotEmpty(t, id)

	assert.Len(t, l.ReadMerged(ctx, record.CollectionPredictions, 10), 1)
	assert.Empty(t, l.ReadSplit(ctx, record.CollectionPredictions, 10).Shadow)
	assert.Equal(t, DeleteResult{Success: true, Count: 1}, l.Delete(ctx, record.CollectionPredictions, id))
}

func TestReplication_Err(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		r    replication
		want error
	}{
		{"nothing attempted", replication{}, record.ErrConnectionUnavailable},
		{"both ok", replication{primaryAttempted: true, shadowAttempted: true}, nil},
		{"primary only ok", replication{primaryAttempted: true}, nil},
		{"primary failed alone", replication{primaryAttempted: true, primaryErr: boom}, boom},
		{"shadow failed", replication{primaryAttempted: true, shadowAttempted: true, shadowErr: boom}, record.ErrPartialReplication},
		{"primary failed", replication{primaryAttempted: true, shadowAttempted: true, primaryErr: boom}, record.ErrPartialReplication},
		{"both failed", replication{primaryAttempted: true, shadowAttempted: true, primaryErr: boom, shadowErr: fmt.Errorf("wrapped: %w", boom)}, boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.err()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
