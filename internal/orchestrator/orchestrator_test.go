package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog/memory"
)

func ok(context.Context, *Transaction) error { return nil }

func fails(msg string) HandlerFunc {
	return func(context.Context, *Transaction) error { return errors.New(msg) }
}

type eventStatus struct {
	Event  txlog.Event
	Status txlog.Status
}

func events(t *testing.T, repo *memory.Repository, id string) []eventStatus {
	t.Helper()
	entries, err := repo.ListEntries(context.Background(), id)
	require.NoError(t, err)
	out := make([]eventStatus, len(entries))
	for i, e := range entries {
		out[i] = eventStatus{e.Event, e.Status}
	}
	return out
}

func TestExecute_AllStepsSucceed_Commits(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{Name: "debit", Handler: ok},
		{Name: "credit", Handler: ok},
	}})
	require.NoError(t, err)
	require.NotNil(t, tx)

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusCommitted, rec.Status)
	assert.Equal(t, []string{"debit", "credit"}, rec.Steps)
	assert.Empty(t, rec.ErrorMessage)

	assert.Equal(t, []eventStatus{
		{txlog.EventBegin, txlog.StatusPending},
		{txlog.EventProcess, txlog.StatusProcessing},
		{txlog.EventCommit, txlog.StatusCommitted},
	}, events(t, repo, tx.ID))
}

func TestExecute_StepFailure_Aborts(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	ran := false
	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{Name: "debit", Handler: ok},
		{Name: "credit", Handler: fails("insufficient funds")},
		{Name: "notify", Handler: func(context.Context, *Transaction) error {
			ran = true
			return nil
		}},
	}})
	require.Error(t, err)
	assert.Equal(t, "insufficient funds", err.Error())
	assert.False(t, ran, "steps after the failing one must not run")
	require.NotNil(t, tx)

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusAborted, rec.Status)
	assert.Equal(t, "insufficient funds", rec.ErrorMessage)

	assert.Equal(t, []eventStatus{
		{txlog.EventBegin, txlog.StatusPending},
		{txlog.EventProcess, txlog.StatusProcessing},
		{txlog.EventAbort, txlog.StatusAborted},
	}, events(t, repo, tx.ID))

	entries, err := o.Logs(ctx, tx.ID)
	require.NoError(t, err)
	abort := entries[2]
	require.NotNil(t, abort.Error)
	assert.Equal(t, "insufficient funds", abort.Error.Message)
	assert.Equal(t, "credit", abort.Data.GetFields()["step"].GetStringValue())
}

func TestExecute_AbortEntryCarriesMetadata(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{Name: "charge", Handler: func(_ context.Context, tx *Transaction) error {
			return tx.Metadata.Set("charged", 500)
		}},
		{Name: "persist", Handler: fails("store unavailable")},
	}})
	require.Error(t, err)

	entries, err := o.Logs(ctx, tx.ID)
	require.NoError(t, err)
	abort := entries[len(entries)-1]
	require.Equal(t, txlog.EventAbort, abort.Event)
	md := abort.Data.GetFields()["metadata"].GetStructValue()
	require.NotNil(t, md)
	assert.Equal(t, float64(500), md.GetFields()["charged"].GetNumberValue())
}

func TestExecute_CallerCancellationDoesNotReachHooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := New(memory.New())

	var hookCtxErr error
	_, err := o.Execute(ctx, Config{Steps: []Step{
		{
			Name: "charge",
			Handler: func(ctx context.Context, _ *Transaction) error {
				cancel()
				return ctx.Err()
			},
			OnError: func(ctx context.Context, _ *Transaction, _ error) error {
				hookCtxErr = ctx.Err()
				return nil
			},
		},
	}})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, hookCtxErr)
}

func TestExecute_SurfacesTheStepErrorValue(t *testing.T) {
	stepErr := errors.New("declined")
	o := New(memory.New())

	_, err := o.Execute(context.Background(), Config{Steps: []Step{
		{Name: "authorize", Handler: func(context.Context, *Transaction) error { return stepErr }},
	}})
	assert.Same(t, stepErr, err)
}

func TestExecute_BeginFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	storeErr := errors.New("insert failed")
	repo.CreateErr = storeErr
	o := New(repo, WithIDGenerator(func() string { return "tx-1" }))

	handlerRan := false
	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{Name: "debit", Handler: func(context.Context, *Transaction) error {
			handlerRan = true
			return nil
		}},
	}})
	assert.Same(t, storeErr, err)
	assert.Nil(t, tx)
	assert.False(t, handlerRan)

	assert.Equal(t, []eventStatus{
		{txlog.EventFailure, txlog.StatusFailed},
	}, events(t, repo, "tx-1"))

	_, err = o.Transaction(ctx, "tx-1")
	assert.ErrorIs(t, err, txlog.ErrNotFound)
}

func TestExecute_MetadataPropagates(t *testing.T) {
	o := New(memory.New())

	var observed string
	tx, err := o.Execute(context.Background(), Config{Steps: []Step{
		{Name: "pay", Handler: func(_ context.Context, tx *Transaction) error {
			return tx.Metadata.Set("paymentResult", map[string]any{"id": "pr_1"})
		}},
		{Name: "untouched", Handler: ok},
		{Name: "read", Handler: func(_ context.Context, tx *Transaction) error {
			observed = tx.Metadata.Struct("paymentResult").GetFields()["id"].GetStringValue()
			return nil
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "pr_1", observed)
	assert.Equal(t, "pr_1", tx.Metadata.Struct("paymentResult").GetFields()["id"].GetStringValue())
}

func TestExecute_MetadataVisibleAfterFailure(t *testing.T) {
	o := New(memory.New())

	tx, err := o.Execute(context.Background(), Config{Steps: []Step{
		{Name: "reserve", Handler: func(_ context.Context, tx *Transaction) error {
			return tx.Metadata.Set("reservation", "res_9")
		}},
		{Name: "charge", Handler: fails("card expired")},
	}})
	require.Error(t, err)
	assert.Equal(t, "res_9", tx.Metadata.String("reservation"))
}

func TestExecute_SeedValues(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	seed, err := NewMetadata(map[string]any{"amount": 1250, "currency": "eur"})
	require.NoError(t, err)
	id, corr, user := faker.UUIDHyphenated(), faker.UUIDHyphenated(), faker.Username()

	tx, err := o.Execute(ctx, Config{
		TransactionID: id,
		CorrelationID: corr,
		UserID:        user,
		Metadata:      seed,
		Steps: []Step{{Name: "mutate", Handler: func(_ context.Context, tx *Transaction) error {
			return tx.Metadata.Set("currency", "usd")
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, id, tx.ID)
	assert.Equal(t, corr, tx.CorrelationID)
	assert.Equal(t, user, tx.UserID)
	assert.Equal(t, "eur", seed.String("currency"), "the seed map is not mutated")

	rec, err := o.Transaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, corr, rec.CorrelationID)
	assert.Equal(t, user, rec.UserID)
	assert.Equal(t, float64(1250), rec.Metadata.GetFields()["amount"].GetNumberValue())

	entries, err := o.Logs(ctx, id)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, corr, e.CorrelationID)
		assert.Equal(t, user, e.UserID)
	}
}

func TestExecute_GeneratesIDs(t *testing.T) {
	n := 0
	o := New(memory.New(), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))

	tx, err := o.Execute(context.Background(), Config{Steps: []Step{{Name: "noop", Handler: ok}}})
	require.NoError(t, err)
	assert.Equal(t, "id-1", tx.ID)
	assert.Equal(t, "id-2", tx.CorrelationID)
}

func TestExecute_DefaultIDsAreUnique(t *testing.T) {
	o := New(memory.New())
	a, err := o.Execute(context.Background(), Config{})
	require.NoError(t, err)
	b, err := o.Execute(context.Background(), Config{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, a.CorrelationID)
}

func TestExecute_StepsRunSequentially(t *testing.T) {
	var trace []string
	step := func(name string) Step {
		return Step{
			Name: name,
			Handler: func(context.Context, *Transaction) error {
				trace = append(trace, name+":handler")
				return nil
			},
			OnSuccess: func(context.Context, *Transaction) error {
				trace = append(trace, name+":success")
				return nil
			},
		}
	}

	o := New(memory.New())
	_, err := o.Execute(context.Background(), Config{Steps: []Step{step("s1"), step("s2"), step("s3")}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"s1:handler", "s1:success",
		"s2:handler", "s2:success",
		"s3:handler", "s3:success",
	}, trace)
}

func TestExecute_RecordIsProcessingWhileStepsRun(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	var during txlog.Status
	_, err := o.Execute(ctx, Config{Steps: []Step{{Name: "peek", Handler: func(ctx context.Context, tx *Transaction) error {
		rec, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		during = rec.Status
		return nil
	}}}})
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusProcessing, during)
}

func TestExecute_OnErrorRunsBeforeAbort(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	stepErr := errors.New("provider unavailable")
	var hookSaw error
	var statusInHook txlog.Status
	successRan := false

	_, err := o.Execute(ctx, Config{Steps: []Step{{
		Name:    "authorize-payment",
		Handler: func(context.Context, *Transaction) error { return stepErr },
		OnSuccess: func(context.Context, *Transaction) error {
			successRan = true
			return nil
		},
		OnError: func(ctx context.Context, tx *Transaction, err error) error {
			hookSaw = err
			rec, getErr := repo.GetTransaction(ctx, tx.ID)
			if getErr != nil {
				return getErr
			}
			statusInHook = rec.Status
			return nil
		},
	}}})
	assert.Same(t, stepErr, err)
	assert.Same(t, stepErr, hookSaw)
	assert.Equal(t, txlog.StatusProcessing, statusInHook)
	assert.False(t, successRan)
}

func TestExecute_OnSuccessFailureAbortsLikeAHandlerFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	hookCalled := false
	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{
			Name:      "capture",
			Handler:   ok,
			OnSuccess: fails("notify failed"),
			OnError: func(context.Context, *Transaction, error) error {
				hookCalled = true
				return nil
			},
		},
		{Name: "never", Handler: fails("must not run")},
	}})
	require.EqualError(t, err, "notify failed")
	assert.True(t, hookCalled)

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusAborted, rec.Status)
	assert.Equal(t, "notify failed", rec.ErrorMessage)
}

func TestExecute_OnErrorFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	stepErr := errors.New("insufficient funds")
	hookErr := errors.New("hook failed")

	tx, err := o.Execute(ctx, Config{Steps: []Step{
		{Name: "debit", Handler: ok},
		{
			Name:    "credit",
			Handler: func(context.Context, *Transaction) error { return stepErr },
			OnError: func(context.Context, *Transaction, error) error { return hookErr },
		},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, stepErr)
	assert.ErrorIs(t, err, hookErr)

	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "credit", he.Step)
	assert.Contains(t, err.Error(), "insufficient funds")

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusAborted, rec.Status)
	assert.Equal(t, "insufficient funds", rec.ErrorMessage, "abort records the step error, not the hook error")

	assert.Equal(t, []eventStatus{
		{txlog.EventBegin, txlog.StatusPending},
		{txlog.EventProcess, txlog.StatusProcessing},
		{txlog.EventAbort, txlog.StatusAborted},
	}, events(t, repo, tx.ID))
}

func TestExecute_PanickingStepAborts(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Execute(ctx, Config{Steps: []Step{{
		Name:    "explode",
		Handler: func(context.Context, *Transaction) error { panic("boom") },
	}}})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "explode", pe.Step)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	entries, err := o.Logs(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[2].Error)
	assert.NotEmpty(t, entries[2].Error.Stack)
}

func TestExecute_StepWithoutHandlerFails(t *testing.T) {
	o := New(memory.New())
	_, err := o.Execute(context.Background(), Config{Steps: []Step{{Name: "empty"}}})
	assert.ErrorContains(t, err, `step "empty" has no handler`)
}

func TestExecute_EmptyConfigCommits(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Execute(ctx, Config{})
	require.NoError(t, err)
	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusCommitted, rec.Status)
	assert.Empty(t, rec.Steps)
}

func TestExecute_LogWriteFailuresAreNotFatal(t *testing.T) {
	for _, failing := range []txlog.Event{txlog.EventBegin, txlog.EventProcess, txlog.EventCommit} {
		t.Run(string(failing), func(t *testing.T) {
			ctx := context.Background()
			repo := memory.New()
			repo.AppendErr = func(e *txlog.Entry) error {
				if e.Event == failing {
					return errors.New("log table unavailable")
				}
				return nil
			}
			o := New(repo)

			tx, err := o.Execute(ctx, Config{Steps: []Step{
				{Name: "s1", Handler: ok},
				{Name: "s2", Handler: ok},
				{Name: "s3", Handler: ok},
			}})
			require.NoError(t, err)

			rec, err := o.Transaction(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, txlog.StatusCommitted, rec.Status)
		})
	}

	t.Run("abort", func(t *testing.T) {
		ctx := context.Background()
		repo := memory.New()
		repo.AppendErr = func(*txlog.Entry) error { return errors.New("log table unavailable") }
		o := New(repo)

		stepErr := errors.New("declined")
		tx, err := o.Execute(ctx, Config{Steps: []Step{
			{Name: "s1", Handler: func(context.Context, *Transaction) error { return stepErr }},
		}})
		assert.Same(t, stepErr, err)

		rec, err := o.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, txlog.StatusAborted, rec.Status)
	})
}

func TestExecute_StatusUpdateFailuresAreNotFatal(t *testing.T) {
	repo := memory.New()
	repo.UpdateErr = errors.New("update failed")
	o := New(repo)

	tx, err := o.Execute(context.Background(), Config{Steps: []Step{{Name: "s1", Handler: ok}}})
	require.NoError(t, err)
	assert.Equal(t, []eventStatus{
		{txlog.EventBegin, txlog.StatusPending},
		{txlog.EventProcess, txlog.StatusProcessing},
		{txlog.EventCommit, txlog.StatusCommitted},
	}, events(t, repo, tx.ID))
}

func TestExecute_AuditTrailIsAValidPath(t *testing.T) {
	failingHook := func(context.Context, *Transaction, error) error { return errors.New("y") }
	configs := map[string]Config{
		"commit":      {Steps: []Step{{Name: "a", Handler: ok}, {Name: "b", Handler: ok}}},
		"abort":       {Steps: []Step{{Name: "a", Handler: ok}, {Name: "b", Handler: fails("x")}}},
		"abort-first": {Steps: []Step{{Name: "a", Handler: fails("x"), OnError: failingHook}}},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			repo := memory.New()
			o := New(repo)
			tx, _ := o.Execute(context.Background(), cfg)
			require.NotNil(t, tx)

			got := events(t, repo, tx.ID)
			require.Len(t, got, 3)
			assert.Equal(t, txlog.EventBegin, got[0].Event)
			assert.Equal(t, txlog.EventProcess, got[1].Event)
			assert.Contains(t, []txlog.Event{txlog.EventCommit, txlog.EventAbort}, got[2].Event)
		})
	}
}

func TestBegin_LogsStepsAndLeavesRecordPending(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Begin(ctx, Config{Steps: []Step{{Name: "a", Handler: ok}, {Name: "b", Handler: ok}}})
	require.NoError(t, err)

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusPending, rec.Status)

	entries, err := o.Logs(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	steps := entries[0].Data.GetFields()["steps"].GetListValue().AsSlice()
	assert.Equal(t, []any{"a", "b"}, steps)
}

func TestAbort_External(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	o := New(repo)

	tx, err := o.Begin(ctx, Config{})
	require.NoError(t, err)
	o.Abort(ctx, tx, errors.New("operator cancelled"))

	rec, err := o.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txlog.StatusAborted, rec.Status)
	assert.Equal(t, "operator cancelled", rec.ErrorMessage)
}

func TestMetadata(t *testing.T) {
	md, err := NewMetadata(map[string]any{"n": 1, "s": "x", "b": true, "l": []any{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "x", md.String("s"))
	assert.Equal(t, "", md.String("n"))
	assert.True(t, md["b"].GetBoolValue())

	require.NoError(t, md.Set("raw", structpb.NewNumberValue(2)))
	require.NoError(t, md.Set("obj", &structpb.Struct{Fields: map[string]*structpb.Value{"k": structpb.NewStringValue("v")}}))
	assert.Equal(t, "v", md.Struct("obj").GetFields()["k"].GetStringValue())

	assert.Error(t, md.Set("bad", make(chan int)))
	_, err = NewMetadata(map[string]any{"bad": struct{}{}})
	assert.Error(t, err)

	clone := md.Clone()
	require.NoError(t, clone.Set("s", "y"))
	assert.Equal(t, "x", md.String("s"))

	snap := md.Snapshot()
	assert.Len(t, snap.GetFields(), len(md))

	var nilMD Metadata
	assert.NotNil(t, nilMD.Clone())
	_, found := nilMD.Get("anything")
	assert.False(t, found)
}
