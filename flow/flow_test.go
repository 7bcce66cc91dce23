package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/statestore"
)

func TestDefineAndRun(t *testing.T) {
	r := core.NewRegistry()
	f, err := Define(r, "upper", func(ctx context.Context, s string) (string, error) {
		return Run(ctx, "upper", func() (string, error) { return strings.ToUpper(s), nil })
	}, WithDescription("uppercases"))
	require.NoError(t, err)
	assert.Equal(t, "upper", f.Name())

	out, err := f.Run(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)

	a, ok := r.LookupAction("/flow/upper")
	require.True(t, ok)
	assert.Equal(t, "uppercases", a.Desc().Description)

	res, err := f.Action().RunJSON(context.Background(), json.RawMessage(`"x"`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"X"`, string(res.Result))

	_, err = Define(r, "upper", func(ctx context.Context, s string) (string, error) { return s, nil })
	assert.Equal(t, core.StatusAlreadyExists, core.StatusOf(err))
}

func TestRunOutsideFlow(t *testing.T) {
	_, err := Run(context.Background(), "x", func() (int, error) { return 1, nil })
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))
}

func TestStepNamesAreSuffixed(t *testing.T) {
	store := statestore.NewMemoryStore()
	f, err := Define(core.NewRegistry(), "loop", func(ctx context.Context, n int) (int, error) {
		sum := 0
		for i := 0; i < n; i++ {
			v, err := Run(ctx, "add", func() (int, error) { return i, nil })
			if err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	}, WithStateStore(store))
	require.NoError(t, err)

	out, err := f.Run(WithFlowID(context.Background(), "run-1"), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	st, err := f.State(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusDone, st.Status)
	assert.Len(t, st.Steps, 3)
	for _, k := range []string{"add", "add-1", "add-2"} {
		assert.Contains(t, st.Steps, k)
	}
	assert.JSONEq(t, `3`, string(st.Output))
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := statestore.NewMemoryStore()
	calls := map[string]int{}
	fail := true

	f, err := Define(core.NewRegistry(), "pipeline", func(ctx context.Context, in string) (string, error) {
		a, err := Run(ctx, "fetch", func() (string, error) {
			calls["fetch"]++
			return in + "-fetched", nil
		})
		if err != nil {
			return "", err
		}
		return Run(ctx, "process", func() (string, error) {
			calls["process"]++
			if fail {
				return "", errors.New("transient")
			}
			return a + "-processed", nil
		})
	}, WithStateStore(store))
	require.NoError(t, err)

	_, err = f.Run(WithFlowID(context.Background(), "p1"), "doc")
	require.Error(t, err)

	st, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "transient")

	fail = false
	out, err := f.Resume(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "doc-fetched-processed", out)
	assert.Equal(t, 1, calls["fetch"])
	assert.Equal(t, 2, calls["process"])

	again, err := f.Resume(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "doc-fetched-processed", again)
	assert.Equal(t, 2, calls["process"], "completed runs return the stored output")
}

func TestFlowIDFromActionContext(t *testing.T) {
	store := statestore.NewMemoryStore()
	var seen string
	f, err := Define(core.NewRegistry(), "ctxid", func(ctx context.Context, _ struct{}) (bool, error) {
		seen = FlowID(ctx)
		return true, nil
	}, WithStateStore(store))
	require.NoError(t, err)

	_, err = f.Action().RunJSON(context.Background(), nil, &core.RunOptions{
		Context: core.ActionContext{ActionContextFlowID: "from-ctx"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-ctx", seen)

	_, err = f.Run(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "from-ctx", seen)

	all, err := store.List(context.Background(), statestore.Filter{FlowName: "ctxid"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

type approval struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

func TestInterruptAndResumeWith(t *testing.T) {
	store := statestore.NewMemoryStore()
	charged := 0

	f, err := Define(core.NewRegistry(), "payment", func(ctx context.Context, amount int) (string, error) {
		if _, err := Run(ctx, "validate", func() (bool, error) { return amount > 0, nil }); err != nil {
			return "", err
		}
		a, err := Interrupt[approval](ctx, "approve", map[string]int{"amount": amount})
		if err != nil {
			return "", err
		}
		if !a.Approved {
			return "rejected", nil
		}
		return Run(ctx, "charge", func() (string, error) {
			charged++
			return "charged by " + a.By, nil
		})
	}, WithStateStore(store))
	require.NoError(t, err)

	_, err = f.Run(WithFlowID(context.Background(), "pay-1"), 10)
	var ie *InterruptedError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "approve", ie.Name)
	assert.JSONEq(t, `{"amount":10}`, string(ie.Payload))
	assert.Equal(t, core.StatusAborted, core.StatusOf(err))

	st, err := f.State(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusInterrupted, st.Status)
	require.NotNil(t, st.Interrupt)

	_, err = f.ResumeWith(context.Background(), "pay-1", "other", approval{})
	assert.Equal(t, core.StatusInvalidArgument, core.StatusOf(err))

	out, err := f.ResumeWith(context.Background(), "pay-1", "approve", approval{Approved: true, By: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "charged by ops", out)
	assert.Equal(t, 1, charged)

	_, err = f.ResumeWith(context.Background(), "pay-1", "approve", approval{})
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))
}

func TestInterruptRequiresStore(t *testing.T) {
	f, err := Define(core.NewRegistry(), "plain", func(ctx context.Context, _ int) (int, error) {
		return Interrupt[int](ctx, "x", nil)
	})
	require.NoError(t, err)
	_, err = f.Run(context.Background(), 1)
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))

	_, err = f.Resume(context.Background(), "any")
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))
}

func TestResumeUnknownAndForeignRuns(t *testing.T) {
	store := statestore.NewMemoryStore()
	r := core.NewRegistry()
	a, err := Define(r, "a", func(ctx context.Context, _ int) (int, error) { return 1, nil }, WithStateStore(store))
	require.NoError(t, err)
	b, err := Define(r, "b", func(ctx context.Context, _ int) (int, error) { return 2, nil }, WithStateStore(store))
	require.NoError(t, err)

	_, err = a.Resume(context.Background(), "nope")
	assert.Equal(t, core.StatusNotFound, core.StatusOf(err))

	_, err = a.Run(WithFlowID(context.Background(), "shared"), 0)
	require.NoError(t, err)
	_, err = b.Run(WithFlowID(context.Background(), "shared"), 0)
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))
}

func TestSleepReplaysRemainingTime(t *testing.T) {
	store := statestore.NewMemoryStore()
	fail := true
	f, err := Define(core.NewRegistry(), "sleeper", func(ctx context.Context, _ int) (string, error) {
		if err := Sleep(ctx, "wait", 30*time.Millisecond); err != nil {
			return "", err
		}
		if fail {
			return "", errors.New("boom")
		}
		return "woke", nil
	}, WithStateStore(store))
	require.NoError(t, err)

	start := time.Now()
	_, err = f.Run(WithFlowID(context.Background(), "s1"), 0)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	fail = false
	start = time.Now()
	out, err := f.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "woke", out)
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestStream(t *testing.T) {
	f, err := DefineStreaming(core.NewRegistry(), "count", func(ctx context.Context, n int, cb core.StreamCallback[int]) (int, error) {
		for i := 1; i <= n; i++ {
			if cb != nil {
				if err := cb(ctx, i); err != nil {
					return 0, err
				}
			}
		}
		return n, nil
	})
	require.NoError(t, err)

	var chunks []int
	var final int
	for v, err := range f.Stream(context.Background(), 3) {
		require.NoError(t, err)
		if v.Done {
			final = v.Output
			continue
		}
		chunks = append(chunks, v.Stream)
	}
	assert.Equal(t, []int{1, 2, 3}, chunks)
	assert.Equal(t, 3, final)

	seen := 0
	for range f.Stream(context.Background(), 10) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestBidi(t *testing.T) {
	f, err := DefineBidi(core.NewRegistry(), "echo", func(ctx context.Context, prefix string, inputs <-chan string, cb core.StreamCallback[string]) (int, error) {
		n := 0
		for in := range inputs {
			n++
			if cb != nil {
				if err := cb(ctx, prefix+in); err != nil {
					return 0, err
				}
			}
		}
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, f.Action().Desc().Metadata["bidi"])

	in := make(chan json.RawMessage, 3)
	in <- json.RawMessage(`"a"`)
	in <- json.RawMessage(`42`)
	in <- json.RawMessage(`"b"`)
	close(in)

	var chunks []string
	res, err := f.Action().RunJSON(context.Background(), json.RawMessage(`">"`), &core.RunOptions{
		InputStream: in,
		OnChunk: func(_ context.Context, c json.RawMessage) error {
			chunks = append(chunks, string(c))
			return nil
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(res.Result))
	assert.Equal(t, []string{`">a"`, `">b"`}, chunks)
}
