package ai

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/tool"
)

// toolOutcome is the result of one tool request.
type toolOutcome struct {
	response  core.ToolResponse
	interrupt *tool.InterruptError
}

// toolExecutor runs the tool requests of one model turn, possibly in
// parallel. Every request yields exactly one outcome, in request order.
// Panics are recovered and reported as error responses.
type toolExecutor struct {
	tools       map[string]tool.Tool
	maxParallel int
	hooks       *engine.HookManager
	logger      logging.Logger
}

func (e *toolExecutor) execute(ctx context.Context, reqs []core.ToolRequest) []toolOutcome {
	n := len(reqs)
	out := make([]toolOutcome, n)
	if n == 0 {
		return out
	}
	if n == 1 {
		out[0] = e.executeOne(ctx, reqs[0])
		return out
	}

	maxPar := e.maxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range reqs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, req core.ToolRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			out[idx] = e.executeOne(ctx, req)
		}(i, reqs[i])
	}
	wg.Wait()

	e.logger.Debug("tool.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
	return out
}

func (e *toolExecutor) executeOne(ctx context.Context, req core.ToolRequest) toolOutcome {
	resp := core.ToolResponse{Ref: req.Ref, Name: req.Name}

	if err := ctx.Err(); err != nil {
		resp.Error = err.Error()
		return toolOutcome{response: resp}
	}

	impl, ok := e.tools[req.Name]
	if !ok {
		resp.Error = fmt.Sprintf("tool %s not found", req.Name)
		return toolOutcome{response: resp}
	}

	args := req.Input
	if args == nil {
		args = map[string]any{}
	}

	if err := e.hooks.Execute(ctx, &engine.HookContext{Type: engine.HookBeforeTool, Name: req.Name, Input: args}); err != nil {
		resp.Error = err.Error()
		return toolOutcome{response: resp}
	}

	ctx, span := core.StartSpan(ctx, core.SpanMeta{Name: req.Name, Type: core.SpanTypeAction, Subtype: string(core.ActionTypeTool)})
	core.SetSpanInput(span, args)

	start := time.Now()
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &panicErr{val: r, stack: debug.Stack()}
				e.logger.Error("tool.call.panic", "tool", req.Name, "recover", r)
			}
		}()
		result, err = impl.Call(tool.NewToolContext(ctx, req, e.logger), args)
	}()
	core.EndSpan(span, result, err)
	logging.ToolCall(e.logger, req.Name, time.Since(start), err)

	_ = e.hooks.Execute(ctx, &engine.HookContext{Type: engine.HookAfterTool, Name: req.Name, Input: args, Output: result, Err: err})

	if ie, ok := tool.AsInterrupt(err); ok {
		return toolOutcome{response: resp, interrupt: ie}
	}
	if err != nil {
		resp.Error = err.Error()
		return toolOutcome{response: resp}
	}
	resp.Output = result
	return toolOutcome{response: resp}
}

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
