// Package flow defines flows: named, observable functions registered as
// /flow/<name> actions.
//
// Inside a flow, Run wraps units of work as steps. With a state store
// configured a flow becomes durable: step outputs are memoized in a
// statestore.FlowState so a resumed run replays completed steps instead of
// executing them again. Interrupt pauses a durable flow until a value is
// supplied through ResumeWith, and Sleep is a timer that survives restarts.
//
//	summarize := flow.Define(reg, "summarize",
//	    func(ctx context.Context, url string) (string, error) {
//	        page, err := flow.Run(ctx, "fetch", func() (string, error) {
//	            return fetch(url)
//	        })
//	        if err != nil {
//	            return "", err
//	        }
//	        return ai.GenerateText(ctx, reg, ai.WithPrompt("Summarize: "+page))
//	    },
//	    flow.WithStateStore(store),
//	)
package flow
