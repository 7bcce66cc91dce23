package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/reflection"
	"github.com/hupe1980/flowkit/tracing"
)

// printer writes human readable output, coloured only on a terminal.
type printer struct {
	w io.Writer

	key   *color.Color
	dim   *color.Color
	ok    *color.Color
	fail  *color.Color
	label *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:     w,
		key:   color.New(color.FgCyan, color.Bold),
		dim:   color.New(color.Faint),
		ok:    color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
		label: color.New(color.FgYellow),
	}
	if noColor || !isTerminal(w) {
		for _, c := range []*color.Color{p.key, p.dim, p.ok, p.fail, p.label} {
			c.DisableColor()
		}
	} else {
		for _, c := range []*color.Color{p.key, p.dim, p.ok, p.fail, p.label} {
			c.EnableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) actions(actions map[string]core.ActionDesc) {
	keys := make([]string, 0, len(actions))
	for k := range actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := actions[k]
		line := p.key.Sprint(k)
		if a.Description != "" {
			line += "  " + p.dim.Sprint(a.Description)
		}
		fmt.Fprintln(p.w, line)
	}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) chunk(raw json.RawMessage) {
	fmt.Fprintln(p.w, p.dim.Sprint(string(raw)))
}

func (p *printer) result(res *reflection.RunActionResponse) error {
	var v any
	if err := json.Unmarshal(res.Result, &v); err != nil {
		v = string(res.Result)
	}
	if err := p.json(v); err != nil {
		return err
	}
	fmt.Fprintln(p.w, p.label.Sprint("trace:"), res.Telemetry.TraceID)
	return nil
}

func (p *printer) status(s string) string {
	if s == "error" {
		return p.fail.Sprint(s)
	}
	return p.ok.Sprint(s)
}

func (p *printer) traces(res *tracing.ListResult) {
	for _, t := range res.Traces {
		fmt.Fprintf(p.w, "%s  %-6s %8s  %s\n",
			p.key.Sprint(t.TraceID),
			p.status(t.Status()),
			formatMillis(t.DurationMs()),
			t.DisplayName,
		)
	}
	if res.ContinuationToken != "" {
		fmt.Fprintln(p.w, p.dim.Sprint("more: -token "+res.ContinuationToken))
	}
}

// trace renders the spans of t as a tree ordered by start time.
func (p *printer) trace(t *tracing.TraceData) {
	children := map[string][]*tracing.SpanData{}
	var roots []*tracing.SpanData
	for _, s := range t.Spans {
		if s.ParentSpanID == "" || t.Spans[s.ParentSpanID] == nil {
			roots = append(roots, s)
			continue
		}
		children[s.ParentSpanID] = append(children[s.ParentSpanID], s)
	}
	byStart := func(ss []*tracing.SpanData) {
		sort.Slice(ss, func(i, j int) bool {
			if ss[i].StartTime == ss[j].StartTime {
				return ss[i].SpanID < ss[j].SpanID
			}
			return ss[i].StartTime < ss[j].StartTime
		})
	}
	byStart(roots)
	for _, c := range children {
		byStart(c)
	}

	fmt.Fprintf(p.w, "%s %s %s\n", p.label.Sprint("trace"), p.key.Sprint(t.TraceID), p.status(t.Status()))
	var walk func(s *tracing.SpanData, depth int)
	walk = func(s *tracing.SpanData, depth int) {
		line := fmt.Sprintf("%s%s  %s", strings.Repeat("  ", depth+1), s.DisplayName, p.dim.Sprint(formatMillis(s.EndTime-s.StartTime)))
		if typ, ok := s.Attributes[core.AttrType]; ok {
			line += "  " + p.dim.Sprintf("[%v]", typ)
		}
		if s.Status.Code == tracing.StatusCodeError {
			line += "  " + p.fail.Sprint(s.Status.Message)
		}
		fmt.Fprintln(p.w, line)
		for _, c := range children[s.SpanID] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}

func formatMillis(ms float64) string {
	return (time.Duration(ms * float64(time.Millisecond))).Round(time.Microsecond).String()
}
