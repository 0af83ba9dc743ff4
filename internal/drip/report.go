package drip

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/ignite/lead-drip/internal/sequence"
)

// StatusReport summarises local progress for the status action.
type StatusReport struct {
	Tracked     int
	Complete    int
	NotStarted  int
	ByStage     map[int]int
	BySegment   map[string]int
	Terminal    map[TerminalReason]int
	TotalSent   int
	Runs        int
	LastRun     *RunRecord
	Untracked   []string
	AudienceErr error
}

// Status reports progress without taking the run lock or changing anything.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	state, err := o.deps.Progress.Load(ctx)
	if err != nil {
		return nil, structural("load_state", err)
	}

	r := &StatusReport{
		Tracked:   len(state.Contacts),
		ByStage:   make(map[int]int),
		BySegment: make(map[string]int),
		Terminal:  make(map[TerminalReason]int),
		TotalSent: state.TotalSent,
		Runs:      len(state.Runs),
	}
	if n := len(state.Runs); n > 0 {
		last := state.Runs[n-1]
		r.LastRun = &last
	}

	for _, rec := range state.Contacts {
		seg, stages := o.deps.Resolver.Resolve(rec.Segment)
		r.BySegment[string(seg)]++
		switch {
		case rec.Terminal != "":
			r.Terminal[rec.Terminal]++
		case rec.LastStage >= len(stages):
			r.Complete++
		case rec.LastStage == 0:
			r.NotStarted++
		default:
			r.ByStage[rec.LastStage]++
		}
	}

	audience, err := o.deps.Provider.ListAudience(ctx)
	if err != nil {
		r.AudienceErr = err
		return r, nil
	}
	for _, m := range audience {
		email := NormalizeEmail(m.Email)
		if _, ok := state.Contacts[email]; !ok && !m.Unsubscribed {
			r.Untracked = append(r.Untracked, email)
		}
	}
	sort.Strings(r.Untracked)
	return r, nil
}

// Print writes the report in human-readable form.
func (r *StatusReport) Print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Tracked contacts\t%d\n", r.Tracked)
	fmt.Fprintf(tw, "Not started\t%d\n", r.NotStarted)

	stages := make([]int, 0, len(r.ByStage))
	for s := range r.ByStage {
		stages = append(stages, s)
	}
	sort.Ints(stages)
	for _, s := range stages {
		fmt.Fprintf(tw, "Completed stage %d\t%d\n", s, r.ByStage[s])
	}
	fmt.Fprintf(tw, "Complete\t%d\n", r.Complete)

	for _, reason := range []TerminalReason{TerminalUnsubscribed, TerminalBounced, TerminalComplained, TerminalInvalid} {
		if n := r.Terminal[reason]; n > 0 {
			fmt.Fprintf(tw, "Stopped (%s)\t%d\n", reason, n)
		}
	}
	for _, seg := range sequence.AllSegments {
		if n := r.BySegment[string(seg)]; n > 0 {
			fmt.Fprintf(tw, "Segment %s\t%d\n", seg, n)
		}
	}

	fmt.Fprintf(tw, "Lifetime sends\t%d\n", r.TotalSent)
	fmt.Fprintf(tw, "Runs\t%d\n", r.Runs)
	if r.LastRun != nil {
		fmt.Fprintf(tw, "Last run\t%s (%s) sent=%d failed=%d skipped=%d\n",
			r.LastRun.StartedAt.Format("2006-01-02 15:04 MST"), r.LastRun.Action,
			r.LastRun.Sent, r.LastRun.Failed, r.LastRun.Skipped)
	}
	if r.AudienceErr != nil {
		fmt.Fprintf(tw, "Untracked audience\tunavailable: %v\n", r.AudienceErr)
	} else {
		fmt.Fprintf(tw, "Untracked audience\t%d\n", len(r.Untracked))
	}
	tw.Flush()
}

// PreviewStage is one rendered stage.
type PreviewStage struct {
	Index     int
	Key       string
	DelayDays int
	Subject   string
	HTML      string
}

// Preview renders every stage of segment for a sample recipient.
func (o *Orchestrator) Preview(segment string, rcpt sequence.Recipient) (sequence.Segment, []PreviewStage, error) {
	seg, stages := o.deps.Resolver.Resolve(segment)
	rcpt.Segment = seg

	out := make([]PreviewStage, 0, len(stages))
	for _, st := range stages {
		r, err := st.Render(rcpt)
		if err != nil {
			return seg, nil, err
		}
		out = append(out, PreviewStage{
			Index:     st.Index,
			Key:       st.Key,
			DelayDays: st.DelayDays,
			Subject:   r.Subject,
			HTML:      r.HTML,
		})
	}
	return seg, out, nil
}
