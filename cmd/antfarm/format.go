package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/vardaSoft/antfarm/internal/events"
)

type eventsLine string

// toLines renders journal records one per line for the events subcommand.
func toLines(evs []events.Event) []eventsLine {
	out := make([]eventsLine, 0, len(evs))
	for _, ev := range evs {
		var b strings.Builder
		fmt.Fprintf(&b, "%s  %-18s run=%s", ev.TS.Format(time.RFC3339), ev.Event, short(ev.RunID))
		if ev.StepID != "" {
			fmt.Fprintf(&b, " step=%s", ev.StepID)
		}
		if ev.StoryID != "" {
			fmt.Fprintf(&b, " story=%s", ev.StoryID)
		}
		if ev.SessionID != "" {
			fmt.Fprintf(&b, " session=%s", short(ev.SessionID))
		}
		if ev.Detail != "" {
			fmt.Fprintf(&b, "  %s", ev.Detail)
		}
		out = append(out, eventsLine(b.String()))
	}
	return out
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
