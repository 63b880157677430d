package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chazu/verdict/scan"
	"github.com/chazu/verdict/store"
)

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiDim   = "\x1b[2m"
)

// printer writes reports in "rule file" lines.
type printer struct {
	out     io.Writer
	color   bool
	strings bool
	tags    bool
	negate  bool
}

func (p *printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + ansiReset
}

func (p *printer) report(r *scan.Report) {
	if !r.OK() {
		fmt.Fprintf(p.out, "%s %s: %s\n", p.paint(ansiRed, "error"), r.Source, r.Error)
		return
	}

	for _, rr := range r.Rules {
		if rr.Private || rr.Matched == p.negate {
			continue
		}
		name := rr.Identifier
		if rr.Namespace != "" && rr.Namespace != "default" {
			name = rr.Namespace + ":" + name
		}
		line := p.paint(ansiGreen+ansiBold, name)
		if p.tags && len(rr.Tags) > 0 {
			line += " [" + strings.Join(rr.Tags, ",") + "]"
		}
		fmt.Fprintf(p.out, "%s %s\n", line, r.Source)

		if p.strings && !p.negate {
			p.patterns(r, rr.Identifier)
		}
	}
}

func (p *printer) patterns(r *scan.Report, rule string) {
	for _, pm := range r.Patterns {
		if pm.Rule != rule {
			continue
		}
		for _, m := range pm.Matches {
			fmt.Fprintf(p.out, "0x%x:%s %s\n", m.Offset, pm.Identifier,
				p.paint(ansiDim, fmt.Sprintf("(%d bytes)", m.Length)))
		}
	}
}

func printHistory(ctx context.Context, out io.Writer, db *store.Store, limit int) error {
	scans, err := db.List(ctx, limit)
	if err != nil {
		return err
	}
	for _, s := range scans {
		fmt.Fprintf(out, "%s  %s  %-7s  %3d  %s\n",
			s.ID, s.Started.Format(time.RFC3339), s.Status, s.Matching, s.Source)
	}
	return nil
}
