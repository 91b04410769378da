package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/ryandielhenn/relaymesh/internal/config"
	"github.com/ryandielhenn/relaymesh/pkg/failover"
	"github.com/ryandielhenn/relaymesh/pkg/topology"
)

func printReport(out io.Writer, cfg config.Config, byzStart int64, rep failover.Report, mesh *topology.Mesh) {
	fmt.Fprintf(out, "\nrelaymesh run: %d requests, failover at %d, %s byzantine from %d (%s)\n",
		rep.Total, cfg.FailoverAt, cfg.ByzantineID, byzStart, cfg.ByzantineMode)
	fmt.Fprintf(out, "elapsed %s (%.1f req/s)  p50 %s  p95 %s  p99 %s  max %s\n",
		rep.Elapsed.Round(time.Millisecond), rep.Throughput(), rep.P50, rep.P95, rep.P99, rep.Max)
	fmt.Fprintf(out, "regions %v  status %v  errors %d  injected: spoofed %d garbage %d oversized %d\n\n",
		rep.ByRegion, rep.Status, rep.Errors, rep.Spoofed, rep.Garbage, rep.Oversized)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRONT\tACCEPTED\tOVERSIZED\tUNROUTED\tDROPPED")
	regions := make([]string, 0, len(mesh.Fronts))
	for r := range mesh.Fronts {
		regions = append(regions, r)
	}
	slices.Sort(regions)
	for _, r := range regions {
		s := mesh.Fronts[r].Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r, s.Accepted, s.Oversized, s.Unrouted, s.Dropped)
	}
	fmt.Fprintln(tw, "\nHUB\tRECEIVED\tFORWARDED\tRELAYED\tUNROUTED\tMALFORMED\tTAMPERED\tOUTCOMES")
	for _, h := range mesh.Hubs {
		s := h.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", h.ID(), s.Received, s.Forwarded, s.Relayed, s.Unrouted, s.Malformed, s.Tampered, s.Outcomes)
	}
	fmt.Fprintln(tw, "\nPROVIDER\tSEEN\tINITIATED\tREPORTED\tINVERTED\tBIND_FAIL\tOFFLINE")
	for _, p := range mesh.Providers {
		s := p.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", p.ID(), s.Seen, s.Initiated, s.Reported, s.Inverted, s.BindingFailures, s.Offline)
	}
	if len(mesh.Relays) > 0 {
		fmt.Fprintln(tw, "\nRELAY\tBUFFERED\tPENDING\tDROPPED")
		for i, r := range mesh.Relays {
			s := r.Stats()
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", i, s.Buffered, s.Pending, s.Dropped)
		}
	}
	_ = tw.Flush()

	a := mesh.Auditor.Snapshot()
	fmt.Fprintf(out, "\nauditor (non-authoritative): success %d  fail %d  open %d  expired %d\n", a.Success, a.Fail, a.Open, a.Expired)
	fmt.Fprintf(out, "rejected signatures %d  duplicates %d  late %d  malformed %d\n", a.BadSignatures, a.Duplicates, a.Late, a.Malformed)
	domains := make([]string, 0, len(a.ByDomain))
	for d := range a.ByDomain {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	for _, d := range domains {
		fmt.Fprintf(out, "  %-10s success %d  fail %d\n", d, a.ByDomain[d].Success, a.ByDomain[d].Fail)
	}
	fmt.Fprintln(out, "disagreement with quorum outcome:")
	for _, p := range a.Providers {
		fmt.Fprintf(out, "  %-12s %d/%d (%.2f%%)\n", p.ProviderID, p.Disagree, p.Total, 100*p.Ratio)
	}
	if top, ok := mesh.Auditor.MostSuspect(); ok {
		fmt.Fprintf(out, "most inconsistent provider: %s\n", top.ProviderID)
	}
	d := mesh.Dispatch()
	fmt.Fprintf(out, "dispatch: enqueued %d sent %d failed %d dropped %d\n", d.Enqueued, d.Sent, d.Failed, d.Dropped)
}
