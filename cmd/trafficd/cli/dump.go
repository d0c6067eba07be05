package cli

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/tagging"
)

// DumpCmd prints the accounting maps.
type DumpCmd struct {
	OutputFlags
	UID *uint32 `name:"uid" help:"Only show entries for this uid."`
}

// Run executes the dump command.
func (c *DumpCmd) Run(cli *CLI) error {
	rt, err := cli.NewCLIRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := rt.Engine.Snapshot()
	if err != nil {
		return fmt.Errorf("read maps: %w", err)
	}
	if c.UID != nil {
		snap = FilterSnapshot(snap, *c.UID)
	}

	out, err := FormatSnapshot(snap, &c.OutputFlags)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, out)
	return nil
}

// FilterSnapshot keeps the entries belonging to uid.
func FilterSnapshot(s *tagging.Snapshot, uid uint32) *tagging.Snapshot {
	out := &tagging.Snapshot{CounterSets: make(map[uint32]uint32)}
	for _, c := range s.Cookies {
		if c.UID == uid {
			out.Cookies = append(out.Cookies, c)
		}
	}
	if set, ok := s.CounterSets[uid]; ok {
		out.CounterSets[uid] = set
	}
	keep := func(e trafficctl.StatsEntry) bool { return e.Key.UID != uid }
	out.UidStats = slices.DeleteFunc(slices.Clone(s.UidStats), keep)
	out.TagStats = slices.DeleteFunc(slices.Clone(s.TagStats), keep)
	return out
}

// FormatSnapshot formats a snapshot according to the output flags.
func FormatSnapshot(s *tagging.Snapshot, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return marshalJSON(s)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s (%d)\n", trafficctl.CookieTagMapName, len(s.Cookies))
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COOKIE\tUID\tTAG")
	for _, c := range s.Cookies {
		fmt.Fprintf(tw, "%d\t%d\t%#x\n", c.Cookie, c.UID, c.Tag)
	}
	tw.Flush()

	fmt.Fprintf(&b, "\n%s (%d)\n", trafficctl.UidCounterSetMapName, len(s.CounterSets))
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSET")
	for _, uid := range slices.Sorted(maps.Keys(s.CounterSets)) {
		fmt.Fprintf(tw, "%d\t%d\n", uid, s.CounterSets[uid])
	}
	tw.Flush()

	writeStats(&b, trafficctl.UidStatsMapName, s.UidStats)
	writeStats(&b, trafficctl.TagStatsMapName, s.TagStats)

	return b.String(), nil
}

func writeStats(b *strings.Builder, name string, entries []trafficctl.StatsEntry) {
	fmt.Fprintf(b, "\n%s (%d)\n", name, len(entries))
	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tTAG\tSET\tIFACE\tRX_BYTES\tRX_PACKETS\tTX_BYTES\tTX_PACKETS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%#x\t%d\t%d\t%d\t%d\t%d\t%d\n",
			e.Key.UID, e.Key.Tag, e.Key.CounterSet, e.Key.IfaceIndex,
			e.Stats.RxBytes(), e.Stats.RxPackets(), e.Stats.TxBytes(), e.Stats.TxPackets())
	}
	tw.Flush()
}
