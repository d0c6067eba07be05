package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/bpffs"
	"github.com/frobware/go-trafficctl/config"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/ebpf"
)

// ProbeCmd reports whether accounting can run on this host.
type ProbeCmd struct {
	OutputFlags
}

// ProbeReport is the result of a probe.
type ProbeReport struct {
	Supported  bool        `json:"supported"`
	ProbeError string      `json:"probe_error,omitempty"`
	BPFRoot    MountReport `json:"bpf_root"`
	CgroupRoot MountReport `json:"cgroup_root"`
	Pins       []PinReport `json:"pins"`
	Missing    []string    `json:"missing"`
}

// MountReport says whether a filesystem is mounted where expected.
type MountReport struct {
	Path    string `json:"path"`
	FSType  string `json:"fs_type"`
	Mounted bool   `json:"mounted"`
	Error   string `json:"error,omitempty"`
}

// PinReport is one entry found under the BPF root.
type PinReport struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Run executes the probe command.
func (c *ProbeCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	report, err := probe(context.Background(), ebpf.New(ebpf.WithLogger(logger)), cfg)
	if err != nil {
		return err
	}

	out, err := FormatProbeReport(report, &c.OutputFlags)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, out)
	return nil
}

func probe(ctx context.Context, prober interpreter.Prober, cfg config.Config) (*ProbeReport, error) {
	paths, err := cfg.Paths()
	if err != nil {
		return nil, err
	}

	report := &ProbeReport{
		BPFRoot:    mountReport(cfg.BPF.MountInfo, paths.Root(), bpffs.FSTypeBPF),
		CgroupRoot: mountReport(cfg.BPF.MountInfo, paths.CgroupRoot(), bpffs.FSTypeCgroup2),
	}

	report.Supported, err = prober.Probe(ctx)
	if err != nil {
		report.ProbeError = err.Error()
	}

	scanner := bpffs.NewScanner(paths.Root(), knownPins(paths))
	for pin, err := range scanner.Pins(ctx) {
		if err != nil {
			return nil, err
		}
		report.Pins = append(report.Pins, PinReport{Name: pin.Name, Kind: string(pin.Kind)})
	}
	if report.Missing, err = scanner.Missing(ctx); err != nil {
		return nil, err
	}

	return report, nil
}

func mountReport(mountInfo, path, fsType string) MountReport {
	r := MountReport{Path: path, FSType: fsType}
	mounted, err := bpffs.IsMounted(mountInfo, path, fsType)
	if err != nil {
		r.Error = err.Error()
	}
	r.Mounted = mounted
	return r
}

// knownPins lists every object trafficd pins under the BPF root.
func knownPins(paths config.Paths) map[string]bpffs.PinKind {
	known := map[string]bpffs.PinKind{
		trafficctl.CookieTagMapName:     bpffs.PinMap,
		trafficctl.UidCounterSetMapName: bpffs.PinMap,
		trafficctl.UidStatsMapName:      bpffs.PinMap,
		trafficctl.TagStatsMapName:      bpffs.PinMap,
	}
	for _, attach := range []trafficctl.AttachType{trafficctl.AttachIngress, trafficctl.AttachEgress} {
		known[filepath.Base(paths.Program(attach))] = bpffs.PinProgram
		known[filepath.Base(paths.Link(attach))] = bpffs.PinLink
	}
	return known
}

// FormatProbeReport formats a probe report according to the output flags.
func FormatProbeReport(r *ProbeReport, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return marshalJSON(r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "eBPF accounting: %s\n", supportedString(r))
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MOUNT\tTYPE\tMOUNTED")
	writeMount(tw, r.BPFRoot)
	writeMount(tw, r.CgroupRoot)
	tw.Flush()

	if len(r.Pins) > 0 {
		b.WriteString("\n")
		tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PIN\tKIND")
		for _, p := range r.Pins {
			fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Kind)
		}
		tw.Flush()
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(&b, "\nnot pinned: %s\n", strings.Join(r.Missing, ", "))
	}
	return b.String(), nil
}

func supportedString(r *ProbeReport) string {
	switch {
	case r.ProbeError != "":
		return "unknown (" + r.ProbeError + ")"
	case r.Supported:
		return "supported"
	default:
		return "unsupported"
	}
}

func writeMount(w io.Writer, m MountReport) {
	mounted := "yes"
	switch {
	case m.Error != "":
		mounted = "error: " + m.Error
	case !m.Mounted:
		mounted = "no"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", m.Path, m.FSType, mounted)
}

func marshalJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}
