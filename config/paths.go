package config

import (
	"fmt"
	"path/filepath"

	"github.com/frobware/go-trafficctl"
)

// Paths is the pin layout under a bpffs root, plus the cgroup whose
// hooks carry the classification programs:
//
//	{root}/traffic_cookie_uid_map      - CookieTag
//	{root}/traffic_uid_counterSet_map  - UidCounterSet
//	{root}/traffic_uid_stats_map       - UidStats
//	{root}/traffic_tag_stats_map       - TagStats
//	{root}/ingress_prog                - ingress program
//	{root}/egress_prog                 - egress program
//	{root}/traffic_ingress_link        - ingress cgroup link
//	{root}/traffic_egress_link         - egress cgroup link
//
// Paths is immutable; use NewPaths or DefaultPaths.
type Paths struct {
	root       string
	cgroupRoot string
}

// DefaultPaths returns the production layout.
func DefaultPaths() Paths {
	p, err := NewPaths(trafficctl.BPFRoot, trafficctl.CgroupRoot)
	if err != nil {
		panic(fmt.Sprintf("DefaultPaths: %v", err))
	}
	return p
}

// NewPaths returns the layout rooted at root. Both paths must be
// absolute.
func NewPaths(root, cgroupRoot string) (Paths, error) {
	if root == "" || !filepath.IsAbs(root) {
		return Paths{}, fmt.Errorf("bpf root must be an absolute path, got %q", root)
	}
	if cgroupRoot == "" || !filepath.IsAbs(cgroupRoot) {
		return Paths{}, fmt.Errorf("cgroup root must be an absolute path, got %q", cgroupRoot)
	}
	return Paths{root: filepath.Clean(root), cgroupRoot: filepath.Clean(cgroupRoot)}, nil
}

// Root returns the bpffs mount point.
func (p Paths) Root() string { return p.root }

// CgroupRoot returns the cgroup v2 directory programs attach to.
func (p Paths) CgroupRoot() string { return p.cgroupRoot }

// Map returns the pin path of the named map.
func (p Paths) Map(name string) string { return filepath.Join(p.root, name) }

func (p Paths) CookieTagMap() string     { return p.Map(trafficctl.CookieTagMapName) }
func (p Paths) UidCounterSetMap() string { return p.Map(trafficctl.UidCounterSetMapName) }
func (p Paths) UidStatsMap() string      { return p.Map(trafficctl.UidStatsMapName) }
func (p Paths) TagStatsMap() string      { return p.Map(trafficctl.TagStatsMapName) }

// Program returns the pin path of the program for a hook.
func (p Paths) Program(attach trafficctl.AttachType) string {
	switch attach {
	case trafficctl.AttachIngress:
		return filepath.Join(p.root, trafficctl.IngressProgName)
	case trafficctl.AttachEgress:
		return filepath.Join(p.root, trafficctl.EgressProgName)
	default:
		panic(fmt.Sprintf("Paths.Program: invalid attach type %d", attach))
	}
}

// Link returns the pin path of the cgroup link for a hook.
func (p Paths) Link(attach trafficctl.AttachType) string {
	return filepath.Join(p.root, "traffic_"+attach.String()+"_link")
}
