package trafficctl

// Default locations of the pinned maps and programs. The classification
// program object is built against these names; changing them breaks the
// contract with the kernel side.
const (
	// BPFRoot is the bpffs mount under which all objects are pinned.
	BPFRoot = "/sys/fs/bpf"

	CookieTagMapName     = "traffic_cookie_uid_map"
	UidCounterSetMapName = "traffic_uid_counterSet_map"
	UidStatsMapName      = "traffic_uid_stats_map"
	TagStatsMapName      = "traffic_tag_stats_map"

	EgressProgName  = "egress_prog"
	IngressProgName = "ingress_prog"

	// CgroupRoot is the cgroup v2 hierarchy whose ingress/egress hooks
	// receive the classification program.
	CgroupRoot = "/dev/cg2_bpf"
)

// Byte offsets of the transport protocol field in the IP header. The
// classification program reads the protocol from these offsets; they are
// listed here because they are part of the stable contract.
const (
	IPv6TransportProtocolOffset = 6
	IPv4TransportProtocolOffset = 9
)

// Default per-map capacities.
//
// TODO: size these from the number of installed apps once the stats
// reader drains entries; 100 overflows quickly on a busy device.
const (
	CookieTagMapSize     = 100
	UidCounterSetMapSize = 100
	UidStatsMapSize      = 100
	TagStatsMapSize      = 100
)

const (
	// CounterSetsLimit bounds the valid counter set numbers to
	// [0, CounterSetsLimit).
	CounterSetsLimit = 2

	// CounterSetDefault is the counter set a uid uses when it has no
	// UidCounterSet entry.
	CounterSetDefault = 0

	// NonexistentCookie is the cookie value the kernel never assigns.
	NonexistentCookie = 0

	// DefaultOverflowUID is the "no real owner" uid.
	DefaultOverflowUID = 65534
)
