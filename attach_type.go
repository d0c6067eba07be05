package trafficctl

// AttachType selects the cgroup hook a classification program runs on.
type AttachType int32

const (
	AttachTypeUnspecified AttachType = iota
	AttachIngress
	AttachEgress
)

func (t AttachType) String() string {
	switch t {
	case AttachIngress:
		return "ingress"
	case AttachEgress:
		return "egress"
	default:
		return "unspecified"
	}
}
