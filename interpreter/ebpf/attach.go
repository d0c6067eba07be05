package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// cgroupLink adapts link.Link to interpreter.Link.
type cgroupLink struct {
	l link.Link
}

func (c *cgroupLink) Update(prog interpreter.Program) error {
	p, ok := prog.(*program)
	if !ok {
		return fmt.Errorf("update link: program %T was not loaded by this adapter", prog)
	}
	if err := c.l.Update(p.p); err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	return nil
}

func (c *cgroupLink) Pin(path string) error {
	if err := c.l.Pin(path); err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			return fmt.Errorf("%w: %w", interpreter.ErrPinUnsupported, err)
		}
		return fmt.Errorf("pin link to %s: %w", path, err)
	}
	return nil
}

func (c *cgroupLink) Unpin() error {
	if err := c.l.Unpin(); err != nil {
		return fmt.Errorf("unpin link: %w", err)
	}
	return nil
}

func (c *cgroupLink) Close() error { return c.l.Close() }

// LoadPinnedLink opens a link pinned by an earlier run.
func (k *kernelAdapter) LoadPinnedLink(ctx context.Context, path string) (interpreter.Link, error) {
	l, err := link.LoadPinnedLink(path, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, interpreter.ErrNotFound)
		}
		return nil, fmt.Errorf("load pinned link %s: %w", path, err)
	}
	return &cgroupLink{l: l}, nil
}

// AttachCgroup attaches prog to a cgroup ingress or egress hook.
// cilium/ebpf prefers a bpf_link and falls back to a multi-attach
// program attachment on kernels without cgroup links.
func (k *kernelAdapter) AttachCgroup(ctx context.Context, cgroupPath string, attach trafficctl.AttachType, prog interpreter.Program) (interpreter.Link, error) {
	p, ok := prog.(*program)
	if !ok {
		return nil, fmt.Errorf("attach: program %T was not loaded by this adapter", prog)
	}

	var at ebpf.AttachType
	switch attach {
	case trafficctl.AttachIngress:
		at = ebpf.AttachCGroupInetIngress
	case trafficctl.AttachEgress:
		at = ebpf.AttachCGroupInetEgress
	default:
		return nil, fmt.Errorf("attach: unsupported attach type %s", attach)
	}

	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  at,
		Program: p.p,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s to cgroup %s: %w", attach, cgroupPath, err)
	}

	k.logger.Info("attached program to cgroup", "cgroup", cgroupPath, "attach", attach.String())
	return &cgroupLink{l: l}, nil
}
