package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// TagCmd tags a socket held by another process.
type TagCmd struct {
	Socket SocketRef `arg:"" help:"Socket as PID:FD."`
	Tag    Tag       `arg:"" help:"Tag, decimal or 0x-prefixed hex."`
	UID    *uint32   `name:"uid" help:"Uid to charge. Defaults to the owner of PID."`
}

// Run executes the tag command.
func (c *TagCmd) Run(cli *CLI) error {
	uid, err := c.chargeUID()
	if err != nil {
		return err
	}

	rt, err := cli.NewCLIRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	return withSocket(c.Socket, func(fd int) error {
		if err := rt.Engine.TagSocket(fd, c.Tag.Value, uid); err != nil {
			return fmt.Errorf("tag %s: %w", c.Socket, err)
		}
		fmt.Fprintf(os.Stdout, "tagged %s tag=%#x uid=%d\n", c.Socket, c.Tag.Value, uid)
		return nil
	})
}

func (c *TagCmd) chargeUID() (uint32, error) {
	if c.UID != nil {
		return *c.UID, nil
	}
	return processUID(c.Socket.PID)
}

// UntagCmd removes the tag of a socket held by another process.
type UntagCmd struct {
	Socket SocketRef `arg:"" help:"Socket as PID:FD."`
}

// Run executes the untag command.
func (c *UntagCmd) Run(cli *CLI) error {
	rt, err := cli.NewCLIRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	return withSocket(c.Socket, func(fd int) error {
		if err := rt.Engine.UntagSocket(fd); err != nil {
			return fmt.Errorf("untag %s: %w", c.Socket, err)
		}
		fmt.Fprintf(os.Stdout, "untagged %s\n", c.Socket)
		return nil
	})
}

// withSocket duplicates ref's descriptor into this process with
// pidfd_getfd(2). The duplicate refers to the same socket, so it has
// the same cookie.
func withSocket(ref SocketRef, fn func(fd int) error) error {
	pidfd, err := unix.PidfdOpen(ref.PID, 0)
	if err != nil {
		return fmt.Errorf("pidfd_open %d: %w", ref.PID, err)
	}
	defer unix.Close(pidfd)

	fd, err := unix.PidfdGetfd(pidfd, ref.FD, 0)
	if err != nil {
		return fmt.Errorf("pidfd_getfd %s: %w", ref, err)
	}
	defer unix.Close(fd)

	return fn(fd)
}

// processUID returns the uid owning /proc/PID.
func processUID(pid int) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat("/proc/"+strconv.Itoa(pid), &st); err != nil {
		return 0, fmt.Errorf("owner of pid %d: %w", pid, err)
	}
	return st.Uid, nil
}

// SetCounterSetCmd assigns a uid to a counter set.
type SetCounterSetCmd struct {
	CounterSet int    `arg:"" name:"set" help:"Counter set, 0 (default) or 1."`
	UID        uint32 `arg:"" name:"uid" help:"Uid to assign."`
}

// Run executes the set-counter-set command.
func (c *SetCounterSetCmd) Run(cli *CLI) error {
	rt, err := cli.NewCLIRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Engine.SetCounterSet(c.CounterSet, c.UID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "uid %d now counts into set %d\n", c.UID, c.CounterSet)
	return nil
}

// DeleteTagDataCmd deletes the tags and stats of a uid.
type DeleteTagDataCmd struct {
	UID uint32 `arg:"" name:"uid" help:"Uid whose data is deleted."`
	Tag Tag    `name:"tag" help:"Only delete this tag. 0 deletes every tag and the uid totals." default:"0"`
}

// Run executes the delete-tag-data command.
func (c *DeleteTagDataCmd) Run(cli *CLI) error {
	rt, err := cli.NewCLIRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Engine.DeleteTagData(c.Tag.Value, c.UID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "deleted data for uid %d tag %#x\n", c.UID, c.Tag.Value)
	return nil
}
