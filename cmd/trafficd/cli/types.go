package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// Tag wraps a uint32 socket tag with hex support.
type Tag struct {
	Value uint32
}

// ParseTag parses a tag from string, supporting hex (0x) prefix.
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Tag{}, fmt.Errorf("tag cannot be empty")
	}

	var val uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		val, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	return Tag{Value: uint32(val)}, nil
}

// SocketRef names a socket by the process holding it and the
// descriptor number in that process: PID:FD.
type SocketRef struct {
	PID int
	FD  int
}

func (r SocketRef) String() string { return fmt.Sprintf("%d:%d", r.PID, r.FD) }

// ParseSocketRef parses PID:FD.
func ParseSocketRef(s string) (SocketRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SocketRef{}, fmt.Errorf("socket reference cannot be empty")
	}
	pidStr, fdStr, ok := strings.Cut(s, ":")
	if !ok {
		return SocketRef{}, fmt.Errorf("invalid socket reference %q: expected PID:FD format", s)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return SocketRef{}, fmt.Errorf("invalid socket reference %q: pid must be a positive integer", s)
	}
	fd, err := strconv.Atoi(strings.TrimSpace(fdStr))
	if err != nil || fd < 0 {
		return SocketRef{}, fmt.Errorf("invalid socket reference %q: fd must be a non-negative integer", s)
	}
	return SocketRef{PID: pid, FD: fd}, nil
}

// tagMapper creates a Kong mapper for Tag.
func tagMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("tag", &s); err != nil {
			return err
		}
		tag, err := ParseTag(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(tag))
		return nil
	}
}

// socketRefMapper creates a Kong mapper for SocketRef.
func socketRefMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("socket", &s); err != nil {
			return err
		}
		ref, err := ParseSocketRef(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(ref))
		return nil
	}
}
