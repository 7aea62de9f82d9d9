package command

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// lookupCredential resolves user and group names into a credential for
// SysProcAttr. Either may be empty; both empty yields nil (inherit the
// supervisor's credentials). Numeric ids are accepted as-is.
func lookupCredential(userName, groupName string) (*syscall.Credential, error) {
	if userName == "" && groupName == "" {
		return nil, nil
	}

	cred := &syscall.Credential{
		Uid: uint32(unix.Getuid()),
		Gid: uint32(unix.Getgid()),
	}

	if userName != "" {
		uid, gid, err := resolveUser(userName)
		if err != nil {
			return nil, err
		}
		cred.Uid = uid
		cred.Gid = gid
	}
	if groupName != "" {
		gid, err := resolveGroup(groupName)
		if err != nil {
			return nil, err
		}
		cred.Gid = gid
	}
	return cred, nil
}

// resolveUser returns the uid and primary gid for a user name or numeric id.
func resolveUser(name string) (uint32, uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		if id, convErr := strconv.ParseUint(name, 10, 32); convErr == nil {
			return uint32(id), uint32(unix.Getgid()), nil
		}
		return 0, 0, fmt.Errorf("looking up user %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid for %q: %w", name, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid for %q: %w", name, err)
	}
	return uint32(uid), uint32(gid), nil
}

// resolveGroup returns the gid for a group name or numeric id.
func resolveGroup(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		if id, convErr := strconv.ParseUint(name, 10, 32); convErr == nil {
			return uint32(id), nil
		}
		return 0, fmt.Errorf("looking up group %q: %w", name, err)
	}
	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing gid for group %q: %w", name, err)
	}
	return uint32(gid), nil
}

// DropPrivileges switches the calling process to the given user and group.
// It is used by the supervisor itself before opening any user resources.
func DropPrivileges(userName, groupName string) error {
	cred, err := lookupCredential(userName, groupName)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}
	if err := unix.Setgroups([]int{int(cred.Gid)}); err != nil {
		return fmt.Errorf("setting groups: %w", err)
	}
	if err := unix.Setgid(int(cred.Gid)); err != nil {
		return fmt.Errorf("setting gid %d: %w", cred.Gid, err)
	}
	if userName != "" {
		if err := unix.Setuid(int(cred.Uid)); err != nil {
			return fmt.Errorf("setting uid %d: %w", cred.Uid, err)
		}
	}
	return nil
}
