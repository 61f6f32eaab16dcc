package unixsocket

import (
	"fmt"
	"os/user"
	"strconv"
)

func lookupOwner(owner, group string) (uid, gid int, err error) {
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, 0, fmt.Errorf("unixsocket: lookup user %s: %w", owner, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, 0, fmt.Errorf("unixsocket: lookup group %s: %w", group, err)
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("unixsocket: parse uid %s: %w", u.Uid, err)
	}
	gidN, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("unixsocket: parse gid %s: %w", g.Gid, err)
	}
	return uidN, gidN, nil
}
