//go:build unix

package mmap

import (
	"os"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"mmapdisplay/internal/logging"

	"golang.org/x/sys/unix"
)

var (
	falseOptions = []string{"", "0", "false", "no", "off", "disabled", "none"}
	trueOptions  = []string{"1", "true", "yes", "on", "enabled"}
)

// resolveGroup maps a group policy to a gid. It returns -1 when no group
// change should be made.
func resolveGroup(policy, defaultGroup, socketPath string, logger *logging.ContextLogger) int {
	policy = strings.TrimSpace(policy)
	lower := strings.ToLower(policy)
	switch {
	case slices.Contains(falseOptions, lower):
		return -1
	case policy == "SOCKET":
		return socketGroup(socketPath, logger)
	case lower == "auto":
		return autoGroup(defaultGroup, socketPath, logger)
	case slices.Contains(trueOptions, lower):
		logger.WithTraceFields(logging.LogFields{"group": policy}).Info(
			"parsing legacy mmap group value as 'auto', please update your configuration")
		return autoGroup(defaultGroup, socketPath, logger)
	default:
		gid, err := lookupGroup(policy)
		if err != nil {
			logger.WithTraceFields(logging.LogFields{"group": policy, "error": err}).Warning(
				"unknown mmap group")
			return -1
		}
		return gid
	}
}

func autoGroup(defaultGroup, socketPath string, logger *logging.ContextLogger) int {
	if gid := memberGroup(defaultGroup, logger); gid > 0 {
		return gid
	}
	if socketPath != "" {
		return socketGroup(socketPath, logger)
	}
	return -1
}

// memberGroup returns the gid of name if this process belongs to it.
func memberGroup(name string, logger *logging.ContextLogger) int {
	if name == "" {
		return -1
	}
	gid, err := lookupGroup(name)
	if err != nil {
		logger.WithTraceFields(logging.LogFields{"group": name, "error": err}).Debug("group lookup failed")
		return -1
	}
	groups, err := os.Getgroups()
	if err != nil {
		return -1
	}
	if !slices.Contains(groups, gid) {
		return -1
	}
	return gid
}

func socketGroup(socketPath string, logger *logging.ContextLogger) int {
	var st unix.Stat_t
	if socketPath == "" || unix.Stat(socketPath, &st) != nil {
		logger.WithTraceFields(logging.LogFields{"socket": socketPath}).Warning(
			"missing valid socket filename to set mmap group")
		return -1
	}
	return int(st.Gid)
}

func lookupGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(g.Gid)
}

// applyGroup hands the backing file to gid and opens it to group members.
// This is best effort: failures are logged and the region stays usable by
// its owner.
func applyGroup(file *os.File, gid int, logger *logging.ContextLogger) {
	fd := int(file.Fd())
	fields := logging.LogFields{"path": file.Name(), "gid": gid}
	if err := unix.Fchown(fd, -1, gid); err != nil {
		fields["error"] = err
		logger.WithTraceFields(fields).Error("failed to change group ownership of mmap file")
	}
	if err := unix.Fchmod(fd, 0o660); err != nil {
		logger.WithTraceFields(logging.LogFields{"path": file.Name(), "error": err}).Error(
			"failed to set mmap file permissions")
	}
}
