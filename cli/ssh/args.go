package ssh

// args.go builds argv for the system ssh and scp binaries. Monitoring probes
// and file collection run as local processes under the supervisor, so they
// use these instead of the Session connection.

import (
	"fmt"
	"strconv"
)

// Destination returns user@host.
func (s *Session) Destination() string {
	return fmt.Sprintf("%s@%s", s.user, s.host)
}

// Command returns the argv that runs remote on the host through ssh.
func (s *Session) Command(remote string) []string {
	args := []string{"ssh"}
	args = append(args, s.buildSSHArgs("-p")...)
	args = append(args, s.Destination(), remote)
	return args
}

// CopyFrom returns the scp argv that copies remote (recursively) to local.
func (s *Session) CopyFrom(remote, local string) []string {
	args := []string{"scp", "-r"}
	args = append(args, s.buildSSHArgs("-P")...)
	args = append(args, fmt.Sprintf("%s:%s", s.Destination(), remote), local)
	return args
}

// buildSSHArgs constructs the options shared by ssh and scp, which only
// disagree on the port flag.
func (s *Session) buildSSHArgs(portFlag string) []string {
	args := []string{"-o", "BatchMode=yes"}

	if s.port != 0 && s.port != defaultPort {
		args = append(args, portFlag, strconv.Itoa(s.port))
	}

	// Add identity file if specified
	if s.identityFile != "" {
		args = append(args, "-i", expandHome(s.identityFile))
	}

	// Add known hosts file if specified
	if s.knownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", expandHome(s.knownHostsFile)))
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}

	return args
}
