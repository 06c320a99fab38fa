package identity

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

// ResolveOwners lists the system accounts with "getent passwd",
// which includes the accounts from NSS sources such as LDAP or SSSD.
func (r *Resolver) ResolveOwners(ctx context.Context) (Owners, error) {
	out, err := r.runner(ctx, r.getentCommand, "passwd")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	owners, skipped := ParsePasswd(out)
	if skipped > 0 {
		log.Logger.Debugw("skipped malformed passwd entries", "skipped", skipped)
	}
	return owners, nil
}

// ParsePasswd parses passwd(5) formatted entries ("name:password:uid:gid:gecos:home:shell").
// Malformed lines are skipped and counted. When a uid appears more than once,
// the first entry wins, matching the NSS lookup order.
func ParsePasswd(b []byte) (Owners, int) {
	owners := make(Owners)
	skipped := 0

	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] == "" {
			skipped++
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			skipped++
			continue
		}

		if _, ok := owners[uint32(uid)]; ok {
			continue
		}
		owners[uint32(uid)] = fields[0]
	}
	return owners, skipped
}
