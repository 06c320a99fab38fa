package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	owners := Owners{1000: "alice", 1001: "bob"}

	tests := []struct {
		name string
		uid  uint32
		err  error
		want string
	}{
		{name: "mapped", uid: 1000, want: "alice"},
		{name: "unmapped", uid: 4242, want: SentinelUnknown},
		{name: "exited", err: fmt.Errorf("%w: pid 7", ErrProcessNotFound), want: SentinelNotFound},
		{name: "other error", err: errors.New("permission denied"), want: SentinelUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(owners, tt.uid, tt.err))
		})
	}
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(SentinelUnknown))
	assert.True(t, IsSentinel(SentinelNotFound))
	assert.False(t, IsSentinel("alice"))
}

func TestParsePasswd(t *testing.T) {
	owners, skipped := ParsePasswd([]byte(`root:x:0:0:root:/root:/bin/bash
# comment
alice:x:1000:1000:Alice:/home/alice:/bin/bash

bob:x:1001:1001::/home/bob:/bin/zsh
broken-line
nouid:x:abc:1002::/home/nouid:/bin/sh
:x:1003:1003::/:/bin/sh
alice-ldap:*:1000:1000:Alice LDAP:/home/alice:/bin/bash
`))
	assert.Equal(t, Owners{0: "root", 1000: "alice", 1001: "bob"}, owners)
	assert.Equal(t, 3, skipped)
}

func TestResolveOwners(t *testing.T) {
	var gotName string
	var gotArgs []string
	r := New(
		WithGetentCommand("/usr/bin/getent"),
		WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return []byte("alice:x:1000:1000::/home/alice:/bin/bash\n"), nil
		}),
	)

	owners, err := r.ResolveOwners(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Owners{1000: "alice"}, owners)
	assert.Equal(t, "/usr/bin/getent", gotName)
	assert.Equal(t, []string{"passwd"}, gotArgs)
}

func TestResolveOwnersFailure(t *testing.T) {
	r := New(WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("getent not found")
	}))

	owners, err := r.ResolveOwners(context.Background())
	assert.Error(t, err)
	assert.Nil(t, owners)
}
