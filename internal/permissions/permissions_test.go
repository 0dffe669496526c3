package permissions

import (
	"testing"

	"github.com/wago/wdx-fileservice/internal/testutil"
)

type fakeLister struct{ groups []string }

func (f fakeLister) GroupsForUser(string) ([]string, error) { return f.groups, nil }

func TestWriteImpliesRead(t *testing.T) {
	set, err := Resolve("alice", fakeLister{groups: []string{"wdx-firmware-rw", "wdx-network-ro", "sudo"}})
	testutil.OK(t, err)

	testutil.Assert(t, set.CanRead("firmware"), "expected read on firmware from rw group")
	testutil.Assert(t, set.CanWrite("firmware"), "expected write on firmware")
	testutil.Assert(t, set.CanRead("network"), "expected read on network")
	testutil.Assert(t, !set.CanWrite("network"), "ro group must not grant write")

	for feature := range set.WriteFeatures {
		testutil.Assert(t, set.ReadFeatures[feature], "write feature %q must also be a read feature", feature)
	}
}

func TestCaseFolding(t *testing.T) {
	set, err := Resolve("bob", fakeLister{groups: []string{"wdx-Firmware-rw"}})
	testutil.OK(t, err)
	testutil.Assert(t, set.CanRead("firmware"), "expected case-folded feature name")
}

func TestMalformedGroupsDropped(t *testing.T) {
	set, err := Resolve("carol", fakeLister{groups: []string{"wdx--ro", "wdx-foo", "wdx-bar-rx", "not-wdx-at-all"}})
	testutil.OK(t, err)
	testutil.Equals(t, 0, len(set.ReadFeatures))
}
