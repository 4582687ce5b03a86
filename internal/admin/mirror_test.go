package admin

import "testing"

// Mirror's queries need a real Postgres instance, and this repository has
// no test that provides one; pgxpool has no in-process fake to drive from
// a unit test. This file names the query contracts such a test would check
// (scoped by partition/instance, newest first, ILIKE substring search).
func TestMirrorRequiresPartitionAndInstanceScoping(t *testing.T) {
	t.Skip("needs a live Postgres instance")
}
