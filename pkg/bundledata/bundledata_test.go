package bundledata

import "testing"

func TestSplit(t *testing.T) {
	cases := []struct {
		bundle     string
		namespace  string
		bundleRange string
		wantErr    bool
	}{
		{"tenant/ns1/0x40000000_0x80000000", "tenant/ns1", "0x40000000_0x80000000", false},
		{"ns1/0x00000000_0xffffffff", "ns1", "0x00000000_0xffffffff", false},
		{"no-slash-here", "", "", true},
		{"trailing-slash/", "", "", true},
	}

	for _, c := range cases {
		ns, rng, err := Split(c.bundle)
		if c.wantErr {
			if err == nil {
				t.Errorf("Split(%q): expected error, got ns=%q rng=%q", c.bundle, ns, rng)
			}
			continue
		}
		if err != nil {
			t.Errorf("Split(%q): unexpected error: %v", c.bundle, err)
			continue
		}
		if ns != c.namespace || rng != c.bundleRange {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", c.bundle, ns, rng, c.namespace, c.bundleRange)
		}
	}
}

func TestNamespace(t *testing.T) {
	ns, err := Namespace("ns1/0x00000000_0x80000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ns != "ns1" {
		t.Fatalf("got %q, want ns1", ns)
	}
}
