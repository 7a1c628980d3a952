package vm

import "testing"

func TestAddrVPNRoundTrip(t *testing.T) {
	const pageSize = 4096
	v := AddrToVPN(Addr(pageSize*3+100), pageSize)
	if v != 3 {
		t.Fatalf("expected vpn 3, got %d", v)
	}
	if VPNToAddr(v, pageSize) != Addr(pageSize*3) {
		t.Fatalf("VPNToAddr did not return the page base")
	}
}

func TestAlignToPage(t *testing.T) {
	cases := []struct{ size, pageSize, want uint64 }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := AlignToPage(c.size, c.pageSize); got != c.want {
			t.Errorf("AlignToPage(%d, %d) = %d, want %d", c.size, c.pageSize, got, c.want)
		}
	}
}

func TestPerfCountersSnapshotComputesRates(t *testing.T) {
	var c PerfCounters
	c.TLBHits.Store(9)
	c.TLBMisses.Store(1)
	c.TotalBytesMigrated.Store(1_000_000_000)
	c.TotalMigrationTimeUs.Store(1_000_000)

	snap := c.Snapshot()
	if snap.TLBHitRatePct != 90.0 {
		t.Errorf("expected 90%% hit rate, got %v", snap.TLBHitRatePct)
	}
	if snap.MigrationBandwidthGB != 1.0 {
		t.Errorf("expected 1 GB/s, got %v", snap.MigrationBandwidthGB)
	}
}
