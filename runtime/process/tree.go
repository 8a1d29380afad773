package process

import (
	"context"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

const maxTreeDepth = 16

// TreeRSS returns the resident memory of pid and all of its descendants.
// Processes that vanish while walking the tree count as zero.
func TreeRSS(ctx context.Context, pid int) uint64 {
	p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	return treeRSS(ctx, p, 0)
}

func treeRSS(ctx context.Context, p *gopsprocess.Process, depth int) uint64 {
	var total uint64
	if info, err := p.MemoryInfoWithContext(ctx); err == nil {
		total += info.RSS
	}
	if depth >= maxTreeDepth {
		return total
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		// gopsutil reports a childless process as an error
		return total
	}
	for _, c := range children {
		total += treeRSS(ctx, c, depth+1)
	}
	return total
}
