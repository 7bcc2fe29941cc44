package partition

// LocalOf returns the local index of global index gid on the calling process
func (p *Partition) LocalOf(gid int64) (int, bool) {
	if p.contiguous {
		if gid < p.minLocal || gid > p.maxLocal {
			return -1, false
		}
		return int(gid - p.minLocal), true
	}
	if p.inRun(gid) {
		return int(gid - p.lgMap[0]), true
	}
	l, ok := p.glMap[gid]
	if !ok {
		return -1, false
	}
	return l, true
}

// GlobalOf returns the global index of local index l on the calling process
func (p *Partition) GlobalOf(l int) (int64, bool) {
	if l < 0 || l >= p.localCount {
		return 0, false
	}
	if p.contiguous {
		return p.minLocal + int64(l), true
	}
	return p.lgMap[l], true
}

// OwnsGlobal reports whether the calling process owns global index gid
func (p *Partition) OwnsGlobal(gid int64) bool {
	_, ok := p.LocalOf(gid)
	return ok
}

// OwnsLocal reports whether l is a valid local index
func (p *Partition) OwnsLocal(l int) bool {
	return l >= 0 && l < p.localCount
}

// OwnedGlobalIDs returns the global indices owned locally, in local index
// order. Contiguous partitions materialize the list on the first call. The
// returned slice is shared and must not be modified.
func (p *Partition) OwnedGlobalIDs() []int64 {
	if !p.contiguous {
		return p.lgMap
	}
	p.lgOnce.Do(func() {
		p.lgLazy = make([]int64, p.localCount)
		for l := range p.lgLazy {
			p.lgLazy[l] = p.minLocal + int64(l)
		}
	})
	return p.lgLazy
}
