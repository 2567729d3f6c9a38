package registry

import "container/heap"

// expirationIndex orders live registrations by lease expiration, earliest
// first
type expirationIndex []*registration

func (x expirationIndex) Len() int { return len(x) }

func (x expirationIndex) Less(i, j int) bool {
	return x[i].expiration.Before(x[j].expiration)
}

func (x expirationIndex) Swap(i, j int) {
	x[i], x[j] = x[j], x[i]
	x[i].heapIndex = i
	x[j].heapIndex = j
}

func (x *expirationIndex) Push(v interface{}) {
	reg := v.(*registration)
	reg.heapIndex = len(*x)
	*x = append(*x, reg)
}

func (x *expirationIndex) Pop() interface{} {
	old := *x
	n := len(old)
	reg := old[n-1]
	old[n-1] = nil
	reg.heapIndex = -1
	*x = old[:n-1]
	return reg
}

func (x *expirationIndex) add(reg *registration) {
	heap.Push(x, reg)
}

func (x *expirationIndex) remove(reg *registration) {
	if reg.heapIndex >= 0 {
		heap.Remove(x, reg.heapIndex)
	}
}

func (x *expirationIndex) fix(reg *registration) {
	if reg.heapIndex >= 0 {
		heap.Fix(x, reg.heapIndex)
	}
}

func (x expirationIndex) earliest() *registration {
	if len(x) == 0 {
		return nil
	}
	return x[0]
}
