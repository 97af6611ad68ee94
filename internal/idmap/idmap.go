// Package idmap reconciles locally-allocated signal instance ids with
// globally-unique network instance ids.
//
// A Node is freed exactly when both its local and global reference counts
// have dropped to zero or below — the local side (a signal instance bound by
// this device) and the global side (a peer claiming the same instance) have
// independent lifecycles, and releasing on one alone must not disturb the
// other. Nodes are recycled through a free-list rather than allocated afresh
// on every activation.
package idmap

// Status is a bitmask describing a node's release state. A node may be in
// neither, either, or both states simultaneously; both set means the node is
// eligible for reclamation at the next opportunity.
type Status uint8

const (
	ReleasedLocally Status = 1 << iota
	ReleasedRemotely
)

// Match reports whether the node's status satisfies mask: mask == 0 matches
// only a node with zero status, otherwise any bit in common is a match.
func (s Status) Match(mask Status) bool {
	if mask == 0 {
		return s == 0
	}
	return s&mask != 0
}

// Node is one entry reconciling a local instance id with a global instance
// id. Global's high 32 bits are the originating device id; the low 32 bits
// are a per-device serial.
type Node struct {
	Local          uint32
	Global         uint64
	RefcountLocal  int32
	RefcountGlobal int32
	Status         Status

	next *Node
	free bool
}

// Table is the active/free-list pair of id-map nodes for one device. It is
// not safe for concurrent use; the device that owns it serializes all access
// on its single logical thread (§5).
type Table struct {
	active *Node
	free   *Node
}

// Reserve pushes a fresh zeroed node onto the free-list, growing the pool by
// one node available for future activation.
func (t *Table) Reserve() {
	t.free = &Node{free: true, next: t.free}
}

// Activate pops a node from the free-list (reserving one first if the
// free-list is empty), resets it to refcountLocal=1, refcountGlobal=0, and
// prepends it to the active list.
//
// The caller must have already verified that no active node carries local or
// global; behavior is undefined (here: the duplicate simply coexists) if
// that invariant is violated, matching the C original's lack of a check.
func (t *Table) Activate(local uint32, global uint64) *Node {
	if t.free == nil {
		t.Reserve()
	}
	n := t.free
	t.free = n.next

	n.Local = local
	n.Global = global
	n.RefcountLocal = 1
	n.RefcountGlobal = 0
	n.Status = 0
	n.free = false
	n.next = t.active
	t.active = n
	return n
}

// FindByLocal linearly scans the active list for a node with the given local
// id, returning nil if none is found.
func (t *Table) FindByLocal(local uint32) *Node {
	for n := t.active; n != nil; n = n.next {
		if n.Local == local {
			return n
		}
	}
	return nil
}

// FindByGlobal linearly scans the active list for a node with the given
// global id, returning nil if none is found.
func (t *Table) FindByGlobal(global uint64) *Node {
	for n := t.active; n != nil; n = n.next {
		if n.Global == global {
			return n
		}
	}
	return nil
}

// FindByGlobalMatching returns the active node whose Global equals global
// and whose Status matches mask (see Status.Match), or nil.
func (t *Table) FindByGlobalMatching(global uint64, mask Status) *Node {
	for n := t.active; n != nil; n = n.next {
		if n.Global == global && n.Status.Match(mask) {
			return n
		}
	}
	return nil
}

// Remove unlinks node from the active list and pushes it onto the free-list.
// The caller must have already driven both refcounts to <= 0; Remove does
// not check this.
func (t *Table) Remove(node *Node) {
	var prev *Node
	for n := t.active; n != nil; n = n.next {
		if n == node {
			if prev == nil {
				t.active = n.next
			} else {
				prev.next = n.next
			}
			break
		}
		prev = n
	}
	node.free = true
	node.next = t.free
	t.free = node
}

// Released reports whether both refcounts have reached zero or below — the
// condition under which Remove should be called.
func (n *Node) Released() bool {
	return n.RefcountLocal <= 0 && n.RefcountGlobal <= 0
}

// Active returns every node currently on the active list, in no particular
// order. Intended for diagnostics and tests; the device core itself never
// needs to enumerate the whole table.
func (t *Table) Active() []*Node {
	var out []*Node
	for n := t.active; n != nil; n = n.next {
		out = append(out, n)
	}
	return out
}

// Len reports the number of nodes currently on the active list.
func (t *Table) Len() int {
	n := 0
	for c := t.active; c != nil; c = c.next {
		n++
	}
	return n
}
