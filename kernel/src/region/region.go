// Package region tracks user memory regions in a height-balanced
// (AVL) interval tree keyed by start address. Nodes are slab objects;
// none of these routines take locks - the owning process' memory
// info serialises access.
package region

import "unsafe"

import "slab"

// / USERSPACE_LIMIT is the exclusive upper bound for region ends.
const USERSPACE_LIMIT uintptr = 0x8000000000000000

// / Region_t is one user memory region, [Start, End).
type Region_t struct {
	Start  uintptr
	End    uintptr
	Flags  uint64
	Left   *Region_t
	Right  *Region_t
	Height uint64
	_      [1]uint64
}

// / Region flags.
const REGION_AUTOMAP uint64 = 0x01

// / MkRegion allocates a node from the slab. Returns nil when the
// / slab is exhausted.
func MkRegion(start, end uintptr, flags uint64) *Region_t {
	p := slab.Alloc()
	if p == nil {
		return nil
	}
	r := (*Region_t)(p)
	r.Start = start
	r.End = end
	r.Flags = flags
	return r
}

func height(node *Region_t) int {
	if node == nil {
		return 0
	}
	return int(node.Height)
}

func maxint(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func rotateRight(y *Region_t) *Region_t {
	x := y.Left
	t2 := x.Right

	x.Right = y
	y.Left = t2

	y.Height = uint64(maxint(height(y.Left), height(y.Right)) + 1)
	x.Height = uint64(maxint(height(x.Left), height(x.Right)) + 1)

	return x
}

func rotateLeft(x *Region_t) *Region_t {
	y := x.Right
	t2 := y.Left

	y.Left = x
	x.Right = t2

	x.Height = uint64(maxint(height(x.Left), height(x.Right)) + 1)
	y.Height = uint64(maxint(height(y.Left), height(y.Right)) + 1)

	return y
}

func balance(node *Region_t) int {
	if node == nil {
		return 0
	}
	return height(node.Left) - height(node.Right)
}

// / Insert adds newRegion below node and returns the new subtree root.
// / A region with end <= start, or reaching into kernel space, is
// / refused and the tree is returned unchanged.
func Insert(node *Region_t, newRegion *Region_t) *Region_t {
	if newRegion == nil || newRegion.End <= newRegion.Start {
		return node
	}
	if newRegion.End > USERSPACE_LIMIT {
		// kernel-space mapping not allowed
		return node
	}

	if node == nil {
		newRegion.Height = 1
		return newRegion
	}

	if newRegion.Start < node.Start {
		node.Left = Insert(node.Left, newRegion)
	} else {
		node.Right = Insert(node.Right, newRegion)
	}

	node.Height = uint64(1 + maxint(height(node.Left), height(node.Right)))

	bal := balance(node)

	// Left Left
	if bal > 1 && newRegion.Start < node.Left.Start {
		return rotateRight(node)
	}

	// Right Right
	if bal < -1 && newRegion.Start >= node.Right.Start {
		return rotateLeft(node)
	}

	// Left Right
	if bal > 1 && newRegion.Start >= node.Left.Start {
		node.Left = rotateLeft(node.Left)
		return rotateRight(node)
	}

	// Right Left
	if bal < -1 && newRegion.Start < node.Right.Start {
		node.Right = rotateRight(node.Right)
		return rotateLeft(node)
	}

	return node
}

// / Lookup returns the region whose interval contains addr, or nil.
func Lookup(node *Region_t, addr uintptr) *Region_t {
	for node != nil {
		if addr < node.Start {
			node = node.Left
		} else if addr >= node.End {
			node = node.Right
		} else {
			return node
		}
	}
	return nil
}

// / VisitAll walks the tree in order, calling fn on each region.
func VisitAll(node *Region_t, fn func(*Region_t)) {
	if node == nil {
		return
	}
	VisitAll(node.Left, fn)
	fn(node)
	VisitAll(node.Right, fn)
}

// / Resize updates a region's end, subject to the same bound checks as
// / Insert. Returns false when newEnd is invalid.
func Resize(node *Region_t, newEnd uintptr) bool {
	if node == nil || newEnd <= node.Start || newEnd > USERSPACE_LIMIT {
		return false
	}
	node.End = newEnd
	return true
}

func minValueNode(node *Region_t) *Region_t {
	current := node
	for current != nil && current.Left != nil {
		current = current.Left
	}
	return current
}

// / Remove splices out the region starting at start and returns the
// / new root. The removed node goes back to the slab; the two-child
// / case copies the in-order successor's interval instead.
func Remove(root *Region_t, start uintptr) *Region_t {
	if root == nil {
		return nil
	}

	if start < root.Start {
		root.Left = Remove(root.Left, start)
	} else if start > root.Start {
		root.Right = Remove(root.Right, start)
	} else {
		if root.Left == nil || root.Right == nil {
			temp := root.Left
			if temp == nil {
				temp = root.Right
			}
			slab.Free(unsafe.Pointer(root))
			return temp
		}
		temp := minValueNode(root.Right)
		root.Start = temp.Start
		root.End = temp.End
		root.Flags = temp.Flags
		root.Right = Remove(root.Right, temp.Start)
	}

	root.Height = uint64(1 + maxint(height(root.Left), height(root.Right)))
	bal := balance(root)

	if bal > 1 && balance(root.Left) >= 0 {
		return rotateRight(root)
	}

	if bal > 1 && balance(root.Left) < 0 {
		root.Left = rotateLeft(root.Left)
		return rotateRight(root)
	}

	if bal < -1 && balance(root.Right) <= 0 {
		return rotateLeft(root)
	}

	if bal < -1 && balance(root.Right) > 0 {
		root.Right = rotateRight(root.Right)
		return rotateLeft(root)
	}

	return root
}

// / FreeAll returns the whole tree to the slab and clears the root.
func FreeAll(root **Region_t) {
	if root == nil || *root == nil {
		return
	}

	node := *root
	left := node.Left
	right := node.Right

	FreeAll(&left)
	FreeAll(&right)
	slab.Free(unsafe.Pointer(node))

	*root = nil
}
