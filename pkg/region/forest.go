package region

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for forest operations.
var (
	// ErrUnknownHandle is returned when a handle does not name a live entity.
	ErrUnknownHandle = errors.New("unknown region-forest handle")

	// ErrFieldSpaceFull is returned when a field space has no free field ids.
	ErrFieldSpaceFull = errors.New("field space has no free field ids")

	// ErrFieldAllocated is returned when allocating an explicit field id that
	// is already in use.
	ErrFieldAllocated = errors.New("field id already allocated")

	// ErrDestroyed is returned when operating on a destroyed entity.
	ErrDestroyed = errors.New("entity already destroyed")
)

// Entity ids. All are node-scoped and never reused.
type (
	// IndexSpaceID identifies an index space.
	IndexSpaceID uint64

	// IndexPartitionID identifies an index partition.
	IndexPartitionID uint64

	// FieldSpaceID identifies a field space.
	FieldSpaceID uint64

	// TreeID identifies a region tree.
	TreeID uint32
)

// IndexSpace is a handle to a set of points.
type IndexSpace struct {
	ID IndexSpaceID
}

// Nil reports whether the handle is empty.
func (is IndexSpace) Nil() bool { return is.ID == 0 }

// IndexPartition is a handle to a partitioning of an index space.
type IndexPartition struct {
	ID IndexPartitionID
}

// Nil reports whether the handle is empty.
func (ip IndexPartition) Nil() bool { return ip.ID == 0 }

// FieldSpace is a handle to a set of fields.
type FieldSpace struct {
	ID FieldSpaceID
}

// Nil reports whether the handle is empty.
func (fs FieldSpace) Nil() bool { return fs.ID == 0 }

// LogicalRegion names (tree, index space, field space).
type LogicalRegion struct {
	Tree       TreeID
	IndexSpace IndexSpace
	FieldSpace FieldSpace
}

// Nil reports whether the handle is empty.
func (lr LogicalRegion) Nil() bool { return lr.Tree == 0 }

// LogicalPartition names a partition view of a region tree.
type LogicalPartition struct {
	Tree       TreeID
	Partition  IndexPartitionID
	FieldSpace FieldSpace

	parentSpace IndexSpace
}

// spaceNode is the forest's record of one index space.
type spaceNode struct {
	id        IndexSpaceID
	domain    Domain
	parent    IndexPartitionID // 0 for a root space
	color     int64
	destroyed bool
}

// partNode is the forest's record of one index partition.
type partNode struct {
	id         IndexPartitionID
	parent     IndexSpaceID
	disjoint   bool
	colorSpace Domain
	subspaces  map[int64]IndexSpaceID
	destroyed  bool
}

// fieldInfo records one allocated field.
type fieldInfo struct {
	size uint64
}

// fieldSpaceNode is the forest's record of one field space.
type fieldSpaceNode struct {
	id        FieldSpaceID
	nextField FieldID
	fields    map[FieldID]fieldInfo
	destroyed bool
}

// treeNode is the forest's record of one region tree.
type treeNode struct {
	id        TreeID
	root      LogicalRegion
	version   uint64
	destroyed bool
}

// Forest is the shared region-tree metadata every context on the node reads.
// Its lifetime exceeds any context's. Creation and destruction are
// serialized; reads take the shared lock.
type Forest struct {
	mu sync.RWMutex

	nextSpace IndexSpaceID
	nextPart  IndexPartitionID
	nextFS    FieldSpaceID
	nextTree  TreeID

	spaces      map[IndexSpaceID]*spaceNode
	partitions  map[IndexPartitionID]*partNode
	fieldSpaces map[FieldSpaceID]*fieldSpaceNode
	trees       map[TreeID]*treeNode
}

// NewForest creates an empty forest.
func NewForest() *Forest {
	return &Forest{
		spaces:      make(map[IndexSpaceID]*spaceNode),
		partitions:  make(map[IndexPartitionID]*partNode),
		fieldSpaces: make(map[FieldSpaceID]*fieldSpaceNode),
		trees:       make(map[TreeID]*treeNode),
	}
}

// CreateIndexSpace creates a root index space over the given domain.
func (f *Forest) CreateIndexSpace(domain Domain) IndexSpace {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSpace++
	id := f.nextSpace
	f.spaces[id] = &spaceNode{id: id, domain: domain}

	return IndexSpace{ID: id}
}

// IndexSpaceDomain returns the domain of an index space.
func (f *Forest) IndexSpaceDomain(is IndexSpace) (Domain, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, ok := f.spaces[is.ID]
	if !ok {
		return Domain{}, fmt.Errorf("%w: index space %d", ErrUnknownHandle, is.ID)
	}

	return node.domain, nil
}

// DestroyIndexSpace marks the index space destroyed and bumps every tree
// rooted in it.
func (f *Forest) DestroyIndexSpace(is IndexSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.spaces[is.ID]
	if !ok {
		return fmt.Errorf("%w: index space %d", ErrUnknownHandle, is.ID)
	}

	if node.destroyed {
		return fmt.Errorf("%w: index space %d", ErrDestroyed, is.ID)
	}

	node.destroyed = true
	f.bumpTreesOfSpace(is.ID)

	return nil
}

// CreatePartition creates a partition of parent over the given color space.
// Subspaces are registered per color with SetSubspace or created on demand
// by Subspace.
func (f *Forest) CreatePartition(parent IndexSpace, colorSpace Domain, disjoint bool) (IndexPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.spaces[parent.ID]; !ok {
		return IndexPartition{}, fmt.Errorf("%w: index space %d", ErrUnknownHandle, parent.ID)
	}

	f.nextPart++
	id := f.nextPart
	f.partitions[id] = &partNode{
		id:         id,
		parent:     parent.ID,
		disjoint:   disjoint,
		colorSpace: colorSpace,
		subspaces:  make(map[int64]IndexSpaceID),
	}

	return IndexPartition{ID: id}, nil
}

// SetSubspace installs the domain for one color of a partition.
func (f *Forest) SetSubspace(part IndexPartition, color int64, domain Domain) (IndexSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.setSubspaceLocked(part, color, domain)
}

func (f *Forest) setSubspaceLocked(part IndexPartition, color int64, domain Domain) (IndexSpace, error) {
	pn, ok := f.partitions[part.ID]
	if !ok {
		return IndexSpace{}, fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	if existing, ok := pn.subspaces[color]; ok {
		f.spaces[existing].domain = domain

		return IndexSpace{ID: existing}, nil
	}

	f.nextSpace++
	id := f.nextSpace
	f.spaces[id] = &spaceNode{id: id, domain: domain, parent: part.ID, color: color}
	pn.subspaces[color] = id

	return IndexSpace{ID: id}, nil
}

// Subspace returns the child index space of a partition at the given color,
// creating an empty one if it was never set.
func (f *Forest) Subspace(part IndexPartition, color int64) (IndexSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pn, ok := f.partitions[part.ID]
	if !ok {
		return IndexSpace{}, fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	if id, ok := pn.subspaces[color]; ok {
		return IndexSpace{ID: id}, nil
	}

	return f.setSubspaceLocked(part, color, Domain{})
}

// PartitionDisjoint reports whether the partition was declared disjoint.
func (f *Forest) PartitionDisjoint(part IndexPartition) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pn, ok := f.partitions[part.ID]
	if !ok {
		return false, fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	return pn.disjoint, nil
}

// PartitionColorSpace returns the partition's color space.
func (f *Forest) PartitionColorSpace(part IndexPartition) (Domain, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pn, ok := f.partitions[part.ID]
	if !ok {
		return Domain{}, fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	return pn.colorSpace, nil
}

// DestroyPartition marks the partition destroyed and bumps affected trees.
func (f *Forest) DestroyPartition(part IndexPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pn, ok := f.partitions[part.ID]
	if !ok {
		return fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	if pn.destroyed {
		return fmt.Errorf("%w: partition %d", ErrDestroyed, part.ID)
	}

	pn.destroyed = true
	f.bumpTreesOfSpace(pn.parent)

	return nil
}

// CreateFieldSpace creates an empty field space.
func (f *Forest) CreateFieldSpace() FieldSpace {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextFS++
	id := f.nextFS
	f.fieldSpaces[id] = &fieldSpaceNode{id: id, fields: make(map[FieldID]fieldInfo)}

	return FieldSpace{ID: id}
}

// AllocateField allocates a fresh field id in the field space. When wanted
// is nonzero that exact id is claimed; otherwise the next free id is chosen.
// No two callers ever receive the same id.
func (f *Forest) AllocateField(fs FieldSpace, sizeBytes uint64, wanted FieldID) (FieldID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.fieldSpaces[fs.ID]
	if !ok {
		return 0, fmt.Errorf("%w: field space %d", ErrUnknownHandle, fs.ID)
	}

	if node.destroyed {
		return 0, fmt.Errorf("%w: field space %d", ErrDestroyed, fs.ID)
	}

	if wanted != 0 {
		if _, exists := node.fields[wanted]; exists {
			return 0, fmt.Errorf("%w: field %d", ErrFieldAllocated, wanted)
		}

		node.fields[wanted] = fieldInfo{size: sizeBytes}

		return wanted, nil
	}

	for node.nextField < MaxFieldsPerSpace {
		id := node.nextField
		node.nextField++

		if _, exists := node.fields[id]; exists {
			continue
		}

		node.fields[id] = fieldInfo{size: sizeBytes}

		return id, nil
	}

	return 0, fmt.Errorf("%w: field space %d", ErrFieldSpaceFull, fs.ID)
}

// FreeField releases a field id.
func (f *Forest) FreeField(fs FieldSpace, id FieldID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.fieldSpaces[fs.ID]
	if !ok {
		return fmt.Errorf("%w: field space %d", ErrUnknownHandle, fs.ID)
	}

	if _, exists := node.fields[id]; !exists {
		return fmt.Errorf("%w: field %d", ErrUnknownHandle, id)
	}

	delete(node.fields, id)

	return nil
}

// FieldAllocated reports whether a field id is live in the field space.
func (f *Forest) FieldAllocated(fs FieldSpace, id FieldID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, ok := f.fieldSpaces[fs.ID]
	if !ok {
		return false
	}

	_, exists := node.fields[id]

	return exists
}

// DestroyFieldSpace marks the field space destroyed.
func (f *Forest) DestroyFieldSpace(fs FieldSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.fieldSpaces[fs.ID]
	if !ok {
		return fmt.Errorf("%w: field space %d", ErrUnknownHandle, fs.ID)
	}

	if node.destroyed {
		return fmt.Errorf("%w: field space %d", ErrDestroyed, fs.ID)
	}

	node.destroyed = true

	return nil
}

// CreateLogicalRegion creates a fresh region tree rooted at (is, fs).
func (f *Forest) CreateLogicalRegion(is IndexSpace, fs FieldSpace) (LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.spaces[is.ID]; !ok {
		return LogicalRegion{}, fmt.Errorf("%w: index space %d", ErrUnknownHandle, is.ID)
	}

	if _, ok := f.fieldSpaces[fs.ID]; !ok {
		return LogicalRegion{}, fmt.Errorf("%w: field space %d", ErrUnknownHandle, fs.ID)
	}

	f.nextTree++
	id := f.nextTree
	root := LogicalRegion{Tree: id, IndexSpace: is, FieldSpace: fs}
	f.trees[id] = &treeNode{id: id, root: root}

	return root, nil
}

// DestroyLogicalRegion marks the tree destroyed and bumps its version so
// trace templates touching it are invalidated.
func (f *Forest) DestroyLogicalRegion(lr LogicalRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tn, ok := f.trees[lr.Tree]
	if !ok {
		return fmt.Errorf("%w: tree %d", ErrUnknownHandle, lr.Tree)
	}

	if tn.destroyed {
		return fmt.Errorf("%w: tree %d", ErrDestroyed, lr.Tree)
	}

	tn.destroyed = true
	tn.version++

	return nil
}

// TreeDestroyed reports whether the region tree has been destroyed.
func (f *Forest) TreeDestroyed(tree TreeID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tn, ok := f.trees[tree]

	return !ok || tn.destroyed
}

// TreeVersion returns the tree's structural version. It changes whenever the
// tree is destroyed or its equivalence sets are reset.
func (f *Forest) TreeVersion(tree TreeID) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tn, ok := f.trees[tree]
	if !ok {
		return 0
	}

	return tn.version
}

// ResetEquivalenceSets bumps the tree version, invalidating cached analyses
// (trace templates, remote-context caches) built on the old structure.
func (f *Forest) ResetEquivalenceSets(tree TreeID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tn, ok := f.trees[tree]
	if ok {
		tn.version++
	}
}

// GetLogicalPartition returns the partition view of a region.
func (f *Forest) GetLogicalPartition(lr LogicalRegion, part IndexPartition) (LogicalPartition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pn, ok := f.partitions[part.ID]
	if !ok {
		return LogicalPartition{}, fmt.Errorf("%w: partition %d", ErrUnknownHandle, part.ID)
	}

	return LogicalPartition{
		Tree:        lr.Tree,
		Partition:   part.ID,
		FieldSpace:  lr.FieldSpace,
		parentSpace: IndexSpace{ID: pn.parent},
	}, nil
}

// GetLogicalSubregion returns the subregion of a logical partition at color.
func (f *Forest) GetLogicalSubregion(lp LogicalPartition, color int64) (LogicalRegion, error) {
	sub, err := f.Subspace(IndexPartition{ID: lp.Partition}, color)
	if err != nil {
		return LogicalRegion{}, err
	}

	return LogicalRegion{Tree: lp.Tree, IndexSpace: sub, FieldSpace: lp.FieldSpace}, nil
}

// bumpTreesOfSpace advances the version of every tree rooted at or touching
// the given index space. Caller holds the write lock.
func (f *Forest) bumpTreesOfSpace(space IndexSpaceID) {
	root := f.rootOfLocked(space)

	for _, tn := range f.trees {
		if f.rootOfLocked(tn.root.IndexSpace.ID) == root {
			tn.version++
		}
	}
}

// rootOfLocked walks to the root index space. Caller holds a lock.
func (f *Forest) rootOfLocked(space IndexSpaceID) IndexSpaceID {
	for {
		node, ok := f.spaces[space]
		if !ok || node.parent == 0 {
			return space
		}

		pn, ok := f.partitions[node.parent]
		if !ok {
			return space
		}

		space = pn.parent
	}
}

// ancestorStep records one upward hop from a subspace through its partition.
type ancestorStep struct {
	space IndexSpaceID
	part  IndexPartitionID
	color int64
}

// pathToRoot returns the chain of (space, partition, color) hops from the
// given space to its root, innermost first. Caller holds a lock.
func (f *Forest) pathToRoot(space IndexSpaceID) []ancestorStep {
	var path []ancestorStep

	for {
		node, ok := f.spaces[space]
		if !ok {
			return path
		}

		path = append(path, ancestorStep{space: space, part: node.parent, color: node.color})

		if node.parent == 0 {
			return path
		}

		pn, ok := f.partitions[node.parent]
		if !ok {
			return path
		}

		space = pn.parent
	}
}

// mayAlias reports whether two index spaces can share points. Subspaces with
// different colors under a common disjoint partition are provably disjoint;
// non-overlapping domains are disjoint; everything else is conservatively
// aliased.
func (f *Forest) mayAlias(a, b IndexSpace) bool {
	if a.ID == b.ID {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	an, aok := f.spaces[a.ID]
	bn, bok := f.spaces[b.ID]

	if !aok || !bok {
		return true // unknown handles: stay conservative
	}

	if !an.domain.Empty() && !bn.domain.Empty() && !an.domain.Overlaps(bn.domain) {
		return false
	}

	pathA := f.pathToRoot(a.ID)
	pathB := f.pathToRoot(b.ID)

	if pathA[len(pathA)-1].space != pathB[len(pathB)-1].space {
		// Different index trees never share points.
		return false
	}

	// Walk down from the shared root until the paths diverge.
	i, j := len(pathA)-1, len(pathB)-1
	for i > 0 && j > 0 && pathA[i-1].space == pathB[j-1].space {
		i--
		j--
	}

	if i == 0 || j == 0 {
		// One space is an ancestor of the other.
		return true
	}

	stepA, stepB := pathA[i-1], pathB[j-1]
	if stepA.part == stepB.part {
		pn, ok := f.partitions[stepA.part]
		if ok && pn.disjoint && stepA.color != stepB.color {
			return false
		}
	}

	return true
}

// MayAlias is the exported aliasing query used by dependence analysis on
// concrete region pairs.
func (f *Forest) MayAlias(a, b IndexSpace) bool {
	return f.mayAlias(a, b)
}
