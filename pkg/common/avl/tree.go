// Copyright 2021 - 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package avl implements an ordered AVL index whose nodes keep parent
// pointers and descendant counts. Deletion rotates the doomed node down
// toward its shorter side until it becomes a leaf and then unlinks it, so
// a node is never swapped with its successor.
package avl

import (
	"golang.org/x/exp/constraints"
)

// Direction selects the order of a walk.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

const (
	left  = 0
	right = 1
)

type node[K any, V any] struct {
	key    K
	value  V
	parent *node[K, V]
	child  [2]*node[K, V]
	// height of the subtree rooted here, a leaf is 1.
	height int
	// number of nodes below this one.
	descendants int
}

func height[K any, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func size[K any, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.descendants + 1
}

func (n *node[K, V]) balance() int {
	return height(n.child[left]) - height(n.child[right])
}

func (n *node[K, V]) fixHeight() {
	l, r := height(n.child[left]), height(n.child[right])
	if l > r {
		n.height = l + 1
	} else {
		n.height = r + 1
	}
}

func (n *node[K, V]) fixDescendants() {
	n.descendants = size(n.child[left]) + size(n.child[right])
}

// Tree is an AVL tree keyed by K. It is not safe for concurrent use.
type Tree[K any, V any] struct {
	root    *node[K, V]
	compare func(a, b K) int
}

// New returns an empty tree ordered by compare, which must return a
// negative number, zero or a positive number when a is less than, equal
// to or greater than b.
func New[K any, V any](compare func(a, b K) int) *Tree[K, V] {
	return &Tree[K, V]{compare: compare}
}

// NewOrdered returns an empty tree ordered by the natural order of K.
func NewOrdered[K constraints.Ordered, V any]() *Tree[K, V] {
	return New[K, V](func(a, b K) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
}

// Insert adds key with value. It returns false and leaves the tree
// untouched when key is already present.
func (t *Tree[K, V]) Insert(key K, value V) bool {
	return t.insert(&t.root, nil, key, value)
}

func (t *Tree[K, V]) insert(rootp **node[K, V], parent *node[K, V], key K, value V) bool {
	root := *rootp
	if root == nil {
		*rootp = &node[K, V]{
			key:    key,
			value:  value,
			parent: parent,
			height: 1,
		}
		for p := parent; p != nil; p = p.parent {
			p.descendants++
		}
		return true
	}

	c := t.compare(key, root.key)
	if c == 0 {
		return false
	}
	dir := left
	if c > 0 {
		dir = right
	}
	if !t.insert(&root.child[dir], root, key, value) {
		return false
	}
	t.rebalance(rootp)
	return true
}

// Query returns a pointer to the value stored under key. The pointer
// stays valid until key is deleted.
func (t *Tree[K, V]) Query(key K) (*V, bool) {
	n := t.root
	for n != nil {
		c := t.compare(key, n.key)
		switch {
		case c == 0:
			return &n.value, true
		case c < 0:
			n = n.child[left]
		default:
			n = n.child[right]
		}
	}
	return nil, false
}

// Delete removes key and returns the value it held.
func (t *Tree[K, V]) Delete(key K) (V, bool) {
	return t.delete(&t.root, key)
}

func (t *Tree[K, V]) delete(rootp **node[K, V], key K) (V, bool) {
	root := *rootp
	if root == nil {
		var zero V
		return zero, false
	}

	c := t.compare(key, root.key)
	if c == 0 {
		// promote the taller child, the left one on ties
		dir := left
		if root.balance() < 0 {
			dir = right
		}
		if t.rotate(rootp, dir) == nil {
			return root.value, true
		}
		root = *rootp
		c = t.compare(key, root.key)
	}

	dir := left
	if c > 0 {
		dir = right
	}
	v, ok := t.delete(&root.child[dir], key)
	if ok {
		t.rebalance(rootp)
	}
	return v, ok
}

// rotate promotes (*rootp).child[dir] into *rootp and returns it. When
// that child is missing the node is a leaf: it is unlinked, every
// ancestor loses one descendant and nil is returned.
func (t *Tree[K, V]) rotate(rootp **node[K, V], dir int) *node[K, V] {
	old := *rootp
	n := old.child[dir]
	if n == nil {
		for p := old.parent; p != nil; p = p.parent {
			p.descendants--
		}
		old.parent = nil
		*rootp = nil
		return nil
	}

	inner := n.child[1-dir]
	old.child[dir] = inner
	if inner != nil {
		inner.parent = old
	}
	old.fixHeight()
	old.fixDescendants()

	n.child[1-dir] = old
	n.parent = old.parent
	old.parent = n
	n.fixHeight()
	n.fixDescendants()

	*rootp = n
	return n
}

// rebalance restores the AVL property of the subtree at *rootp, assuming
// both of its children are already balanced. Unlinking a rotated-down
// leaf may leave a node three levels out of balance, so the subtrees the
// rotation rearranged are checked again before the root is re-examined.
func (t *Tree[K, V]) rebalance(rootp **node[K, V]) {
	root := *rootp
	if root == nil {
		return
	}
	root.fixHeight()
	for {
		b := root.balance()
		if b >= -1 && b <= 1 {
			return
		}
		dir := left
		if b < 0 {
			dir = right
		}
		// double rotation when the deeper child leans the other way
		if cb := root.child[dir].balance(); (b > 0 && cb < 0) || (b < 0 && cb > 0) {
			t.rotate(&root.child[dir], 1-dir)
		}
		root = t.rotate(rootp, dir)
		t.rebalance(&root.child[left])
		t.rebalance(&root.child[right])
		root.fixHeight()
	}
}

// Walk visits the tree in order. fn receives the key, a pointer to the
// value and the depth of the node (the root is at depth 0); returning
// false stops the walk.
func (t *Tree[K, V]) Walk(dir Direction, fn func(key K, value *V, depth int) bool) {
	walkIn(t.root, first(dir), 0, fn)
}

// WalkPre visits every node before its children, the children in the
// order given by dir.
func (t *Tree[K, V]) WalkPre(dir Direction, fn func(key K, value *V, depth int) bool) {
	walkPre(t.root, first(dir), 0, fn)
}

func first(dir Direction) int {
	if dir == Descending {
		return right
	}
	return left
}

func walkIn[K any, V any](n *node[K, V], d, depth int, fn func(K, *V, int) bool) bool {
	if n == nil {
		return true
	}
	return walkIn(n.child[d], d, depth+1, fn) &&
		fn(n.key, &n.value, depth) &&
		walkIn(n.child[1-d], d, depth+1, fn)
}

func walkPre[K any, V any](n *node[K, V], d, depth int, fn func(K, *V, int) bool) bool {
	if n == nil {
		return true
	}
	return fn(n.key, &n.value, depth) &&
		walkPre(n.child[d], d, depth+1, fn) &&
		walkPre(n.child[1-d], d, depth+1, fn)
}

// Destroy empties the tree, handing every entry to fn after both of its
// subtrees. fn may be nil.
func (t *Tree[K, V]) Destroy(fn func(key K, value V)) {
	destroy(t.root, fn)
	t.root = nil
}

func destroy[K any, V any](n *node[K, V], fn func(K, V)) {
	if n == nil {
		return
	}
	destroy(n.child[left], fn)
	destroy(n.child[right], fn)
	n.child = [2]*node[K, V]{}
	n.parent = nil
	if fn != nil {
		fn(n.key, n.value)
	}
}

// Len returns the number of entries.
func (t *Tree[K, V]) Len() int {
	return size(t.root)
}

// Height returns the height of the tree, 0 when empty.
func (t *Tree[K, V]) Height() int {
	return height(t.root)
}

// Rank returns the number of keys smaller than key.
func (t *Tree[K, V]) Rank(key K) int {
	rank := 0
	n := t.root
	for n != nil {
		if t.compare(key, n.key) <= 0 {
			n = n.child[left]
		} else {
			rank += size(n.child[left]) + 1
			n = n.child[right]
		}
	}
	return rank
}
