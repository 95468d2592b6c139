// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import "cmp"

// Ordered is implemented by types with a total order that isn't expressible
// with Go's builtin comparison operators, such as btrfsprim.Key (compared
// field-by-field) or btrfsprim.UUID (compared byte-by-byte).
type Ordered[T any] interface {
	Compare(T) int
}

// NativeCompare adapts any stdlib-ordered type (one usable with Go's builtin
// comparison operators) to the three-way Compare signature Ordered wants.
func NativeCompare[T cmp.Ordered](a, b T) int {
	return cmp.Compare(a, b)
}
