// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import (
	"reflect"
	"testing"
)

type plainLeaf struct {
	a int
	b float64
}

type withTracked struct {
	x    int
	link Tracked[plainLeaf]
	y    int
}

type withNestedArray struct {
	matrix [3]withTracked
}

type withSlice struct {
	s []int
}

func TestScanFieldsLeaf(t *testing.T) {
	r := newTypeRegistry(16)
	l, err := r.layoutFor(reflect.TypeOf(plainLeaf{}))
	if err != nil {
		t.Fatalf("layoutFor: %v", err)
	}
	if len(l.children) != 0 {
		t.Fatalf("plainLeaf should have no tracked children, got %d", len(l.children))
	}
	if !l.final {
		t.Fatalf("final should be true once discovery completes, even for a leaf type")
	}
}

// TestScanFieldsTrackedOffset mirrors scenario S6: a type with exactly
// one Tracked[T] child has a one-bit children map and final == true,
// since the map is immutable the moment layoutFor returns regardless of
// whether T has any tracked-pointer fields at all.
func TestScanFieldsTrackedOffset(t *testing.T) {
	r := newTypeRegistry(16)
	typ := reflect.TypeOf(withTracked{})
	l, err := r.layoutFor(typ)
	if err != nil {
		t.Fatalf("layoutFor: %v", err)
	}
	if len(l.children) != 1 {
		t.Fatalf("children = %d, want 1", len(l.children))
	}
	wantOffset := typ.Field(1).Offset
	if l.children[0].offset != wantOffset {
		t.Fatalf("offset = %d, want %d", l.children[0].offset, wantOffset)
	}
	if l.children[0].kind != fieldKindTracked {
		t.Fatalf("kind = %v, want fieldKindTracked", l.children[0].kind)
	}
	if !l.final {
		t.Fatalf("final should be true once discovery completes, regardless of child count")
	}
}

func TestScanFieldsRecursesIntoArrays(t *testing.T) {
	r := newTypeRegistry(16)
	l, err := r.layoutFor(reflect.TypeOf(withNestedArray{}))
	if err != nil {
		t.Fatalf("layoutFor: %v", err)
	}
	if len(l.children) != 3 {
		t.Fatalf("children = %d, want 3 (one per array element)", len(l.children))
	}
}

func TestScanFieldsRejectsSlice(t *testing.T) {
	r := newTypeRegistry(16)
	_, err := r.layoutFor(reflect.TypeOf(withSlice{}))
	if err == nil {
		t.Fatalf("expected ErrUnsupportedField for a slice-bearing type")
	}
}

func TestTypeRegistryCapsCount(t *testing.T) {
	r := newTypeRegistry(1)
	if _, err := r.layoutFor(reflect.TypeOf(plainLeaf{})); err != nil {
		t.Fatalf("first layoutFor: %v", err)
	}
	if _, err := r.layoutFor(reflect.TypeOf(withTracked{})); err == nil {
		t.Fatalf("expected registry-full error on second distinct type")
	}
}
