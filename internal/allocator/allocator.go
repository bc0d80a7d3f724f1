// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package allocator chooses target cells for new placements.
//
// The allocator keeps an in-memory occupancy bitmap as a hint. It is an
// advisory view only: the occupancy store's insert is the arbiter of
// cell ownership, so a cell the allocator believed free may still lose
// the commit race. Callers treat that as a signal to allocate again.
package allocator

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/metrics"
)

// ErrNoFreeSlot is returned when the sample budget is exhausted without
// finding a free cell, or when the grid is provably full.
var ErrNoFreeSlot = errors.New("no free slot found")

// Occupancy is a bitmap over the grid. One bit per cell; safe for
// concurrent use.
type Occupancy struct {
	mu    sync.RWMutex
	bits  []uint64
	count int
}

// NewOccupancy returns an all-free bitmap.
func NewOccupancy() *Occupancy {
	return &Occupancy{
		bits: make([]uint64, (grid.Width*grid.Height+63)/64),
	}
}

func bitIndex(c grid.Cell) (word int, mask uint64) {
	idx := c.Y*grid.Width + c.X
	return idx / 64, 1 << uint(idx%64)
}

// Mark records a cell as occupied. Marking twice is harmless.
func (o *Occupancy) Mark(c grid.Cell) {
	if !c.InBounds() {
		return
	}
	word, mask := bitIndex(c)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bits[word]&mask == 0 {
		o.bits[word] |= mask
		o.count++
	}
}

// Clear records a cell as free again. Only the upload rollback path
// uses this.
func (o *Occupancy) Clear(c grid.Cell) {
	if !c.InBounds() {
		return
	}
	word, mask := bitIndex(c)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bits[word]&mask != 0 {
		o.bits[word] &^= mask
		o.count--
	}
}

// IsFree reports whether the cell is believed free.
func (o *Occupancy) IsFree(c grid.Cell) bool {
	word, mask := bitIndex(c)

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bits[word]&mask == 0
}

// Count returns the number of occupied cells.
func (o *Occupancy) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.count
}

// Full reports whether every cell is occupied.
func (o *Occupancy) Full() bool {
	return o.Count() >= grid.Width*grid.Height
}

// Allocator picks cells for placements that did not request one.
type Allocator struct {
	occupancy    *Occupancy
	sampleBudget int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Allocator drawing from the given occupancy view.
// sampleBudget bounds the random draws per allocation.
func New(occupancy *Occupancy, sampleBudget int) *Allocator {
	return &Allocator{
		occupancy:    occupancy,
		sampleBudget: sampleBudget,
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Occupancy returns the allocator's occupancy view so commit paths can
// keep it current.
func (a *Allocator) Occupancy() *Occupancy {
	return a.occupancy
}

// Allocate returns a target cell for a new placement.
//
// With a requested cell the coordinates are clamped into bounds and
// returned as-is, occupied or not; the commit will report the conflict.
// Without one, the allocator rejection-samples uniformly over the grid
// until it draws a believed-free cell or the budget runs out.
func (a *Allocator) Allocate(requested *grid.Cell) (grid.Cell, error) {
	if requested != nil {
		return requested.Clamp(), nil
	}

	if a.occupancy.Full() {
		return grid.Cell{}, ErrNoFreeSlot
	}

	for attempt := 1; attempt <= a.sampleBudget; attempt++ {
		c := a.randomCell()
		if a.occupancy.IsFree(c) {
			metrics.AllocationSamples.Observe(float64(attempt))
			return c, nil
		}
	}

	metrics.AllocationSamples.Observe(float64(a.sampleBudget))
	return grid.Cell{}, ErrNoFreeSlot
}

func (a *Allocator) randomCell() grid.Cell {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return grid.Cell{
		X: a.rng.IntN(grid.Width),
		Y: a.rng.IntN(grid.Height),
	}
}
