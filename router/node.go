package router

import (
	"sync"
	"time"

	"github.com/menmos/menmos/proto"
)

type node struct {
	window time.Duration

	mu         sync.RWMutex
	record     NodeRecord
	lastSeen   time.Time
	usedBytes  uint64
	ownerBlobs map[string]int
}

func newNode(rec *NodeRecord, window time.Duration) *node {
	return &node{
		window:     window,
		record:     *rec,
		ownerBlobs: make(map[string]int),
	}
}

func (n *node) id() string {
	return n.record.ID
}

func (n *node) update(rec *NodeRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record.Address = rec.Address
	n.record.PublicAddress = rec.PublicAddress
	n.record.AvailableBytes = rec.AvailableBytes
}

func (n *node) touch(availableBytes uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSeen = time.Now()
	n.record.AvailableBytes = availableBytes
}

func (n *node) isAlive() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lastSeen.IsZero() {
		return false
	}
	return time.Since(n.lastSeen) <= n.window
}

func (n *node) availableBytes() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.record.AvailableBytes
}

func (n *node) hostsOwner(owner string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ownerBlobs[owner] > 0
}

func (n *node) onWrite(owner string, size uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.usedBytes += size
	if n.record.AvailableBytes >= size {
		n.record.AvailableBytes -= size
	} else {
		n.record.AvailableBytes = 0
	}
	n.ownerBlobs[owner]++
}

func (n *node) onDelete(owner string, size uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.usedBytes >= size {
		n.usedBytes -= size
	} else {
		n.usedBytes = 0
	}
	n.record.AvailableBytes += size
	if n.ownerBlobs[owner] > 1 {
		n.ownerBlobs[owner]--
	} else {
		delete(n.ownerBlobs, owner)
	}
}

func (n *node) onResize(oldSize, newSize uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if newSize >= oldSize {
		delta := newSize - oldSize
		n.usedBytes += delta
		if n.record.AvailableBytes >= delta {
			n.record.AvailableBytes -= delta
		} else {
			n.record.AvailableBytes = 0
		}
		return
	}
	delta := oldSize - newSize
	if n.usedBytes >= delta {
		n.usedBytes -= delta
	} else {
		n.usedBytes = 0
	}
	n.record.AvailableBytes += delta
}

func (n *node) view() *proto.Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return &proto.Node{
		ID:             n.record.ID,
		Address:        n.record.Address,
		PublicAddress:  n.record.PublicAddress,
		AvailableBytes: n.record.AvailableBytes,
		LastSeen:       n.lastSeen,
		Alive:          !n.lastSeen.IsZero() && time.Since(n.lastSeen) <= n.window,
	}
}
