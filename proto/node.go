package proto

import "time"

// Node describes a registered storage node as exposed by the directory.
type Node struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	PublicAddress  string    `json:"public_address,omitempty"`
	AvailableBytes uint64    `json:"available_bytes"`
	LastSeen       time.Time `json:"last_seen"`
	Alive          bool      `json:"alive"`
}

// RedirectAddress returns the address clients should use for direct
// transfers, preferring the node's advertised public address.
func (n *Node) RedirectAddress() string {
	if n.PublicAddress != "" {
		return n.PublicAddress
	}
	return n.Address
}
