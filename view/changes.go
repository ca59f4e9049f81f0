package view

import (
	"github.com/mitchellh/hashstructure"
)

// Changes summarizes what a write did to one node. It feeds valid-edit
// checks and change callbacks.
type Changes struct {
	// New reports whether the node was created by this request.
	New bool
	// ChangedAttributes lists the wire names of changed attributes.
	ChangedAttributes []string `hash:"set"`
	// ChangedAssociations lists the wire names of changed associations.
	ChangedAssociations []string `hash:"set"`
	// ChangedChildren reports whether anything changed below this node.
	ChangedChildren bool
	// Deleted reports whether the node was destroyed.
	Deleted bool
}

// Changed reports whether the node itself was touched.
func (c Changes) Changed() bool {
	return c.New || c.Deleted || len(c.ChangedAttributes) > 0 || len(c.ChangedAssociations) > 0
}

// Equal compares two summaries, order-insensitive on the attribute and
// association sets.
func (c Changes) Equal(other Changes) bool {
	return c.hash() == other.hash()
}

func (c Changes) hash() uint64 {
	h, err := hashstructure.Hash(c, nil)
	if err != nil {
		// Changes is hashable by construction.
		panic(err)
	}
	return h
}
