package view

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangesChanged(t *testing.T) {
	require := require.New(t)

	require.False(Changes{}.Changed())
	require.True(Changes{New: true}.Changed())
	require.True(Changes{Deleted: true}.Changed())
	require.True(Changes{ChangedAttributes: []string{"title"}}.Changed())
	require.True(Changes{ChangedAssociations: []string{"notes"}}.Changed())
	require.False(Changes{ChangedChildren: true}.Changed())
}

func TestChangesEqualIgnoresOrder(t *testing.T) {
	require := require.New(t)

	a := Changes{ChangedAttributes: []string{"title", "body"}, ChangedAssociations: []string{"notes"}}
	b := Changes{ChangedAttributes: []string{"body", "title"}, ChangedAssociations: []string{"notes"}}
	require.True(a.Equal(b))

	c := Changes{ChangedAttributes: []string{"title"}}
	require.False(a.Equal(c))

	d := Changes{New: true, ChangedAttributes: []string{"title", "body"}, ChangedAssociations: []string{"notes"}}
	require.False(a.Equal(d))
}
