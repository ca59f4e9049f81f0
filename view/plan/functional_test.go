package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recordview/go-recordview/view"
)

var noteDesc = view.NewBuilder("Note", 1).
	List("position").
	Attribute(view.Attribute{Name: "body", Codec: view.String}).
	Attribute(view.Attribute{Name: "position", Codec: view.Float}).
	MustBuild()

var notesAssoc = &view.Association{
	Name:        "notes",
	Cardinality: view.Many,
	Pointer:     view.RemotePointer,
	ForeignKey:  "task_id",
	Target:      "Note",
}

func noteVM(id int64) *view.ViewModel {
	return view.NewViewModel(noteDesc, view.NewMapRecord("Note", id, nil))
}

func noteData(id interface{}) *view.UpdateData {
	ud := &view.UpdateData{Descriptor: noteDesc, ID: id}
	if id == nil {
		ud.New = true
	}
	return ud
}

func refTable(uds ...*view.UpdateData) map[string]*view.UpdateData {
	refs := map[string]*view.UpdateData{}
	for _, ud := range uds {
		refs[ud.RefKey] = ud
	}
	return refs
}

func ids(t *testing.T, out []*view.UpdateData) []interface{} {
	t.Helper()
	result := make([]interface{}, len(out))
	for i, ud := range out {
		result[i] = ud.ID
	}
	return result
}

func TestFunctionalAppendAtEnd(t *testing.T) {
	require := require.New(t)

	prev := []*view.ViewModel{noteVM(1), noteVM(2)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.AppendAction{Values: []*view.UpdateData{noteData(nil)}},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, nil)
	require.NoError(err)
	require.Equal([]interface{}{int64(1), int64(2), nil}, ids(t, out))
}

func TestFunctionalAppendBeforeAnchor(t *testing.T) {
	require := require.New(t)

	anchor := noteData(int64(2))
	anchor.RefKey = "c2-ref"

	prev := []*view.ViewModel{noteVM(1), noteVM(2), noteVM(3)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.AppendAction{Values: []*view.UpdateData{noteData(nil)}, Before: "c2-ref"},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, refTable(anchor))
	require.NoError(err)
	require.Equal([]interface{}{int64(1), nil, int64(2), int64(3)}, ids(t, out))
}

func TestFunctionalAppendAfterAnchor(t *testing.T) {
	require := require.New(t)

	anchor := noteData(int64(1))
	anchor.RefKey = "c1-ref"

	prev := []*view.ViewModel{noteVM(1), noteVM(2)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.AppendAction{Values: []*view.UpdateData{noteData(nil)}, After: "c1-ref"},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, refTable(anchor))
	require.NoError(err)
	require.Equal([]interface{}{int64(1), nil, int64(2)}, ids(t, out))
}

func TestFunctionalAppendMovesExistingElement(t *testing.T) {
	require := require.New(t)

	prev := []*view.ViewModel{noteVM(1), noteVM(2), noteVM(3)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.AppendAction{Values: []*view.UpdateData{noteData(int64(1))}},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, nil)
	require.NoError(err)
	require.Equal([]interface{}{int64(2), int64(3), int64(1)}, ids(t, out))
}

func TestFunctionalRemove(t *testing.T) {
	require := require.New(t)

	gone := noteData(int64(2))
	gone.RefKey = "gone"

	prev := []*view.ViewModel{noteVM(1), noteVM(2), noteVM(3)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.RemoveAction{Keys: []string{"gone"}},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, refTable(gone))
	require.NoError(err)
	require.Equal([]interface{}{int64(1), int64(3)}, ids(t, out))
}

func TestFunctionalUpdateReplacesElement(t *testing.T) {
	require := require.New(t)

	edit := noteData(int64(2))
	edit.Attributes = map[string]interface{}{"body": "edited"}

	prev := []*view.ViewModel{noteVM(1), noteVM(2)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.UpdateAction{Values: []*view.UpdateData{edit}},
	}}
	out, err := applyFunctional(notesAssoc, prev, fu, nil)
	require.NoError(err)
	require.Len(out, 2)
	require.Equal("edited", out[1].Attributes["body"])
}

func TestFunctionalStaleUpdate(t *testing.T) {
	require := require.New(t)

	prev := []*view.ViewModel{noteVM(1)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.UpdateAction{Values: []*view.UpdateData{noteData(int64(999))}},
	}}
	_, err := applyFunctional(notesAssoc, prev, fu, nil)
	require.Error(err)

	we := view.AsWireError(err)
	require.True(view.ErrNotFound.Is(we.Unwrap()))
	require.Equal(400, we.Status)
	require.Equal("Note", we.Meta["viewmodel"])
	require.Equal(int64(999), we.Meta["id"])
}

func TestFunctionalMissingAnchor(t *testing.T) {
	require := require.New(t)

	anchor := noteData(int64(42))
	anchor.RefKey = "anchor"

	prev := []*view.ViewModel{noteVM(1)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.AppendAction{Values: []*view.UpdateData{noteData(nil)}, Before: "anchor"},
	}}
	_, err := applyFunctional(notesAssoc, prev, fu, refTable(anchor))
	require.Error(err)
	require.True(view.ErrNotFound.Is(view.AsWireError(err).Unwrap()))
}

func TestFunctionalDuplicateTouch(t *testing.T) {
	require := require.New(t)

	gone := noteData(int64(1))
	gone.RefKey = "gone"

	prev := []*view.ViewModel{noteVM(1), noteVM(2)}
	fu := &view.FunctionalUpdate{Actions: []view.FunctionalAction{
		view.RemoveAction{Keys: []string{"gone"}},
		view.AppendAction{Values: []*view.UpdateData{noteData(int64(1))}},
	}}
	_, err := applyFunctional(notesAssoc, prev, fu, refTable(gone))
	require.Error(err)
	require.True(view.ErrDuplicateReference.Is(err))
}
