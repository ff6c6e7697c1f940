package conversation

import "slices"

// Archive is the ordered history of archived conversations, most recent
// last. Entries are addressed by position only.
type Archive struct {
	handles []Handle
}

func NewArchive() *Archive {
	return &Archive{}
}

// Append adds h at the tail.
func (a *Archive) Append(h Handle) {
	a.handles = append(a.handles, h)
}

// At returns the handle stored at index.
func (a *Archive) At(index int) (Handle, bool) {
	if index < 0 || index >= len(a.handles) {
		return 0, false
	}
	return a.handles[index], true
}

// RemoveAt deletes the entry at index, shifting later entries down by one.
func (a *Archive) RemoveAt(index int) (Handle, bool) {
	h, ok := a.At(index)
	if !ok {
		return 0, false
	}
	a.handles = slices.Delete(a.handles, index, index+1)
	return h, true
}

// Clear empties the archive and returns the removed handles.
func (a *Archive) Clear() []Handle {
	removed := a.handles
	a.handles = nil
	return removed
}

// List returns a copy of the handles in archive order.
func (a *Archive) List() []Handle {
	return slices.Clone(a.handles)
}

func (a *Archive) Len() int {
	return len(a.handles)
}
