package conversation

import (
	"slices"
	"time"
)

// Arena owns every live timeline. The active conversation and the archived
// ones are disjoint handle sets over the same arena, so no two of them share
// a message slice.
//
// Arena is not safe for concurrent use; the session manager loop owns it.
type Arena struct {
	next      Handle
	timelines map[Handle]*Timeline
	now       func() time.Time
}

func NewArena() *Arena {
	return &Arena{
		timelines: make(map[Handle]*Timeline),
		now:       time.Now,
	}
}

// Create allocates an empty timeline under a fresh handle.
func (a *Arena) Create() *Timeline {
	a.next++
	tl := newTimeline(a.next, a.now())
	a.timelines[tl.handle] = tl
	return tl
}

// Get returns the timeline for h, or nil when it was dropped.
func (a *Arena) Get(h Handle) *Timeline {
	return a.timelines[h]
}

// Clone copies the timeline behind h into a fresh handle. Messages are
// immutable, so only the slice is copied.
func (a *Arena) Clone(h Handle) *Timeline {
	src, ok := a.timelines[h]
	if !ok {
		return nil
	}
	dst := a.Create()
	dst.messages = src.Messages()
	return dst
}

// Drop forgets the timeline behind h.
func (a *Arena) Drop(h Handle) {
	delete(a.timelines, h)
}

func (a *Arena) Len() int {
	return len(a.timelines)
}

// Referenced reports whether any live timeline still holds the attachment ref.
func (a *Arena) Referenced(ref string) bool {
	for _, tl := range a.timelines {
		for _, att := range tl.Attachments() {
			if att.Ref == ref {
				return true
			}
		}
	}
	return false
}

// Refs lists the distinct attachment refs held by live timelines, sorted.
func (a *Arena) Refs() []string {
	seen := make(map[string]struct{})
	for _, tl := range a.timelines {
		for _, att := range tl.Attachments() {
			seen[att.Ref] = struct{}{}
		}
	}
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}
