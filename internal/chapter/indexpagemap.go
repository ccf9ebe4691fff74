package chapter

// IndexPageMap records, for each physical chapter's index pages, the
// highest-numbered delta list stored on that page (§4.4). It is persisted as
// one layout page per save slot and rebuilt during recovery by reading each
// chapter's index pages directly.
type IndexPageMap struct {
	// perChapter[physicalChapter][indexPage] = highest delta list number.
	perChapter map[uint32][]uint32
}

// NewIndexPageMap builds an empty map.
func NewIndexPageMap() *IndexPageMap {
	return &IndexPageMap{perChapter: make(map[uint32][]uint32)}
}

// SetHighestDeltaList records that indexPage within physicalChapter holds
// delta lists up through highestList.
func (m *IndexPageMap) SetHighestDeltaList(physicalChapter uint32, indexPage int, highestList uint32) {
	pages, ok := m.perChapter[physicalChapter]
	if !ok || len(pages) <= indexPage {
		grown := make([]uint32, indexPage+1)
		copy(grown, pages)
		pages = grown
	}
	pages[indexPage] = highestList
	m.perChapter[physicalChapter] = pages
}

// HighestDeltaList returns the highest delta list recorded for indexPage
// within physicalChapter, and whether an entry exists.
func (m *IndexPageMap) HighestDeltaList(physicalChapter uint32, indexPage int) (uint32, bool) {
	pages, ok := m.perChapter[physicalChapter]
	if !ok || indexPage >= len(pages) {
		return 0, false
	}
	return pages[indexPage], true
}

// Forget drops every recorded entry for physicalChapter, used when that
// chapter is overwritten or expires from the window.
func (m *IndexPageMap) Forget(physicalChapter uint32) {
	delete(m.perChapter, physicalChapter)
}

// DiscontiguousRanges reports physical chapters whose recorded per-page
// highest-list sequence is not non-decreasing, treated as corruption during
// rebuild (§4.6).
func (m *IndexPageMap) DiscontiguousRanges() []uint32 {
	var bad []uint32
	for chapter, pages := range m.perChapter {
		for i := 1; i < len(pages); i++ {
			if pages[i] < pages[i-1] {
				bad = append(bad, chapter)
				break
			}
		}
	}
	return bad
}
