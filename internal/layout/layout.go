package layout

// BlockSize is the on-disk block granularity every layout structure is
// aligned to (§6 "On-disk layout"). Matches the page size used throughout
// the volume so the geometry, superblock, and save-slot regions can be
// addressed with the same block arithmetic as the data region.
const BlockSize = 4096

// SaveSlotCount is the number of alternating save slots a volume keeps, so
// a save to the non-active slot can never clobber the last known-good one
// mid-write (§6, §8 scenario 5 "corrupt-primary-slot fallback").
const SaveSlotCount = 2
