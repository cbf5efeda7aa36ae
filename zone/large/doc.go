// Package large implements the large size class: every block is its own
// page-aligned mapping, tracked in an open-addressed table of
// {address, size} entries that lives in mapped memory next to the zone
// descriptor.
//
// Freed blocks up to CacheLimit/16 bytes are parked on death row, a ring of
// 16 entries kept in time order inside the descriptor. An allocation first
// takes the best fit from death row, newest first, unless the fit would
// waste as much as it serves. The ring evicts its oldest entries when it is
// full or over its byte limit. Once it holds more than 1 MiB the flotsam flag
// is raised; MemoryPressure then drains it below 512 KiB.
package large
