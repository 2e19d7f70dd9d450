package paperwatch

import "slices"

// TaskComplete reports whether id has emitted the completion sentinel.
func TaskComplete(completed []TaskID, id TaskID) bool {
	return slices.Contains(completed, id)
}

// BatchComplete reports whether every active task is also completed.
// An empty active set is trivially complete.
func BatchComplete(active, completed []TaskID) bool {
	for _, id := range active {
		if !slices.Contains(completed, id) {
			return false
		}
	}
	return true
}
