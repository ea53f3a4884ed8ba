package util

// Batch splits elements into consecutive slices of at most batchSize elements, preserving order.
// The returned slices share the backing array of elements.
func Batch[T any](elements []T, batchSize int) [][]T {
	if batchSize <= 0 {
		batchSize = 1
	}
	total := len(elements)
	totalBatches := (total + batchSize - 1) / batchSize
	batches := make([][]T, 0, totalBatches)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batches = append(batches, elements[start:end])
	}
	return batches
}
