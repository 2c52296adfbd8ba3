package inflight

// Index arithmetic over a circular slice of length n.

func next(i, n int) int {
	if i+1 >= n {
		return 0
	}
	return i + 1
}

// advance moves i forward by k positions, wrapping around n. k may be negative.
func advance(i, k, n int) int {
	return ((i+k)%n + n) % n
}

// distance is the number of forward steps from i to j.
func distance(i, j, n int) int {
	return advance(j, -i, n)
}
