package events

// Direction moves the displayed alert index.
type Direction int

const (
	Next Direction = iota
	Previous
)

func (d Direction) String() string {
	if d == Previous {
		return "previous"
	}
	return "next"
}

// Step moves i within a list of length n with wraparound in both directions.
// With an empty list it returns i unchanged.
func Step(i, n int, dir Direction) int {
	if n <= 0 {
		return i
	}
	i = Clamp(i, n)
	if dir == Previous {
		return (i - 1 + n) % n
	}
	return (i + 1) % n
}

// Clamp keeps i inside [0, n). An empty list clamps to 0.
func Clamp(i, n int) int {
	if n <= 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
