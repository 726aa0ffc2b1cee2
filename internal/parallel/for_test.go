package parallel

import "testing"

func TestForVisitsEveryIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100, 1001} {
		counts := make([]int, n)
		For(n, func(i int) { counts[i]++ })
		for i, c := range counts {
			if c != 1 {
				t.Errorf("n=%d: index %d visited %d times", n, i, c)
			}
		}
	}
}

func TestWorkersSingleWorkerIsSequential(t *testing.T) {
	var order []int
	Workers(5, 1, func(i int) { order = append(order, i) })
	for i, v := range order {
		if v != i {
			t.Fatalf("Expected sequential order, got %v", order)
		}
	}
}
