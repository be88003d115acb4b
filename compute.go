package main

// canReach reports whether some ordering of the three dice values, combined
// with two binary operators drawn from {+, -, *} under either association,
// evaluates to target.
func canReach(a, b, c, target int) bool {
	ops := [...]func(x, y int) int{
		func(x, y int) int { return x + y },
		func(x, y int) int { return x - y },
		func(x, y int) int { return x * y },
	}

	orderings := [...][3]int{
		{a, b, c},
		{a, c, b},
		{b, a, c},
		{b, c, a},
		{c, a, b},
		{c, b, a},
	}

	for _, o := range orderings {
		for _, op1 := range ops {
			for _, op2 := range ops {
				if op2(op1(o[0], o[1]), o[2]) == target {
					return true
				}
				if op1(o[0], op2(o[1], o[2])) == target {
					return true
				}
			}
		}
	}

	return false
}
