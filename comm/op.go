package comm

import "fmt"

// Number is the element constraint of reductions
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Op is an elementwise reduction operator. All operators are commutative and
// associative.
type Op int

const (
	Sum Op = iota
	Min
	Max
	LogicalAnd // nonzero is true; result is 1 or 0
	LogicalOr  // nonzero is true; result is 1 or 0
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	case LogicalAnd:
		return "land"
	case LogicalOr:
		return "lor"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// combine folds src into dst elementwise
func combine[T Number](op Op, dst, src []T) {
	for i := range dst {
		a, b := dst[i], src[i]
		switch op {
		case Sum:
			dst[i] = a + b
		case Min:
			dst[i] = min(a, b)
		case Max:
			dst[i] = max(a, b)
		case LogicalAnd:
			dst[i] = truth[T](a != 0 && b != 0)
		case LogicalOr:
			dst[i] = truth[T](a != 0 || b != 0)
		}
	}
}

// normalize maps logical operands to 0/1 so single-rank reductions agree with
// multi-rank ones
func normalize[T Number](op Op, vals []T) {
	if op != LogicalAnd && op != LogicalOr {
		return
	}
	for i, v := range vals {
		vals[i] = truth[T](v != 0)
	}
}

func truth[T Number](b bool) T {
	if b {
		return 1
	}
	return 0
}

func validOp(op Op) bool {
	return op >= Sum && op <= LogicalOr
}
