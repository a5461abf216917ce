package netmerge

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MeanReducer is the default Reducer: the arithmetic mean of the matching
// tensors across every source replica.
type MeanReducer struct{}

func (MeanReducer) Reduce(values []any) (any, error) {
	return reduceTensors(values, 1/float64(len(values)))
}

// SumReducer sums the matching tensors across every source replica,
// without averaging.
type SumReducer struct{}

func (SumReducer) Reduce(values []any) (any, error) {
	return reduceTensors(values, 1)
}

// reduceTensors sums every value in values then scales the sum by scale,
// dispatching on the concrete gonum type the Network exported.
func reduceTensors(values []any, scale float64) (any, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("netmerge: no values to reduce")
	}
	switch first := values[0].(type) {
	case *mat.Dense:
		r, c := first.Dims()
		sum := mat.NewDense(r, c, nil)
		for _, v := range values {
			d, ok := v.(*mat.Dense)
			if !ok {
				return nil, fmt.Errorf("netmerge: mixed parameter types, expected *mat.Dense got %T", v)
			}
			dr, dc := d.Dims()
			if dr != r || dc != c {
				return nil, fmt.Errorf("netmerge: dimension mismatch %dx%d vs %dx%d", dr, dc, r, c)
			}
			sum.Add(sum, d)
		}
		sum.Scale(scale, sum)
		return sum, nil
	case *mat.VecDense:
		n := first.Len()
		sum := mat.NewVecDense(n, nil)
		for _, v := range values {
			d, ok := v.(*mat.VecDense)
			if !ok {
				return nil, fmt.Errorf("netmerge: mixed parameter types, expected *mat.VecDense got %T", v)
			}
			if d.Len() != n {
				return nil, fmt.Errorf("netmerge: length mismatch %d vs %d", d.Len(), n)
			}
			sum.AddVec(sum, d)
		}
		sum.ScaleVec(scale, sum)
		return sum, nil
	default:
		return nil, fmt.Errorf("netmerge: unsupported parameter type %T", first)
	}
}
