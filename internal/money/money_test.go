package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyBasisPoints(t *testing.T) {
	cases := []struct {
		name   string
		amount Cents
		bp     int64
		want   Cents
	}{
		{"ten percent", 8500, 1000, 850},
		{"full", 8500, 10000, 8500},
		{"zero", 8500, 0, 0},
		{"rounds half up", 1005, 1000, 101},
		{"rounds down below half", 1004, 1000, 100},
		{"negative amount rounds away from zero", -1005, 1000, -101},
		{"tiny amount", 4, 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ApplyBasisPoints(tc.amount, tc.bp))
		})
	}
}

func TestApplyFraction(t *testing.T) {
	cases := []struct {
		name     string
		amount   Cents
		fraction float64
		want     Cents
	}{
		{"eight percent tax", 10000, 0.08, 800},
		{"zero rate", 10000, 0, 0},
		{"rounds", 8500, 0.0825, 701},
		{"negative amount", -10000, 0.08, -800},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ApplyFraction(tc.amount, tc.fraction))
		})
	}
}

func TestFlatDiscount(t *testing.T) {
	require.Equal(t, Cents(500), FlatDiscount(8500, 500))
	require.Equal(t, Cents(8500), FlatDiscount(8500, 9000), "flat discount caps at the discountable amount")
	require.Equal(t, Cents(0), FlatDiscount(8500, 0))
	require.Equal(t, Cents(0), FlatDiscount(8500, -100))
	require.Equal(t, Cents(0), FlatDiscount(0, 500))
}

func TestClamp(t *testing.T) {
	require.Equal(t, Cents(0), Clamp(-250))
	require.Equal(t, Cents(250), Clamp(250))
}

func TestFormat(t *testing.T) {
	require.Equal(t, "$85.00", Format(8500))
	require.Equal(t, "$0.05", Format(5))
	require.Equal(t, "-$20.00", Format(-2000))
}
