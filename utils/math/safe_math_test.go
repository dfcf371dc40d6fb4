// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package math

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdd64(t *testing.T) {
	require := require.New(t)

	sum, err := Add64(1, 2)
	require.NoError(err)
	require.Equal(uint64(3), sum)

	sum, err = Add64(math.MaxUint64, 0)
	require.NoError(err)
	require.Equal(uint64(math.MaxUint64), sum)

	_, err = Add64(math.MaxUint64, 1)
	require.ErrorIs(err, ErrOverflow)
}

func TestSub(t *testing.T) {
	require := require.New(t)

	diff, err := Sub(uint64(5), uint64(3))
	require.NoError(err)
	require.Equal(uint64(2), diff)

	_, err = Sub(uint64(3), uint64(5))
	require.ErrorIs(err, ErrUnderflow)
}

func TestMul64(t *testing.T) {
	require := require.New(t)

	product, err := Mul64(3, 7)
	require.NoError(err)
	require.Equal(uint64(21), product)

	product, err = Mul64(math.MaxUint64, 0)
	require.NoError(err)
	require.Zero(product)

	_, err = Mul64(math.MaxUint64, 2)
	require.ErrorIs(err, ErrOverflow)
}

func TestMinMax(t *testing.T) {
	require := require.New(t)

	require.Equal(1, Min(3, 1, 2))
	require.Equal(3, Max(3, 1, 2))
	require.Equal(7, Min(7))
}
