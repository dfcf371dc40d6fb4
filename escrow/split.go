// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package escrow

// ShareDenominator expresses payout shares in basis points.
const ShareDenominator = 10_000

// DefaultProviderShare is 95% of every released escrow; the remainder is the
// community tax.
const DefaultProviderShare = 9_500

// Split divides [totalAmount] into the provider's share and the community
// remainder. The two always sum to [totalAmount] exactly: the community side
// is computed by subtraction, so rounding dust lands with the provider.
//
// Invariant: [providerShare] <= [ShareDenominator]
func Split(totalAmount uint64, providerShare uint32) (uint64, uint64) {
	communityShare := uint64(ShareDenominator - providerShare)
	if communityShare == 0 {
		return totalAmount, 0
	}

	// totalAmount * communityShare cannot overflow for any amount below
	// ~1.8e15 whole units; delay the division to keep small amounts exact.
	community := totalAmount / ShareDenominator * communityShare
	if optimistic := totalAmount * communityShare; optimistic/communityShare == totalAmount {
		community = optimistic / ShareDenominator
	}

	return totalAmount - community, community
}
