package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// PayoutLine is the credit owed to one winning bet.
type PayoutLine struct {
	Bet    domain.Bet
	Amount int64
}

// Settlement is the outcome of splitting a round's bank.
type Settlement struct {
	Winner        domain.Side
	Bank          int64
	WinningBank   int64
	LosingBank    int64
	Fee           int64
	Distributable int64
	Payouts       []PayoutLine
	// Remainder is the part of Distributable left unpaid by rounding. It
	// stays with the protocol.
	Remainder int64
}

// WinnerSide returns BUY when the price rose and SELL otherwise. A flat round
// goes to SELL.
func WinnerSide(start, end float64) domain.Side {
	if decimal.NewFromFloat(end).GreaterThan(decimal.NewFromFloat(start)) {
		return domain.SideBuy
	}
	return domain.SideSell
}

// ComputeSettlement splits bets between the winning side.
//
//	fee           = floor(losingBank * feeRate)
//	distributable = bank - fee
//	payout_i      = round(amount_i / winningBank * distributable)
//
// When rounding would pay out more than distributable, the lines that were
// rounded up furthest give back one unit each until the total fits. With no
// winning bets the whole bank is kept as the fee.
func ComputeSettlement(start, end float64, bets []domain.Bet, feeRate float64) Settlement {
	s := Settlement{Winner: WinnerSide(start, end)}

	var winners []domain.Bet
	for _, b := range bets {
		s.Bank += b.Amount
		if b.Side == s.Winner {
			s.WinningBank += b.Amount
			winners = append(winners, b)
		} else {
			s.LosingBank += b.Amount
		}
	}

	if s.WinningBank == 0 {
		s.Fee = s.Bank
		return s
	}

	s.Fee = decimal.NewFromInt(s.LosingBank).
		Mul(decimal.NewFromFloat(feeRate)).
		Floor().
		IntPart()
	s.Distributable = s.Bank - s.Fee

	dist := decimal.NewFromInt(s.Distributable)
	total := decimal.NewFromInt(s.WinningBank)

	type line struct {
		idx  int
		frac decimal.Decimal // rounded - exact
	}
	lines := make([]line, len(winners))
	var paid int64
	for i, b := range winners {
		exact := decimal.NewFromInt(b.Amount).Mul(dist).Div(total)
		rounded := exact.Round(0)
		s.Payouts = append(s.Payouts, PayoutLine{Bet: b, Amount: rounded.IntPart()})
		lines[i] = line{idx: i, frac: rounded.Sub(exact)}
		paid += rounded.IntPart()
	}

	if over := paid - s.Distributable; over > 0 {
		sort.SliceStable(lines, func(a, b int) bool {
			return lines[a].frac.GreaterThan(lines[b].frac)
		})
		for i := 0; i < int(over); i++ {
			s.Payouts[lines[i].idx].Amount--
		}
		paid = s.Distributable
	}
	s.Remainder = s.Distributable - paid
	return s
}
