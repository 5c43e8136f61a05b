package route

// CheckFunding 校验快照报告的余额能否覆盖该腿。快照未携带余额时视为不受限。
// 买单消耗报价资产，卖单消耗基础资产；手续费以输入资产支付时一并计入。
func CheckFunding(leg Leg, quote VenueQuote) error {
	if quote.Funding == nil {
		return nil
	}

	qty := leg.QuantityFloat()
	feeRate := 0.0
	if leg.FeeMode == FeeModeInput {
		feeRate = quote.TakerFee
	}

	if leg.Side == SideBid {
		need := leg.Notional() * (1 + feeRate)
		if need > quote.Funding.Quote {
			return insufficient(leg.Venue.Name, "quote", need, quote.Funding.Quote)
		}
		return nil
	}

	need := qty * (1 + feeRate)
	if need > quote.Funding.Base {
		return insufficient(leg.Venue.Name, "base", need, quote.Funding.Base)
	}
	return nil
}
