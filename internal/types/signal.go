package types

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeSignal is a strategy's proposal for one market. It is not persisted.
type TradeSignal struct {
	TokenID    string  `json:"token_id"`
	MarketID   string  `json:"market_id"`
	Side       Side    `json:"side"`
	Outcome    string  `json:"outcome"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Strategy   string  `json:"strategy"`
}

// RiskVerdict is produced once per signal by the risk gate.
type RiskVerdict struct {
	Approved bool        `json:"approved"`
	Reason   string      `json:"reason"`
	Rule     string      `json:"rule,omitempty"`
	Signal   TradeSignal `json:"signal"`
}
