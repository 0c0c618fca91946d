package types

// TradeRequest is a fully built trade proposal ready for risk review and
// submission. Values are only produced by ProposedTrade.Build.
type TradeRequest struct {
	instrument string
	side       Side
	size       float64
	entry      float64
	stopLoss   float64
	takeProfit float64
	confidence float64
	strategy   string
}

func (r TradeRequest) Instrument() string  { return r.instrument }
func (r TradeRequest) Side() Side          { return r.side }
func (r TradeRequest) Size() float64       { return r.size }
func (r TradeRequest) Entry() float64      { return r.entry }
func (r TradeRequest) StopLoss() float64   { return r.stopLoss }
func (r TradeRequest) TakeProfit() float64 { return r.takeProfit }
func (r TradeRequest) Confidence() float64 { return r.confidence }
func (r TradeRequest) Strategy() string    { return r.strategy }

// ProposedTrade collects a trade before submission. Required fields are
// constructor arguments; stops and metadata are optional.
type ProposedTrade struct {
	req TradeRequest
}

func NewProposedTrade(instrument string, side Side, size, entry float64) *ProposedTrade {
	return &ProposedTrade{req: TradeRequest{
		instrument: instrument,
		side:       side,
		size:       size,
		entry:      entry,
	}}
}

func (p *ProposedTrade) WithStops(stopLoss, takeProfit float64) *ProposedTrade {
	p.req.stopLoss = stopLoss
	p.req.takeProfit = takeProfit
	return p
}

func (p *ProposedTrade) WithConfidence(c float64) *ProposedTrade {
	p.req.confidence = c
	return p
}

func (p *ProposedTrade) WithStrategy(s string) *ProposedTrade {
	p.req.strategy = s
	return p
}

func (p *ProposedTrade) Build() TradeRequest { return p.req }
