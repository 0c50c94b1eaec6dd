package events

// Visitor receives events by variant.
type Visitor interface {
	VisitTick(*TickUpdate)
	VisitDepth(*DepthUpdate)
	VisitOrderStatus(*OrderStatusChanged)
	VisitOpenOrder(*OpenOrderReported)
	VisitExecution(*ExecutionReported)
	VisitPosition(*PositionChanged)
	VisitPortfolio(*PortfolioChanged)
	VisitAccountValue(*AccountValueChanged)
	VisitContractDetails(*ContractDetailsReceived)
	VisitContractDetailsEnd(*ContractDetailsEnd)
	VisitNextValidID(*NextValidID)
	VisitSnapshotEnd(*SnapshotEnd)
	VisitConnectionLost(*ConnectionLost)
	VisitConnectionRestored(*ConnectionRestored)
	VisitError(*ErrorOccurred)
	VisitOrderFilled(*OrderFilled)
	VisitBracketClosed(*BracketClosed)
	VisitTriggerFired(*TriggerFired)
}

func (e *TickUpdate) Accept(v Visitor)              { v.VisitTick(e) }
func (e *DepthUpdate) Accept(v Visitor)             { v.VisitDepth(e) }
func (e *OrderStatusChanged) Accept(v Visitor)      { v.VisitOrderStatus(e) }
func (e *OpenOrderReported) Accept(v Visitor)       { v.VisitOpenOrder(e) }
func (e *ExecutionReported) Accept(v Visitor)       { v.VisitExecution(e) }
func (e *PositionChanged) Accept(v Visitor)         { v.VisitPosition(e) }
func (e *PortfolioChanged) Accept(v Visitor)        { v.VisitPortfolio(e) }
func (e *AccountValueChanged) Accept(v Visitor)     { v.VisitAccountValue(e) }
func (e *ContractDetailsReceived) Accept(v Visitor) { v.VisitContractDetails(e) }
func (e *ContractDetailsEnd) Accept(v Visitor)      { v.VisitContractDetailsEnd(e) }
func (e *NextValidID) Accept(v Visitor)             { v.VisitNextValidID(e) }
func (e *SnapshotEnd) Accept(v Visitor)             { v.VisitSnapshotEnd(e) }
func (e *ConnectionLost) Accept(v Visitor)          { v.VisitConnectionLost(e) }
func (e *ConnectionRestored) Accept(v Visitor)      { v.VisitConnectionRestored(e) }
func (e *ErrorOccurred) Accept(v Visitor)           { v.VisitError(e) }
func (e *OrderFilled) Accept(v Visitor)             { v.VisitOrderFilled(e) }
func (e *BracketClosed) Accept(v Visitor)           { v.VisitBracketClosed(e) }
func (e *TriggerFired) Accept(v Visitor)            { v.VisitTriggerFired(e) }

// NopVisitor implements Visitor with empty methods. Embed it to handle only
// the variants you care about.
type NopVisitor struct{}

func (NopVisitor) VisitTick(*TickUpdate)                         {}
func (NopVisitor) VisitDepth(*DepthUpdate)                       {}
func (NopVisitor) VisitOrderStatus(*OrderStatusChanged)          {}
func (NopVisitor) VisitOpenOrder(*OpenOrderReported)             {}
func (NopVisitor) VisitExecution(*ExecutionReported)             {}
func (NopVisitor) VisitPosition(*PositionChanged)                {}
func (NopVisitor) VisitPortfolio(*PortfolioChanged)              {}
func (NopVisitor) VisitAccountValue(*AccountValueChanged)        {}
func (NopVisitor) VisitContractDetails(*ContractDetailsReceived) {}
func (NopVisitor) VisitContractDetailsEnd(*ContractDetailsEnd)   {}
func (NopVisitor) VisitNextValidID(*NextValidID)                 {}
func (NopVisitor) VisitSnapshotEnd(*SnapshotEnd)                 {}
func (NopVisitor) VisitConnectionLost(*ConnectionLost)           {}
func (NopVisitor) VisitConnectionRestored(*ConnectionRestored)   {}
func (NopVisitor) VisitError(*ErrorOccurred)                     {}
func (NopVisitor) VisitOrderFilled(*OrderFilled)                 {}
func (NopVisitor) VisitBracketClosed(*BracketClosed)             {}
func (NopVisitor) VisitTriggerFired(*TriggerFired)               {}
