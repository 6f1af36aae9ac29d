package hybrid

import (
	"context"
	"fmt"

	"cohort-grid-bot/internal/venue"
)

// gridsPerSide returns how many levels sit on each side of the anchor.
func (o *Orchestrator) gridsPerSide() int {
	return o.cfg.NumGrids / 2
}

// levelStep is the fractional spacing between adjacent grid levels.
func (o *Orchestrator) levelStep() float64 {
	return (o.cohort.Config.GridRangePct / 100) / float64(o.gridsPerSide())
}

// openGrid places BUY levels below and SELL levels above the anchor price,
// quantized by the cohort's grid range. Levels under the exchange notional
// floor are skipped.
func (o *Orchestrator) openGrid(ctx context.Context, symbol string, allocationUSD, anchor float64) (*GridState, error) {
	if anchor <= 0 {
		return nil, fmt.Errorf("anchor price for %s must be positive", symbol)
	}
	side := o.gridsPerSide()
	step := o.levelStep()
	perLevel := allocationUSD / float64(o.cfg.NumGrids)

	g := &GridState{
		Symbol:       symbol,
		Timestamp:    o.now(),
		ActiveOrders: make(map[string]GridOrder),
		Bounds: GridBounds{
			Lower: anchor * (1 - o.cohort.Config.GridRangePct/100),
			Upper: anchor * (1 + o.cohort.Config.GridRangePct/100),
		},
	}
	if perLevel < MinNotionalUSD {
		o.logger.Warn("grid levels below notional floor, opening empty grid",
			"symbol", symbol, "per_level", perLevel)
		return g, nil
	}

	for i := 1; i <= side; i++ {
		buyPrice := anchor * (1 - float64(i)*step)
		sellPrice := anchor * (1 + float64(i)*step)

		qty := perLevel / buyPrice
		id, err := o.venue.PlaceOrder(ctx, symbol, venue.Buy, qty, buyPrice)
		if err != nil {
			o.logger.Warn("grid buy level failed",
				"symbol", symbol, "price", buyPrice, "error", err)
		} else {
			g.ActiveOrders[id] = GridOrder{Type: string(venue.Buy), Price: buyPrice, Quantity: qty, CreatedAt: o.now()}
		}

		qty = perLevel / sellPrice
		id, err = o.venue.PlaceOrder(ctx, symbol, venue.Sell, qty, sellPrice)
		if err != nil {
			o.logger.Warn("grid sell level failed",
				"symbol", symbol, "price", sellPrice, "error", err)
		} else {
			g.ActiveOrders[id] = GridOrder{Type: string(venue.Sell), Price: sellPrice, Quantity: qty, CreatedAt: o.now()}
		}
	}

	o.logger.Info("grid opened",
		"symbol", symbol, "cohort", o.cohort.Name,
		"levels", len(g.ActiveOrders), "anchor", anchor,
		"lower", g.Bounds.Lower, "upper", g.Bounds.Upper)
	return g, nil
}

// closeGrid cancels every resting level. Cancel failures are logged and the
// order stays in state for the reconciler to flag.
func (o *Orchestrator) closeGrid(ctx context.Context, g *GridState) {
	for id := range g.ActiveOrders {
		if err := o.venue.CancelOrder(ctx, g.Symbol, id); err != nil {
			o.logger.Warn("grid cancel failed",
				"symbol", g.Symbol, "order_id", id, "error", err)
			continue
		}
		delete(g.ActiveOrders, id)
	}
	o.logger.Info("grid closed", "symbol", g.Symbol, "cohort", o.cohort.Name)
}

// OnFill handles one execution report from the user-data stream.
func (o *Orchestrator) OnFill(ctx context.Context, fill venue.Fill) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handleFill(ctx, fill)
}

// handleFill removes the filled level and places the mirror follow-up one
// step away. A failed follow-up re-annotates the original order and surfaces
// it for the health summary. Callers hold o.mu.
func (o *Orchestrator) handleFill(ctx context.Context, fill venue.Fill) {
	g, ok := o.grids[fill.Symbol]
	if !ok {
		return
	}
	order, ok := g.ActiveOrders[fill.OrderID]
	if !ok {
		return
	}
	delete(g.ActiveOrders, fill.OrderID)
	g.LastFill = o.now()

	step := o.levelStep()
	var mirrorSide venue.Side
	var mirrorPrice float64
	if order.Type == string(venue.Buy) {
		mirrorSide = venue.Sell
		mirrorPrice = order.Price * (1 + step)
	} else {
		mirrorSide = venue.Buy
		mirrorPrice = order.Price * (1 - step)
	}

	id, err := o.venue.PlaceOrder(ctx, fill.Symbol, mirrorSide, order.Quantity, mirrorPrice)
	if err != nil {
		order.FailedFollowup = true
		g.ActiveOrders[fill.OrderID] = order
		o.logger.Error("grid follow-up failed",
			"symbol", fill.Symbol, "filled_order", fill.OrderID,
			"mirror_side", string(mirrorSide), "mirror_price", mirrorPrice,
			"error", err)
	} else {
		g.ActiveOrders[id] = GridOrder{
			Type:      string(mirrorSide),
			Price:     mirrorPrice,
			Quantity:  order.Quantity,
			CreatedAt: o.now(),
		}
		o.logger.Info("grid fill mirrored",
			"symbol", fill.Symbol, "side", string(mirrorSide),
			"price", mirrorPrice, "quantity", order.Quantity)
	}

	if err := SaveGridState(o.cfg.StateDir, o.cohort.Name, g); err != nil {
		o.logger.Error("grid state persist failed", "symbol", fill.Symbol, "error", err)
	}
}

// pollFills is the fallback fill detector: any order in state that the venue
// no longer lists as open is treated as filled at its level price. Callers
// hold o.mu.
func (o *Orchestrator) pollFills(ctx context.Context) {
	for symbol, g := range o.grids {
		if len(g.ActiveOrders) == 0 {
			continue
		}
		open, err := o.venue.GetOpenOrders(ctx, symbol)
		if err != nil {
			o.logger.Warn("open order poll failed", "symbol", symbol, "error", err)
			continue
		}
		openIDs := make(map[string]bool, len(open))
		for _, or := range open {
			openIDs[or.OrderID] = true
		}
		var filled []venue.Fill
		for id, order := range g.ActiveOrders {
			if openIDs[id] || order.FailedFollowup {
				continue
			}
			filled = append(filled, venue.Fill{
				OrderID:  id,
				Symbol:   symbol,
				Side:     venue.Side(order.Type),
				Price:    order.Price,
				Quantity: order.Quantity,
				FilledAt: o.now(),
			})
		}
		for _, f := range filled {
			o.handleFill(ctx, f)
		}
	}
}

// gridsEmpty reports whether no grid holds a resting order. Callers hold
// o.mu.
func (o *Orchestrator) gridsEmpty() bool {
	for _, g := range o.grids {
		if len(g.ActiveOrders) > 0 {
			return false
		}
	}
	return true
}
