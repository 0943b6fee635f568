package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/executor"
	"polyclaw/internal/logger"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

type boundaryAction int

const (
	actionTick boundaryAction = iota
	actionWait
	actionExit
)

// loop 是一次运行唯一的执行上下文。已开始的 tick 总会跑完，命令只在
// tick 之间的边界生效。
func (s *Scheduler) loop(run types.SimRun, strat strategy.Strategy, interval, duration time.Duration, done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Scheduler: run %s loop panic: %v\n%s", run.ID, r, debug.Stack())
			s.finish(run, types.RunAborted, fmt.Sprintf("panic: %v", r))
		}
	}()

	startedAt := s.nowFn()
	for {
		action, tickNum, watchlist := s.boundary(run, startedAt, duration)
		switch action {
		case actionExit:
			return
		case actionWait:
			<-s.wake
			continue
		}
		s.runTick(ctx, run, strat, tickNum, watchlist)
		s.sleep(run, interval)
	}
}

// boundary 执行排队的结算并决定 loop 下一步。
func (s *Scheduler) boundary(run types.SimRun, startedAt time.Time, duration time.Duration) (boundaryAction, int, []string) {
	s.drainSettlements(run)

	s.mu.Lock()
	status := s.status
	switch status {
	case types.RunStopping:
		s.mu.Unlock()
		s.finish(run, types.RunStopped, "")
		return actionExit, 0, nil
	case types.RunPaused:
		s.mu.Unlock()
		return actionWait, 0, nil
	}
	if duration > 0 && s.nowFn().Sub(startedAt) >= duration {
		s.mu.Unlock()
		logger.Infof("Scheduler: run %s reached duration %s", run.ID, duration)
		s.finish(run, types.RunCompleted, "")
		return actionExit, 0, nil
	}
	tickNum := s.tickCount + 1
	watchlist := append([]string(nil), s.watchlist...)
	s.mu.Unlock()
	return actionTick, tickNum, watchlist
}

// sleep waits for the next tick. Wake-ups that leave the run in Running only
// apply settlements; anything else returns to the boundary early.
func (s *Scheduler) sleep(run types.SimRun, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case <-s.wake:
			s.mu.Lock()
			status := s.status
			s.mu.Unlock()
			if status != types.RunRunning {
				return
			}
			s.drainSettlements(run)
		}
	}
}

// finish 把运行置为终态并发出最后一条 sim_status。
func (s *Scheduler) finish(run types.SimRun, status types.RunStatus, reason string) {
	s.drainSettlements(run)

	s.mu.Lock()
	now := s.nowFn()
	s.status = status
	s.loopAlive = false
	ticks := s.tickCount
	if s.run != nil && s.run.ID == run.ID {
		s.run.Status = status
		s.run.EndedAt = &now
	}
	// Requests that raced with the exit are applied here, under mu, since
	// no loop owns the executor any more.
	var batches []settledBatch
	for _, req := range s.pending {
		batches = append(batches, resolve(s.exec, req))
	}
	s.pending = nil
	snap := s.exec.Snapshot()
	s.portfolio.Store(&snap)
	s.mu.Unlock()

	s.publishSettled(run.ID, run.Strategy, batches)
	s.emit(eventbus.TypeSimStatus, eventbus.SimStatusData{
		Status:      status,
		RunID:       run.ID,
		Strategy:    run.Strategy,
		TickCount:   ticks,
		TotalTrades: snap.TotalTrades,
		Balance:     snap.Balance,
		RealizedPnL: snap.RealizedPnL,
		Error:       reason,
	})
	logger.Infof("Scheduler: run %s %s after %d ticks balance=%.2f realized=%.2f trades=%d",
		run.ID, status, ticks, snap.Balance, snap.RealizedPnL, snap.TotalTrades)
}

type settledBatch struct {
	req       settleRequest
	items     []executor.Settlement
	positions []types.Position
}

func resolve(ex *executor.MockExecutor, req settleRequest) settledBatch {
	items := ex.ResolveMarket(req.marketID, req.outcome)
	return settledBatch{req: req, items: items, positions: ex.Positions()}
}

// drainSettlements runs on the loop goroutine.
func (s *Scheduler) drainSettlements(run types.SimRun) {
	s.mu.Lock()
	reqs := s.pending
	s.pending = nil
	ex := s.exec
	s.mu.Unlock()
	if len(reqs) == 0 {
		return
	}
	batches := make([]settledBatch, 0, len(reqs))
	for _, req := range reqs {
		batches = append(batches, resolve(ex, req))
	}
	s.refreshPortfolio()
	s.publishSettled(run.ID, run.Strategy, batches)
}

func (s *Scheduler) publishSettled(runID, strategyName string, batches []settledBatch) {
	for _, b := range batches {
		for _, st := range b.items {
			s.emit(eventbus.TypePositionClosed, eventbus.PositionClosedData{
				RunID:       runID,
				Strategy:    strategyName,
				TokenID:     st.Position.TokenID,
				MarketID:    st.Position.MarketID,
				Outcome:     st.Position.Outcome,
				Size:        st.Position.Size,
				EntryPrice:  st.Position.AvgPrice,
				ExitPrice:   st.ExitPrice,
				RealizedPnL: st.RealizedPnL,
				Settled:     true,
				Reason:      fmt.Sprintf("resolved %s", b.req.outcome),
			})
		}
		if len(b.items) > 0 {
			s.emit(eventbus.TypePositionUpdated, eventbus.PositionsData{RunID: runID, Positions: b.positions})
		}
	}
}

type fetchResult struct {
	ctx types.MarketContext
	err error
}

type pendingSignal struct {
	signal types.TradeSignal
	ctx    types.MarketContext
}

// runTick 执行完整的一个 tick。单个市场的失败以 error 事件上报，不会中断 tick。
func (s *Scheduler) runTick(ctx context.Context, run types.SimRun, strat strategy.Strategy, tickNum int, watchlist []string) {
	s.mu.Lock()
	ex := s.exec
	gate := s.gate
	s.mu.Unlock()

	if len(watchlist) == 0 {
		watchlist = s.listTokens(ctx, tickNum)
	}
	s.emit(eventbus.TypeTick, eventbus.TickData{TickNumber: tickNum, MarketsScanned: len(watchlist)})

	s.prefetch(ctx, watchlist)
	results := s.fetchContexts(ctx, watchlist)
	contexts := make([]types.MarketContext, 0, len(results))
	byToken := make(map[string]types.MarketContext, len(results))
	marks := make(map[string]float64, len(results))
	for i, res := range results {
		if res.err != nil {
			s.emit(eventbus.TypeError, eventbus.ErrorData{
				Error:      res.err.Error(),
				TickNumber: tickNum,
				TokenID:    watchlist[i],
			})
			continue
		}
		c := res.ctx
		if c.TokenID == "" {
			c.TokenID = watchlist[i]
		}
		contexts = append(contexts, c)
		byToken[c.TokenID] = c
		marks[c.TokenID] = c.Midpoint
		s.emit(eventbus.TypePriceUpdate, eventbus.PriceData{
			RunID:      run.ID,
			TickNumber: tickNum,
			TokenID:    c.TokenID,
			MarketID:   c.MarketID,
			Title:      c.Title,
			Midpoint:   c.Midpoint,
			Spread:     c.Spread,
			Volume24h:  c.Volume24h,
			Timestamp:  c.FetchedAt,
		})
	}
	ex.Mark(marks)

	var queue []pendingSignal
	for _, c := range contexts {
		sig, err := safeEvaluate(strat, c)
		if err != nil {
			s.emit(eventbus.TypeError, eventbus.ErrorData{Error: err.Error(), TickNumber: tickNum, MarketID: c.MarketID, TokenID: c.TokenID})
			continue
		}
		if sig == nil {
			continue
		}
		normalized := normalizeSignal(*sig, c, run.Strategy)
		s.emitSignal(normalized, false)
		queue = append(queue, pendingSignal{signal: normalized, ctx: c})
	}

	for _, pos := range ex.Positions() {
		c, ok := byToken[pos.TokenID]
		if !ok {
			continue
		}
		sig, err := safeShouldClose(strat, pos, c)
		if err != nil {
			s.emit(eventbus.TypeError, eventbus.ErrorData{Error: err.Error(), TickNumber: tickNum, MarketID: c.MarketID, TokenID: c.TokenID})
			continue
		}
		if sig == nil {
			continue
		}
		normalized := normalizeSignal(*sig, c, run.Strategy)
		s.emitSignal(normalized, true)
		queue = append(queue, pendingSignal{signal: normalized, ctx: c})
	}

	for _, p := range queue {
		verdict := gate.Check(p.signal, ex.Snapshot())
		s.emit(eventbus.TypeRiskVerdict, eventbus.RiskVerdictData{
			Approved: verdict.Approved,
			Reason:   verdict.Reason,
			Rule:     verdict.Rule,
			TokenID:  p.signal.TokenID,
			Side:     p.signal.Side,
			Price:    p.signal.Price,
		})
		if !verdict.Approved {
			continue
		}
		res, err := ex.Execute(p.signal, p.ctx)
		if err != nil {
			logger.Warnf("Scheduler: tick %d execute %s failed: %v", tickNum, p.signal.TokenID, err)
			s.emit(eventbus.TypeError, eventbus.ErrorData{Error: err.Error(), TickNumber: tickNum, MarketID: p.signal.MarketID, TokenID: p.signal.TokenID})
			continue
		}
		s.emitTrade(run, res)
	}

	positions := ex.Positions()
	s.refreshPortfolio()
	s.emit(eventbus.TypePositionUpdated, eventbus.PositionsData{RunID: run.ID, Positions: positions})

	if tickNum%s.cfg.SnapshotEvery == 0 {
		p := s.Portfolio()
		s.emit(eventbus.TypeSnapshot, eventbus.SnapshotData{
			RunID:             run.ID,
			TickNumber:        tickNum,
			Balance:           p.Balance,
			UnrealizedPnL:     p.UnrealizedPnL,
			RealizedPnL:       p.RealizedPnL,
			TotalValue:        p.TotalValue,
			OpenPositionCount: p.OpenPositionCount,
			TotalTrades:       p.TotalTrades,
			Timestamp:         p.Timestamp,
		})
	}

	s.mu.Lock()
	s.tickCount = tickNum
	s.mu.Unlock()
	logger.Debugf("Scheduler: run %s tick %d done markets=%d/%d signals=%d",
		run.ID, tickNum, len(contexts), len(watchlist), len(queue))
}

// listTokens 在 watchlist 为空时取行情源的全部开放市场。
func (s *Scheduler) listTokens(parent context.Context, tickNum int) []string {
	lister, ok := s.source.(TokenLister)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.FetchTimeout)
	defer cancel()
	tokens, err := lister.Tokens(ctx)
	if err != nil {
		s.emit(eventbus.TypeError, eventbus.ErrorData{Error: fmt.Sprintf("list markets: %v", err), TickNumber: tickNum})
		return nil
	}
	return tokens
}

// prefetch 失败只记日志，逐个抓取仍会各自取价。
func (s *Scheduler) prefetch(parent context.Context, tokens []string) {
	pf, ok := s.source.(Prefetcher)
	if !ok || len(tokens) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.FetchTimeout)
	defer cancel()
	if err := pf.Prefetch(ctx, tokens); err != nil {
		logger.Debugf("Scheduler: batch prefetch of %d tokens failed: %v", len(tokens), err)
	}
}

// fetchContexts 并发抓取所有关注的 token，每个受 fetch timeout 约束，结果保持 watchlist 顺序。
func (s *Scheduler) fetchContexts(ctx context.Context, watchlist []string) []fetchResult {
	results := make([]fetchResult, len(watchlist))
	if len(watchlist) == 0 {
		return results
	}
	if s.source == nil {
		for i := range results {
			results[i].err = fmt.Errorf("no market source configured")
		}
		return results
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, token := range watchlist {
		g.Go(func() error {
			results[i] = s.fetchOne(ctx, token)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) fetchOne(parent context.Context, tokenID string) fetchResult {
	ctx, cancel := context.WithTimeout(parent, s.cfg.FetchTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("fetch %s panicked: %v", tokenID, r)}
			}
		}()
		c, err := s.source.Context(ctx, tokenID)
		ch <- fetchResult{ctx: c, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			r.err = fmt.Errorf("fetch %s: %w", tokenID, r.err)
		}
		return r
	case <-ctx.Done():
		return fetchResult{err: fmt.Errorf("fetch %s: %w", tokenID, ctx.Err())}
	}
}

func (s *Scheduler) emitSignal(sig types.TradeSignal, exit bool) {
	s.emit(eventbus.TypeSignalEmitted, eventbus.SignalData{
		Strategy:   sig.Strategy,
		MarketID:   sig.MarketID,
		TokenID:    sig.TokenID,
		Side:       sig.Side,
		Price:      sig.Price,
		Size:       sig.Size,
		Confidence: sig.Confidence,
		Reasoning:  sig.Reasoning,
		Exit:       exit,
	})
}

func (s *Scheduler) emitTrade(run types.SimRun, res types.MockTradeResult) {
	sig := res.Signal
	s.emit(eventbus.TypeTradeExecuted, eventbus.TradeData{
		TradeID:      res.TradeID,
		RunID:        run.ID,
		Strategy:     sig.Strategy,
		MarketID:     sig.MarketID,
		TokenID:      sig.TokenID,
		Outcome:      sig.Outcome,
		Side:         res.Side,
		Price:        sig.Price,
		FillPrice:    res.FillPrice,
		Size:         res.Size,
		Slippage:     res.Slippage,
		BalanceAfter: res.BalanceAfter,
		RealizedPnL:  res.RealizedPnL,
		Success:      res.Success,
		Error:        res.Error,
		Timestamp:    res.Timestamp,
	})
	if res.Success && res.Closed {
		s.emit(eventbus.TypePositionClosed, eventbus.PositionClosedData{
			RunID:       run.ID,
			Strategy:    run.Strategy,
			TokenID:     sig.TokenID,
			MarketID:    sig.MarketID,
			Outcome:     sig.Outcome,
			Size:        res.Size,
			EntryPrice:  res.EntryPrice,
			ExitPrice:   res.FillPrice,
			RealizedPnL: res.RealizedPnL,
			Reason:      sig.Reasoning,
		})
	}
}

func normalizeSignal(sig types.TradeSignal, c types.MarketContext, strategyName string) types.TradeSignal {
	if sig.TokenID == "" {
		sig.TokenID = c.TokenID
	}
	if sig.MarketID == "" {
		sig.MarketID = c.MarketID
	}
	if sig.Outcome == "" {
		sig.Outcome = c.Outcome
	}
	if sig.Strategy == "" {
		sig.Strategy = strategyName
	}
	return sig
}

func safeEvaluate(strat strategy.Strategy, c types.MarketContext) (sig *types.TradeSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s evaluate %s panicked: %v", strat.Name(), c.TokenID, r)
		}
	}()
	sig, err = strat.Evaluate(c)
	if err != nil {
		err = fmt.Errorf("strategy %s evaluate %s: %w", strat.Name(), c.TokenID, err)
	}
	return sig, err
}

func safeShouldClose(strat strategy.Strategy, pos types.Position, c types.MarketContext) (sig *types.TradeSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s should_close %s panicked: %v", strat.Name(), pos.TokenID, r)
		}
	}()
	sig, err = strat.ShouldClose(pos, c)
	if err != nil {
		err = fmt.Errorf("strategy %s should_close %s: %w", strat.Name(), pos.TokenID, err)
	}
	return sig, err
}
